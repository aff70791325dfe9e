package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/outlayer/pkg/keystore"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "keystore",
	Short:   "Outlayer Keystore - sealed secret release gated by attestation and policy",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Keystore service",
	Long: `Start the Keystore. It generates a fresh curve25519 key pair at boot
(the private half never touches disk); operators distribute the public
key via GET /pubkey so secret bundles can be sealed to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		trustedRootsHex, _ := cmd.Flags().GetStringSlice("trusted-root")
		allowedMeasurements, _ := cmd.Flags().GetStringSlice("allowed-measurement")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		roots := make([]ed25519.PublicKey, 0, len(trustedRootsHex))
		for _, s := range trustedRootsHex {
			raw, err := hex.DecodeString(s)
			if err != nil {
				return fmt.Errorf("invalid --trusted-root %q: %w", s, err)
			}
			if len(raw) != ed25519.PublicKeySize {
				return fmt.Errorf("invalid --trusted-root %q: want %d bytes, got %d", s, ed25519.PublicKeySize, len(raw))
			}
			roots = append(roots, ed25519.PublicKey(raw))
		}

		measurements := make(map[string]bool, len(allowedMeasurements))
		for _, m := range allowedMeasurements {
			measurements[m] = true
		}

		ks, err := keystore.New(keystore.Config{
			TrustedRoots:        roots,
			AllowedMeasurements: measurements,
			Lookup:              unconfiguredBalanceLookup,
		})
		if err != nil {
			return fmt.Errorf("failed to create keystore: %w", err)
		}
		srv := keystore.NewServer(ks)

		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("keystore")
		metrics.RegisterComponent("keystore", true, "ready")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/healthz", metrics.HealthHandler())
			mux.Handle("/readyz", metrics.ReadyHandler())
			mux.Handle("/livez", metrics.LivenessHandler())
			if pprofEnabled {
				mux.Handle("/debug/pprof/", http.DefaultServeMux)
			}
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("keystore listening on %s, public key %x\n", bindAddr, ks.PublicKey())

		errCh := make(chan error, 1)
		go func() {
			if err := http.ListenAndServe(bindAddr, srv); err != nil {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		fmt.Println("shutdown complete")
		return nil
	},
}

// unconfiguredBalanceLookup is used until an operator wires in a real
// on-chain or ledger balance lookup; token-gated policies always deny.
func unconfiguredBalanceLookup(ctx context.Context, contract, account string) (string, error) {
	return "", fmt.Errorf("keystore: no token balance lookup configured")
}

func init() {
	startCmd.Flags().String("bind-addr", "127.0.0.1:8081", "Address for the HTTP API")
	startCmd.Flags().StringSlice("trusted-root", nil, "Hex-encoded ed25519 public key trusted to sign worker attestation quotes (repeatable)")
	startCmd.Flags().StringSlice("allowed-measurement", nil, "Worker software measurement accepted in a quote (repeatable)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9092", "Address for the metrics/health HTTP server")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}
