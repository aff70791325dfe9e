package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/outlayer/pkg/engine/wazero"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/runtime"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/cuemby/outlayer/pkg/worker"
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
	Use:     "worker",
	Short:   "Outlayer Worker - compiles and executes jobs claimed from a Coordinator",
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
	Short: "Register with a Coordinator and start claiming jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, _ := cmd.Flags().GetString("worker-id")
		coordinatorURL, _ := cmd.Flags().GetString("coordinator-url")
		keystoreURL, _ := cmd.Flags().GetString("keystore-url")
		token, _ := cmd.Flags().GetString("token")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		measurement, _ := cmd.Flags().GetString("measurement")
		refundPolicy, _ := cmd.Flags().GetString("refund-policy")
		mismatchPolicy, _ := cmd.Flags().GetString("wasm-url-mismatch-policy")
		builderImages, _ := cmd.Flags().GetStringToString("builder-image")
		v1Since, _ := cmd.Flags().GetString("attestation-v1-since")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		if coordinatorURL == "" {
			return fmt.Errorf("--coordinator-url is required")
		}
		if measurement == "" {
			return fmt.Errorf("--measurement is required")
		}

		images := make(map[types.BuildTarget]string, len(builderImages))
		for target, image := range builderImages {
			images[types.BuildTarget(target)] = image
		}

		var attestationV1Since time.Time
		if v1Since != "" {
			parsed, err := time.Parse(time.RFC3339, v1Since)
			if err != nil {
				return fmt.Errorf("invalid --attestation-v1-since %q: %w", v1Since, err)
			}
			attestationV1Since = parsed
		}

		sandbox, err := runtime.NewSandbox(containerdSocket)
		if err != nil {
			return fmt.Errorf("failed to connect to containerd: %w", err)
		}

		ctx := context.Background()
		eng, err := wazero.New(ctx)
		if err != nil {
			return fmt.Errorf("failed to create wasm engine: %w", err)
		}

		w, err := worker.New(worker.Config{
			WorkerID:              workerID,
			CoordinatorURL:        coordinatorURL,
			KeystoreURL:           keystoreURL,
			Token:                 token,
			ContainerdSocket:      containerdSocket,
			BuilderImages:         images,
			Concurrency:           concurrency,
			RefundPolicy:          worker.RefundPolicy(refundPolicy),
			WasmURLMismatchPolicy: worker.WasmURLMismatchPolicy(mismatchPolicy),
			Measurement:           measurement,
			AttestationV1Since:    attestationV1Since,
		}, eng, sandbox)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}

		if token == "" {
			if err := w.Register(ctx); err != nil {
				return fmt.Errorf("failed to register with coordinator: %w", err)
			}
			fmt.Println("registered with coordinator")
		}

		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("worker")
		metrics.RegisterComponent("worker", true, "ready")
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
		fmt.Printf("worker %q polling %s, metrics %s\n", workerID, coordinatorURL, metricsAddr)

		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Run(runCtx)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "worker loop error: %v\n", err)
			}
		}
		cancel()
		<-time.After(200 * time.Millisecond)
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("worker-id", "worker-1", "Unique worker ID")
	startCmd.Flags().String("coordinator-url", "http://127.0.0.1:8080", "Coordinator API base URL")
	startCmd.Flags().String("keystore-url", "http://127.0.0.1:8081", "Keystore API base URL")
	startCmd.Flags().String("token", "", "Bearer token (auto-registered with the coordinator if empty)")
	startCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path for the compile sandbox")
	startCmd.Flags().Int("concurrency", 4, "Maximum concurrently dispatched jobs")
	startCmd.Flags().String("measurement", "", "This worker's software measurement, asserted in attestation quotes (required)")
	startCmd.Flags().String("refund-policy", string(worker.RefundPolicyChargeComputeRefundDeposit), "Settlement hint reported on execution failure: charge_compute_refund_deposit, charge_nothing, or charge_full")
	startCmd.Flags().String("wasm-url-mismatch-policy", string(worker.WasmURLMismatchReject), "How to handle a wasm_url source whose content hash doesn't match: reject or fallback_to_compile")
	startCmd.Flags().StringToString("builder-image", nil, "build_target=image builder image mapping, e.g. wasm32-wasip1=outlayer/builder-rust:latest")
	startCmd.Flags().String("attestation-v1-since", "", "RFC3339 instant after which attestations include project/secrets/payment fields in the signed preimage (empty = always)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for the metrics/health HTTP server")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}
