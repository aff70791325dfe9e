package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/outlayer/pkg/coordinator"
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
	Use:     "coordinator",
	Short:   "Outlayer Coordinator - job scheduling, artifact cache, and attestation ledger",
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
	Short: "Start a Coordinator node",
	Long: `Start a Coordinator node. A node bootstraps its own single-node Raft
cluster unless --join-leader is given, in which case it starts Raft without
bootstrapping and waits for the leader to add it as a voter (Cluster.AddVoter
on the leader). This binary has no command or HTTP endpoint that makes that
call.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		artifactRoot, _ := cmd.Flags().GetString("artifact-root")
		masterSecret, _ := cmd.Flags().GetString("master-secret")
		adminToken, _ := cmd.Flags().GetString("admin-token")
		joinLeader, _ := cmd.Flags().GetString("join-leader")
		staleTimeout, _ := cmd.Flags().GetDuration("stale-timeout")
		heartbeatLapse, _ := cmd.Flags().GetDuration("heartbeat-lapse")
		artifactQuotaGB, _ := cmd.Flags().GetInt64("artifact-quota-gb")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

		if masterSecret == "" {
			return fmt.Errorf("--master-secret is required")
		}
		if adminToken == "" {
			return fmt.Errorf("--admin-token is required")
		}

		clusterCfg := coordinator.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}

		var cluster *coordinator.Cluster
		var err error
		if joinLeader != "" {
			cluster, err = coordinator.Join(clusterCfg)
		} else {
			cluster, err = coordinator.Bootstrap(clusterCfg)
		}
		if err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}

		srv, err := coordinator.NewServer(cluster, artifactRoot, masterSecret, adminToken)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		janitor := coordinator.NewJanitor(srv, cluster, staleTimeout, heartbeatLapse, artifactQuotaGB<<30)
		janitor.Start()

		metrics.SetVersion(Version)
		metrics.SetCriticalComponents("raft", "api")
		metrics.RegisterComponent("raft", true, "bootstrapped")
		metrics.RegisterComponent("api", false, "starting")

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
		fmt.Printf("coordinator node %q: raft %s, api %s, metrics %s\n", nodeID, bindAddr, apiAddr, metricsAddr)

		errCh := make(chan error, 1)
		go func() {
			if err := http.ListenAndServe(apiAddr, srv); err != nil {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()

		time.Sleep(300 * time.Millisecond)
		metrics.RegisterComponent("api", true, "ready")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}

		janitor.Stop()
		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("node-id", "coordinator-1", "Unique Raft node ID")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
	startCmd.Flags().String("api-addr", "127.0.0.1:8080", "Address for the HTTP API")
	startCmd.Flags().String("data-dir", "./outlayer-coordinator-data", "Data directory for Raft and store state")
	startCmd.Flags().String("artifact-root", "./outlayer-coordinator-data/artifacts", "Local filesystem root for cached WASM artifacts")
	startCmd.Flags().String("master-secret", "", "Master secret for deriving per-project storage encryption keys (required)")
	startCmd.Flags().String("admin-token", "", "Shared secret for privileged ingress/admin calls (required)")
	startCmd.Flags().String("join-leader", "", "When non-empty, skip bootstrapping and wait to be added to an existing cluster (the address itself is not contacted)")
	startCmd.Flags().Duration("stale-timeout", 5*time.Minute, "How long an in_progress job may run with no heartbeat before the janitor reclaims it")
	startCmd.Flags().Duration("heartbeat-lapse", 90*time.Second, "How long a worker may go without heartbeating before it's considered dead")
	startCmd.Flags().Int64("artifact-quota-gb", 0, "LRU-evict cached WASM artifacts above this size in GB (0 disables eviction)")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	startCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}
