/*
Package log provides structured logging for Outlayer using zerolog.

The log package wraps zerolog to give every Coordinator, Worker, and Keystore
process JSON-structured (or human-readable console) logging with
component-scoped child loggers and a handful of domain-specific context
helpers. All logs carry a timestamp and can be filtered by severity.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - zerolog.Logger instance                  │          │
	│  │  - initialized once via log.Init()          │          │
	│  │  - safe for concurrent use                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - JSONOutput: JSON or console (human)      │          │
	│  │  - Output: stdout or a custom io.Writer     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("coordinator-server")      │          │
	│  │  - WithJobID("job-abc123")                  │          │
	│  │  - WithWorkerID("worker-7")                 │          │
	│  │  - WithRequestID("near-req-99")             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "worker",                   │          │
	│  │    "job_id": "job-abc123",                  │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "job claimed"                 │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF job claimed       │          │
	│  │    component=worker job_id=job-abc123       │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance named Logger
  - Initialized once via log.Init(), read from everywhere else
  - Thread-safe concurrent writes

Log Levels:
  - Debug: detailed instrumentation (fuel counts, claim scan internals)
  - Info: general operational messages (job claimed, artifact cached)
  - Warn: recoverable anomalies (lock contention, stale-job reclamation)
  - Error: operation failures (compile failed, attestation persist failed)
  - Fatal: unrecoverable startup errors (process exits)

Configuration:
  - Level: filters messages below the configured threshold
  - JSONOutput: JSON (production) vs zerolog.ConsoleWriter (development)
  - Output: io.Writer destination, defaults to os.Stdout

Context Loggers:
  - WithComponent: tags every line with a subsystem name, e.g.
    "coordinator-server", "jobstore", "artifactstore", "worker", "janitor"
  - WithJobID: scopes a logger to a single job's lifecycle
  - WithWorkerID: scopes a logger to a single worker's activity
  - WithRequestID: scopes a logger to a request_id's sibling compile/execute pair

# Usage

Initializing the logger at process start:

	import "github.com/cuemby/outlayer/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (local development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Logging from a component:

	logger := log.WithComponent("worker")
	logger.Info().Str("job_id", job.ID).Msg("claimed job")

Scoping a logger to one job across several log lines:

	jobLog := log.WithJobID(job.ID)
	jobLog.Info().Msg("compile started")
	jobLog.Info().Int64("elapsed_ms", elapsed.Milliseconds()).Msg("compile finished")

Package-level helpers (for call sites that don't hold a scoped logger):

	log.Info("coordinator listening")
	log.Errorf("failed to apply raft command", err) // message is used as-is; err goes in the "error" field
	log.Fatal("master secret is required")

# Design Notes

The global Logger is a single zerolog.Logger value; WithComponent and the
WithJobID/WithWorkerID/WithRequestID family return a derived child logger
rather than mutating global state, so concurrent goroutines scoping to
different jobs or workers never race with each other. Level filtering is
applied once, globally, via zerolog.SetGlobalLevel, matching the
single-process-wide verbosity knob every Outlayer binary exposes as a
--log-level flag.
*/
package log
