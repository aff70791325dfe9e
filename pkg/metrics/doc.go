/*
Package metrics provides Prometheus metrics collection and exposition for
Outlayer's three processes: the Coordinator, the Worker, and the Keystore.

Every metric is registered once at package init() via prometheus.MustRegister
and exposed by Handler() (promhttp.Handler()) for scraping: callers use the
package-level metric vars directly, with no separate registry wiring per
component.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │         Package-level Collectors            │          │
	│  │  - Gauges, Counters, Histograms             │          │
	│  │  - registered via init()/MustRegister        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Timer helper                   │          │
	│  │  - t := metrics.NewTimer()                  │          │
	│  │  - ... do work ...                          │          │
	│  │  - t.ObserveDuration(metrics.CompileDuration)│          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Handler()                        │          │
	│  │  - promhttp.Handler()                       │          │
	│  │  - mounted at GET /metrics on every binary  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metric Catalogue

Job lifecycle:
  - outlayer_jobs_total{job_type,status} (gauge) — current job count by type/status
  - outlayer_jobs_inserted_total{job_type} (counter)
  - outlayer_jobs_claimed_total{job_type} (counter)
  - outlayer_claim_conflicts_total{job_type} (counter) — claim attempts that
    lost the race to another worker
  - outlayer_jobs_completed_total{job_type,status} (counter)

Raft cluster health:
  - outlayer_raft_is_leader (gauge, 0/1)
  - outlayer_raft_peers_total (gauge)
  - outlayer_raft_log_index / outlayer_raft_applied_index (gauges)
  - outlayer_raft_apply_duration_seconds (histogram)

Coordinator API:
  - outlayer_api_requests_total{endpoint,method,code} (counter)
  - outlayer_api_request_duration_seconds{endpoint,method} (histogram)

Worker compile/execute:
  - outlayer_compile_duration_seconds{build_target} (histogram)
  - outlayer_execute_duration_seconds{build_target} (histogram)
  - outlayer_instructions_used_total{job_type} (counter)
  - outlayer_compile_failures_total{reason} (counter)
  - outlayer_execute_failures_total{reason} (counter)

Artifact Store:
  - outlayer_artifact_cache_hits_total / outlayer_artifact_cache_misses_total (counters)
  - outlayer_artifact_evictions_total (counter)
  - outlayer_artifact_bytes_stored (gauge)
  - outlayer_lock_wait_duration_seconds (histogram)
  - outlayer_lock_contention_total{kind} (counter) — lock_acquire calls that
    found the lock already held; kind is "compile" or "generic"

Keystore:
  - outlayer_keystore_decrypts_total{outcome} (counter) — outcome is "ok" or
    the refusal error's message, such as "policy_denied"
  - outlayer_keystore_decrypt_duration_seconds (histogram)
  - outlayer_keystore_policy_denials_total{policy_kind} (counter)

Janitor:
  - outlayer_janitor_reclaimed_total{kind} (counter) — kind is "job" for
    stale in_progress reclamation, "lock" for expired-lock sweeps
  - outlayer_janitor_cycle_duration_seconds (histogram)

Workers:
  - outlayer_workers_registered_total (gauge)
  - outlayer_worker_heartbeat_age_seconds{worker_id} (gauge)

# Usage

Timing an operation with a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompileDuration, buildTarget)
	// ... run the compile ...

Incrementing a counter:

	metrics.JobsClaimedTotal.WithLabelValues(string(job.JobType)).Inc()

Mounting the scrape endpoint on a binary's metrics listener:

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(metricsAddr, mux)

# Design Notes

All collectors are package-level vars constructed and registered inside a
single init() rather than through a constructor-injected registry — every
Outlayer binary shares the default prometheus.Registry and exposes it on its
own --metrics-addr listener, separate from the Coordinator's job API address.
*/
package metrics
