package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job store metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outlayer_jobs_total",
			Help: "Total number of jobs by type and status",
		},
		[]string{"job_type", "status"},
	)

	JobsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_jobs_inserted_total",
			Help: "Total number of jobs inserted into the job store",
		},
		[]string{"job_type"},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_jobs_claimed_total",
			Help: "Total number of jobs successfully claimed by a worker",
		},
		[]string{"job_type"},
	)

	ClaimConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_claim_conflicts_total",
			Help: "Total number of claim attempts that lost the race to another worker",
		},
		[]string{"job_type"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"job_type", "status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_raft_is_leader",
			Help: "Whether this coordinator replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_raft_peers_total",
			Help: "Total number of Raft cluster peers",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_raft_applied_index",
			Help: "Last Raft log index applied to the FSM",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outlayer_raft_apply_duration_seconds",
			Help:    "Duration of Raft Apply calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_api_requests_total",
			Help: "Total number of API requests by endpoint and status code",
		},
		[]string{"endpoint", "method", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outlayer_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// Compile / execute path metrics
	CompileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outlayer_compile_duration_seconds",
			Help:    "Duration of compile jobs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"build_target"},
	)

	ExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outlayer_execute_duration_seconds",
			Help:    "Duration of execute jobs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"build_target"},
	)

	InstructionsUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_instructions_used_total",
			Help: "Total metered WASM instructions executed",
		},
		[]string{"job_type"},
	)

	CompileFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_compile_failures_total",
			Help: "Total number of failed compile jobs by reason",
		},
		[]string{"reason"},
	)

	ExecuteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_execute_failures_total",
			Help: "Total number of failed execute jobs by reason",
		},
		[]string{"reason"},
	)

	// Artifact store metrics
	ArtifactCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outlayer_artifact_cache_hits_total",
			Help: "Total number of compiled-wasm cache hits",
		},
	)

	ArtifactCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outlayer_artifact_cache_misses_total",
			Help: "Total number of compiled-wasm cache misses",
		},
	)

	ArtifactEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outlayer_artifact_evictions_total",
			Help: "Total number of LRU evictions from the artifact store",
		},
	)

	ArtifactBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_artifact_bytes_stored",
			Help: "Total bytes of compiled wasm currently retained by the artifact store",
		},
	)

	// Distributed lock metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outlayer_lock_wait_duration_seconds",
			Help:    "Duration callers waited to acquire a build lock",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_lock_contention_total",
			Help: "Total number of lock_acquire calls that found the lock already held",
		},
		[]string{"kind"},
	)

	// Keystore metrics
	KeystoreDecryptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_keystore_decrypts_total",
			Help: "Total number of decrypt calls by outcome",
		},
		[]string{"outcome"},
	)

	KeystoreDecryptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outlayer_keystore_decrypt_duration_seconds",
			Help:    "Duration of decrypt calls, including policy evaluation",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeystorePolicyDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_keystore_policy_denials_total",
			Help: "Total number of decrypt calls refused by policy evaluation",
		},
		[]string{"policy_kind"},
	)

	// Janitor / reclamation metrics
	JanitorReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outlayer_janitor_reclaimed_total",
			Help: "Total number of stale jobs or expired locks reclaimed by the janitor",
		},
		[]string{"kind"},
	)

	JanitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outlayer_janitor_cycle_duration_seconds",
			Help:    "Duration of one janitor reclamation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkersRegisteredTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outlayer_workers_registered_total",
			Help: "Total number of workers currently registered with the coordinator",
		},
	)

	WorkerHeartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outlayer_worker_heartbeat_age_seconds",
			Help: "Seconds since each worker's last heartbeat",
		},
		[]string{"worker_id"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsInsertedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(ClaimConflictsTotal)
	prometheus.MustRegister(JobsCompletedTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	prometheus.MustRegister(CompileDuration)
	prometheus.MustRegister(ExecuteDuration)
	prometheus.MustRegister(InstructionsUsedTotal)
	prometheus.MustRegister(CompileFailuresTotal)
	prometheus.MustRegister(ExecuteFailuresTotal)

	prometheus.MustRegister(ArtifactCacheHitsTotal)
	prometheus.MustRegister(ArtifactCacheMissesTotal)
	prometheus.MustRegister(ArtifactEvictionsTotal)
	prometheus.MustRegister(ArtifactBytesStored)

	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockContentionTotal)

	prometheus.MustRegister(KeystoreDecryptsTotal)
	prometheus.MustRegister(KeystoreDecryptDuration)
	prometheus.MustRegister(KeystorePolicyDenialsTotal)

	prometheus.MustRegister(JanitorReclaimedTotal)
	prometheus.MustRegister(JanitorCycleDuration)

	prometheus.MustRegister(WorkersRegisteredTotal)
	prometheus.MustRegister(WorkerHeartbeatAge)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
