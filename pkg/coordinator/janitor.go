package coordinator

import (
	"sync"
	"time"

	"github.com/cuemby/outlayer/pkg/jobstore"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/rs/zerolog"
)

// Janitor periodically reclaims jobs stuck in_progress past a stale
// timeout whose worker has stopped heartbeating, sweeps expired locks, and
// evicts cached artifacts over the configured quota.
type Janitor struct {
	jobs           *jobstore.Store
	cluster        *Cluster
	server         *Server
	staleTimeout   time.Duration
	heartbeatLapse time.Duration
	artifactQuota  int64
	interval       time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewJanitor builds a Janitor over server's stores. artifactQuota <= 0
// disables LRU eviction.
func NewJanitor(server *Server, cluster *Cluster, staleTimeout, heartbeatLapse time.Duration, artifactQuota int64) *Janitor {
	return &Janitor{
		jobs:           server.jobs,
		cluster:        cluster,
		server:         server,
		staleTimeout:   staleTimeout,
		heartbeatLapse: heartbeatLapse,
		artifactQuota:  artifactQuota,
		interval:       10 * time.Second,
		logger:         log.WithComponent("janitor"),
		stopCh:         make(chan struct{}),
	}
}

// Start begins the janitor's ticker loop in the background.
func (j *Janitor) Start() { go j.run() }

// Stop signals the ticker loop to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
}

func (j *Janitor) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.cycle()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) cycle() {
	if !j.cluster.IsLeader() {
		// Followers mirror replicated state passively; only the leader
		// drives reclamation so competing janitors don't race each other.
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JanitorCycleDuration)

	reclaimed, err := j.jobs.ReclaimStale(j.staleTimeout, j.isWorkerAlive)
	if err != nil {
		j.logger.Error().Err(err).Msg("stale job reclamation failed")
	} else if reclaimed > 0 {
		j.logger.Info().Int("count", reclaimed).Msg("reclaimed stale jobs")
	}

	j.sweepExpiredLocks()

	if j.artifactQuota > 0 {
		evicted, err := j.server.artifacts.EvictLRU(j.artifactQuota)
		if err != nil {
			j.logger.Error().Err(err).Msg("artifact eviction failed")
		} else if evicted > 0 {
			j.logger.Info().Int("count", evicted).Msg("evicted artifacts over quota")
		}
	}
}

// sweepExpiredLocks deletes lock rows past their TTL so the lock table
// doesn't accumulate entries from crashed holders.
func (j *Janitor) sweepExpiredLocks() {
	locks, err := j.server.store.ListLocks()
	if err != nil {
		j.logger.Error().Err(err).Msg("lock sweep failed")
		return
	}
	now := time.Now().UTC()
	swept := 0
	for _, l := range locks {
		if now.Before(l.ExpiresAt) {
			continue
		}
		if err := j.server.store.DeleteLock(l.Key); err != nil {
			j.logger.Error().Err(err).Str("lock_key", l.Key).Msg("failed to delete expired lock")
			continue
		}
		swept++
	}
	if swept > 0 {
		metrics.JanitorReclaimedTotal.WithLabelValues("lock").Add(float64(swept))
		j.logger.Info().Int("count", swept).Msg("swept expired locks")
	}
}

func (j *Janitor) isWorkerAlive(workerID string) bool {
	w, err := j.server.store.GetWorker(workerID)
	if err != nil {
		return false
	}
	return time.Since(w.LastHeartbeat) < j.heartbeatLapse
}
