// Package jobstore implements the durable job queue: insertion with
// idempotent uniqueness on (request_id, data_id, job_type), atomic
// multi-worker claim, completion with holder validation, pending-queue
// scans, and compile-dependency lookups for the execute path.
package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/google/uuid"
)

// Store is the Job Store: a storage.Store-backed bucket of jobs plus an
// in-memory request_id -> job_ids index. All mutating operations take mu,
// which combined with bbolt's single-writer Update transaction gives the
// serializability the claim algorithm requires without a CAS loop.
type Store struct {
	backing storage.Store

	// wake is the push-queue signal: buffered so an insert never blocks,
	// drained by long-pollers waiting for work.
	wake chan struct{}

	mu    sync.Mutex
	index map[string][]string // request_id -> job_ids
}

// NewStore opens a Job Store over backing, rebuilding the request_id index
// from whatever jobs are already persisted.
func NewStore(backing storage.Store) (*Store, error) {
	s := &Store{
		backing: backing,
		wake:    make(chan struct{}, 1),
		index:   make(map[string][]string),
	}
	jobs, err := backing.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs at startup: %w", err)
	}
	for _, j := range jobs {
		s.index[j.RequestID] = append(s.index[j.RequestID], j.ID)
	}
	return s, nil
}

// InsertJobs inserts 1-2 job rows in a single in-process transaction,
// idempotent on (request_id, data_id, job_type). Jobs that already exist
// under their uniqueness key are skipped rather than duplicated.
func (s *Store) InsertJobs(jobs []*types.Job) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing := make(map[string]bool)
	for _, j := range jobs {
		for _, id := range s.index[j.RequestID] {
			sib, err := s.backing.GetJob(id)
			if err != nil {
				continue
			}
			existing[sib.UniqueKey()] = true
		}
	}

	var inserted []*types.Job
	for _, j := range jobs {
		if existing[j.UniqueKey()] {
			continue
		}
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		if j.Status == "" {
			j.Status = types.JobStatusPending
		}
		j.CreatedAt = now
		j.UpdatedAt = now
		if err := s.backing.CreateJob(j); err != nil {
			return inserted, fmt.Errorf("jobstore: insert job %s: %w", j.ID, err)
		}
		s.index[j.RequestID] = append(s.index[j.RequestID], j.ID)
		existing[j.UniqueKey()] = true
		inserted = append(inserted, j)
		metrics.JobsInsertedTotal.WithLabelValues(string(j.JobType)).Inc()
	}
	if len(inserted) > 0 {
		s.notify()
	}
	return inserted, nil
}

// Wake returns a channel that receives when new pending work may be
// available, so long-pollers can skip their next sleep interval.
func (s *Store) Wake() <-chan struct{} { return s.wake }

// HasRequest reports whether any job exists under requestID, letting
// callers distinguish "nothing ever inserted" from "all rows already
// claimed" after an empty Claim.
func (s *Store) HasRequest(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index[requestID]) > 0
}

func (s *Store) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Claim transitions every pending job of request_id to in_progress under
// worker_id, in a single critical section, and returns the set that
// transitioned. If none were eligible, it returns an empty slice and no
// error; the caller distinguishes "nothing to do" from an error by the
// length of the returned slice.
func (s *Store) Claim(workerID, requestID string) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.index[requestID]
	var claimed []*types.Job
	now := time.Now().UTC()
	for _, id := range ids {
		job, err := s.backing.GetJob(id)
		if err != nil {
			continue
		}
		if job.Status != types.JobStatusPending {
			continue
		}
		job.Status = types.JobStatusInProgress
		job.WorkerID = workerID
		job.UpdatedAt = now
		if err := s.backing.UpdateJob(job); err != nil {
			return claimed, fmt.Errorf("jobstore: claim job %s: %w", job.ID, err)
		}
		claimed = append(claimed, job)
		metrics.JobsClaimedTotal.WithLabelValues(string(job.JobType)).Inc()
	}
	if len(claimed) == 0 && len(ids) > 0 {
		metrics.ClaimConflictsTotal.WithLabelValues("unknown").Inc()
	}
	return claimed, nil
}

// Outcome carries a completion's terminal status, result pointer, and metrics.
type Outcome struct {
	Status         types.JobStatus
	WasmChecksum   string
	Output         []byte
	OutputHash     string
	Error          string
	SettlementHint string
	Metrics        types.Metrics
}

// Complete transitions job_id from in_progress to outcome.Status. It
// rejects the call with ErrNotHolder if worker_id is not the current
// holder, or ErrNotInProgress if the job is not currently in_progress —
// both cases the worker is expected to swallow and move on.
func (s *Store) Complete(jobID, workerID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.backing.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("%w: %s", apierr.ErrNotFound, jobID)
	}
	if job.Status != types.JobStatusInProgress {
		return apierr.ErrNotInProgress
	}
	if job.WorkerID != workerID {
		return apierr.ErrNotHolder
	}

	now := time.Now().UTC()
	job.Status = outcome.Status
	job.WasmChecksum = outcome.WasmChecksum
	job.Output = outcome.Output
	job.OutputHash = outcome.OutputHash
	job.Error = outcome.Error
	job.SettlementHint = outcome.SettlementHint
	job.Metrics = outcome.Metrics
	job.UpdatedAt = now
	job.CompletedAt = now
	if err := s.backing.UpdateJob(job); err != nil {
		return fmt.Errorf("jobstore: complete job %s: %w", jobID, err)
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.JobType), string(job.Status)).Inc()
	return nil
}

// ListPending returns up to limit pending jobs ordered by created_at
// ascending, used by the work-stealing scan path.
func (s *Store) ListPending(limit int) ([]*types.Job, error) {
	pending, err := s.backing.ListJobsByStatus(types.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list pending: %w", err)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// DependencyPeek returns the compile job for request_id, if one exists, so
// an execute worker can link to its output checksum.
func (s *Store) DependencyPeek(requestID string) (*types.Job, error) {
	s.mu.Lock()
	ids := append([]string(nil), s.index[requestID]...)
	s.mu.Unlock()

	for _, id := range ids {
		job, err := s.backing.GetJob(id)
		if err != nil {
			continue
		}
		if job.JobType == types.JobTypeCompile {
			return job, nil
		}
	}
	return nil, apierr.ErrNotFound
}

// IsWorkerAlive reports liveness for the reclamation pass.
type IsWorkerAlive func(workerID string) bool

// ReclaimStale resets every in_progress job whose update age exceeds
// staleTimeout — and whose worker has lapsed per alive — back to pending,
// clearing worker_id. Returns the number reclaimed.
func (s *Store) ReclaimStale(staleTimeout time.Duration, alive IsWorkerAlive) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.backing.ListJobsByStatus(types.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("jobstore: list in_progress: %w", err)
	}

	now := time.Now().UTC()
	reclaimed := 0
	for _, job := range jobs {
		if now.Sub(job.UpdatedAt) <= staleTimeout {
			continue
		}
		if alive != nil && alive(job.WorkerID) {
			continue
		}
		job.Status = types.JobStatusPending
		job.WorkerID = ""
		job.UpdatedAt = now
		if err := s.backing.UpdateJob(job); err != nil {
			log.Logger.Error().Err(err).Str("job_id", job.ID).Msg("janitor: failed to reclaim stale job")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		metrics.JanitorReclaimedTotal.WithLabelValues("job").Add(float64(reclaimed))
		s.notify()
	}
	return reclaimed, nil
}

// Get returns a single job by id.
func (s *Store) Get(jobID string) (*types.Job, error) {
	return s.backing.GetJob(jobID)
}
