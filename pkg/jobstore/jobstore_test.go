package jobstore

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	s, err := NewStore(backing)
	require.NoError(t, err)
	return s
}

func TestInsertJobsIdempotent(t *testing.T) {
	s := newTestStore(t)

	job := &types.Job{RequestID: "req-1", DataID: "data-1", JobType: types.JobTypeCompile}
	inserted, err := s.InsertJobs([]*types.Job{job})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	// Re-inserting the same uniqueness key is a no-op.
	dup := &types.Job{RequestID: "req-1", DataID: "data-1", JobType: types.JobTypeCompile}
	inserted, err = s.InsertJobs([]*types.Job{dup})
	require.NoError(t, err)
	require.Empty(t, inserted)

	all, err := s.ListPending(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestClaimRaceTransitionsEachJobExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	var jobs []*types.Job
	for i := 0; i < 20; i++ {
		jobs = append(jobs, &types.Job{RequestID: "req-race", DataID: string(rune('a' + i)), JobType: types.JobTypeExecute})
	}
	_, err := s.InsertJobs(jobs)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]*types.Job, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			claimed, err := s.Claim("worker-"+string(rune('0'+idx)), "req-race")
			require.NoError(t, err)
			results[idx] = claimed
		}(i)
	}
	wg.Wait()

	total := 0
	seen := make(map[string]bool)
	for _, r := range results {
		for _, j := range r {
			require.False(t, seen[j.ID], "job %s claimed twice", j.ID)
			seen[j.ID] = true
			total++
		}
	}
	require.Equal(t, len(jobs), total)
}

func TestCompleteRejectsNonHolder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertJobs([]*types.Job{{RequestID: "req-2", DataID: "d", JobType: types.JobTypeExecute}})
	require.NoError(t, err)

	claimed, err := s.Claim("worker-a", "req-2")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = s.Complete(claimed[0].ID, "worker-b", Outcome{Status: types.JobStatusCompleted})
	require.ErrorIs(t, err, apierr.ErrNotHolder)

	err = s.Complete(claimed[0].ID, "worker-a", Outcome{Status: types.JobStatusCompleted})
	require.NoError(t, err)

	// Second completion attempt: job is no longer in_progress.
	err = s.Complete(claimed[0].ID, "worker-a", Outcome{Status: types.JobStatusCompleted})
	require.Error(t, err)
}

func TestReclaimStaleResetsToPending(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertJobs([]*types.Job{{RequestID: "req-3", DataID: "d", JobType: types.JobTypeExecute}})
	require.NoError(t, err)

	claimed, err := s.Claim("worker-a", "req-3")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Force the job's updated_at far enough in the past to be stale.
	job, err := s.Get(claimed[0].ID)
	require.NoError(t, err)
	job.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.backing.UpdateJob(job))

	reclaimed, err := s.ReclaimStale(time.Minute, func(string) bool { return false })
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	pending, err := s.ListPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Empty(t, pending[0].WorkerID)
}
