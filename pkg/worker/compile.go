package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/outlayer/pkg/artifactstore"
	"github.com/cuemby/outlayer/pkg/client"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/runtime"
	"github.com/cuemby/outlayer/pkg/types"
)

const (
	compileLockTTL     = 3 * time.Minute
	compileWaitPoll    = 2 * time.Second
	compileWaitTimeout = 4 * time.Minute
)

// runCompile compiles job's GitHub source into a cached WASM artifact,
// deduplicating concurrent compiles of the same (repo, commit,
// build_target) behind a distributed lock. It reports the job's terminal
// outcome itself and returns whether it succeeded, so the caller can
// decide the fate of a dependent execute job.
func (w *Worker) runCompile(ctx context.Context, job *types.Job) bool {
	src := job.CodeSource.GitHub
	if src == nil {
		w.completeCompileFailure(ctx, job, "no_source", "compile job has no GitHub source")
		return false
	}

	checksum := artifactstore.Checksum(src.Repo, src.Commit, string(src.BuildTarget))
	lockKey := "compile:" + checksum

	if exists, _, _, err := w.coord.WasmExists(ctx, checksum); err == nil && exists {
		return w.completeCompileSuccess(ctx, job, checksum, 0)
	}

	start := time.Now()
	acquired, err := w.coord.AcquireLock(ctx, lockKey, compileLockTTL)
	if err != nil {
		w.completeCompileFailure(ctx, job, "lock_error", fmt.Sprintf("lock acquire: %v", err))
		return false
	}

	if !acquired {
		if ok, done := w.waitForPeerCompile(ctx, job, checksum); done {
			return ok
		}
		w.completeCompileFailure(ctx, job, "peer_timeout", "timed out waiting for peer compile")
		return false
	}
	metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	defer func() {
		if err := w.coord.ReleaseLock(ctx, lockKey); err != nil {
			w.logger.Warn().Err(err).Str("lock_key", lockKey).Msg("failed to release compile lock")
		}
	}()

	image := w.cfg.BuilderImages[src.BuildTarget]
	if image == "" {
		w.completeCompileFailure(ctx, job, "no_builder_image", fmt.Sprintf("no builder image configured for target %s", src.BuildTarget))
		return false
	}

	compileStart := time.Now()
	result, err := w.sandbox.Compile(ctx, buildCompileSpec(job.ID, image, src, job.ResourceLimits))
	elapsed := time.Since(compileStart)
	metrics.CompileDuration.WithLabelValues(string(src.BuildTarget)).Observe(elapsed.Seconds())

	if err != nil {
		detail := err.Error()
		if result != nil && len(result.StderrTail) > 0 {
			detail = string(result.StderrTail)
		}
		w.completeCompileFailure(ctx, job, "build_error", detail)
		return false
	}

	if err := w.coord.WasmUpload(ctx, checksum, src.Repo, src.Commit, result.WasmBytes); err != nil {
		w.completeCompileFailure(ctx, job, "upload_error", fmt.Sprintf("upload: %v", err))
		return false
	}

	return w.completeCompileSuccess(ctx, job, checksum, elapsed.Milliseconds())
}

func buildCompileSpec(jobID, image string, src *types.GitHubSource, limits types.ResourceLimits) runtime.CompileSpec {
	timeout := time.Duration(limits.MaxExecutionSeconds) * time.Second
	if timeout <= 0 {
		timeout = compileWaitTimeout
	}
	return runtime.CompileSpec{
		JobID:        jobID,
		BuilderImage: image,
		Repo:         src.Repo,
		Commit:       src.Commit,
		BuildTarget:  src.BuildTarget,
		CPUCores:     1.0,
		MemoryMB:     limits.MaxMemoryMB,
		Timeout:      timeout,
	}
}

// waitForPeerCompile polls the artifact cache until the checksum this
// worker lost the lock race for appears or compileWaitTimeout elapses.
// A peer compile that fails is not detected; that case also ends at the
// timeout, reported as done=false.
func (w *Worker) waitForPeerCompile(ctx context.Context, job *types.Job, checksum string) (ok bool, done bool) {
	deadline := time.Now().Add(compileWaitTimeout)
	ticker := time.NewTicker(compileWaitPoll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, true
		case <-ticker.C:
		}
		if exists, _, _, err := w.coord.WasmExists(ctx, checksum); err == nil && exists {
			return w.completeCompileSuccess(ctx, job, checksum, 0), true
		}
	}
	return false, false
}

func (w *Worker) completeCompileSuccess(ctx context.Context, job *types.Job, checksum string, compileMS int64) bool {
	err := w.coord.Complete(ctx, client.CompleteRequest{
		JobID:        job.ID,
		Status:       types.JobStatusCompleted,
		WasmChecksum: checksum,
		Metrics:      types.Metrics{CompileTimeMS: compileMS},
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report compile success")
		return false
	}
	return true
}

func (w *Worker) completeCompileFailure(ctx context.Context, job *types.Job, reason, detail string) {
	metrics.CompileFailuresTotal.WithLabelValues(reason).Inc()
	job.Error = detail
	err := w.coord.Complete(ctx, client.CompleteRequest{
		JobID:  job.ID,
		Status: types.JobStatusCompilationFailed,
		Error:  detail,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report compile failure")
	}
}
