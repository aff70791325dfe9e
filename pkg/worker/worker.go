// Package worker implements the Worker: the discover/dispatch/execute/report
// loop that polls the Coordinator for pending jobs, compiles GitHub sources
// into cached WASM artifacts, executes WASM under fuel/memory/time metering
// with the WASI host bindings, and reports signed attestations back.
package worker

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/cuemby/outlayer/pkg/attestation"
	"github.com/cuemby/outlayer/pkg/client"
	"github.com/cuemby/outlayer/pkg/engine"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/runtime"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/rs/zerolog"
)

// RefundPolicy governs what the worker reports for a job's payment
// settlement when execution fails after compute was already spent.
type RefundPolicy string

const (
	// RefundPolicyChargeComputeRefundDeposit charges for metered
	// instructions actually consumed and refunds the remaining deposit.
	RefundPolicyChargeComputeRefundDeposit RefundPolicy = "charge_compute_refund_deposit"
	// RefundPolicyChargeNothing refunds the full deposit regardless of
	// instructions consumed before failure.
	RefundPolicyChargeNothing RefundPolicy = "charge_nothing"
	// RefundPolicyChargeFull charges the full attached deposit regardless
	// of how much compute was actually used.
	RefundPolicyChargeFull RefundPolicy = "charge_full"
)

// WasmURLMismatchPolicy governs how a WasmUrl source whose fetched bytes
// don't match the declared content_hash is handled. FallbackToCompile has
// no GitHub source to fall back to for a pure WasmUrl job, so it degrades
// to Reject; the distinction only matters for future code sources that
// carry both a URL and a buildable fallback.
type WasmURLMismatchPolicy string

const (
	WasmURLMismatchReject          WasmURLMismatchPolicy = "reject"
	WasmURLMismatchFallbackCompile WasmURLMismatchPolicy = "fallback_to_compile"
)

// Config bootstraps a Worker.
type Config struct {
	WorkerID       string
	CoordinatorURL string
	KeystoreURL    string
	Token          string

	ContainerdSocket string
	BuilderImages    map[types.BuildTarget]string

	Concurrency int

	RefundPolicy          RefundPolicy
	WasmURLMismatchPolicy WasmURLMismatchPolicy

	// Measurement is this worker's software identity, asserted in every
	// attestation quote it signs.
	Measurement string
	QuoteTTL    time.Duration

	// AttestationV1Since gates the extended attestation preimage fields
	// (project id, secrets ref, attached USD) on job creation time. The
	// zero value includes them for every job.
	AttestationV1Since time.Time

	PollTimeout time.Duration
}

// Worker polls the Coordinator, compiles and executes jobs, and reports outcomes.
type Worker struct {
	cfg Config

	coord    *client.Coordinator
	keystore *client.Keystore
	sandbox  *runtime.Sandbox
	eng      engine.Engine

	quoteSigner ed25519.PrivateKey
	quotePublic ed25519.PublicKey

	sem chan struct{}

	logger zerolog.Logger

	mu       sync.Mutex
	inflight int
}

// New constructs a Worker. eng is the WASM execution engine (a
// *wazero.Engine in production); sandbox may be nil if this worker never
// claims compile jobs.
func New(cfg Config, eng engine.Engine, sandbox *runtime.Sandbox) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 5 * time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Second
	}

	pub, priv, err := attestation.GenerateSigningKey()
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:         cfg,
		coord:       client.NewCoordinator(cfg.CoordinatorURL, cfg.WorkerID, cfg.Token),
		keystore:    client.NewKeystore(cfg.KeystoreURL),
		sandbox:     sandbox,
		eng:         eng,
		quoteSigner: priv,
		quotePublic: pub,
		sem:         make(chan struct{}, cfg.Concurrency),
		logger:      log.WithWorkerID(cfg.WorkerID),
	}, nil
}

// Register obtains a bearer token from the Coordinator and rebinds the
// Coordinator client to use it.
func (w *Worker) Register(ctx context.Context) error {
	token, err := w.coord.Register(ctx)
	if err != nil {
		return err
	}
	w.coord = w.coord.WithToken(token)
	return nil
}

// freshQuote signs a new attestation quote asserting this worker's measurement.
func (w *Worker) freshQuote() ([]byte, error) {
	return attestation.Sign(w.cfg.Measurement, w.cfg.QuoteTTL, w.quotePublic, w.quoteSigner)
}

// Run is the discover/dispatch/execute/report loop: it long-polls for one
// pending job at a time, claims the full dependency set behind that job's
// request_id, and dispatches each claimed job to a bounded worker pool.
// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Heartbeats run on their own ticker goroutine so a long poll or a
	// slow job never starves liveness reporting.
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if err := w.coord.Heartbeat(ctx, w.cfg.Measurement, w.queueDepth()); err != nil {
					w.logger.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.coord.Poll(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("poll failed, backing off")
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			continue
		}

		claimed, err := w.coord.Claim(ctx, job.RequestID)
		if err != nil {
			w.logger.Warn().Err(err).Str("request_id", job.RequestID).Msg("claim failed")
			continue
		}
		if len(claimed) == 0 {
			continue
		}

		w.sem <- struct{}{}
		wg.Add(1)
		go func(jobs []*types.Job) {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.markInflight(1)
			defer w.markInflight(-1)
			w.dispatch(ctx, jobs)
		}(claimed)
	}
}

func (w *Worker) markInflight(delta int) {
	w.mu.Lock()
	w.inflight += delta
	w.mu.Unlock()
}

func (w *Worker) queueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}

// dispatch runs a request_id's claimed jobs in dependency order: the
// compile job (if any) before the execute job, failing the execute job
// outright without attempting it if the compile job failed.
func (w *Worker) dispatch(ctx context.Context, jobs []*types.Job) {
	var compileJob, executeJob *types.Job
	for _, j := range jobs {
		switch j.JobType {
		case types.JobTypeCompile:
			compileJob = j
		case types.JobTypeExecute:
			executeJob = j
		}
	}

	if compileJob != nil {
		ok := w.runCompile(ctx, compileJob)
		if !ok && executeJob != nil {
			w.failDependent(ctx, executeJob, compileJob.Error)
			executeJob = nil
		}
	}
	if executeJob != nil {
		w.runExecute(ctx, executeJob)
	}
}

// failDependent completes an execute job as compilation_failed without
// ever instantiating the engine, propagating the compile error.
func (w *Worker) failDependent(ctx context.Context, job *types.Job, reason string) {
	err := w.coord.Complete(ctx, client.CompleteRequest{
		JobID:  job.ID,
		Status: types.JobStatusCompilationFailed,
		Error:  "dependency compile failed: " + reason,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report dependent failure")
	}
}
