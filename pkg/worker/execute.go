package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/cuemby/outlayer/pkg/artifactstore"
	"github.com/cuemby/outlayer/pkg/attestation"
	"github.com/cuemby/outlayer/pkg/client"
	"github.com/cuemby/outlayer/pkg/engine"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/cuemby/outlayer/pkg/wasihost"
)

// Result sinks bound how much stdout they accept: the blockchain resolve
// call takes at most ~900 bytes, the HTTPS response bus is generous.
const (
	outputLimitNEAR  = 900
	outputLimitHTTPS = 1 << 20
)

// truncationMarker is the deterministic suffix appended when stdout is cut
// to the sink's limit, so consumers can tell a truncated output from a
// short one.
var truncationMarker = []byte("...<truncated>")

func sinkOutputLimit(t types.ExecutionType) int {
	if t == types.ExecutionTypeHTTPS {
		return outputLimitHTTPS
	}
	return outputLimitNEAR
}

// truncateOutput returns out unchanged when it fits in limit, otherwise
// the longest prefix that leaves room for the truncation marker.
func truncateOutput(out []byte, limit int) []byte {
	if len(out) <= limit {
		return out
	}
	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	truncated := make([]byte, 0, cut+len(truncationMarker))
	truncated = append(truncated, out[:cut]...)
	return append(truncated, truncationMarker...)
}

// runExecute resolves job's WASM bytes, decrypts any referenced secrets
// under a fresh attestation quote, instantiates and runs the module under
// its resource limits, and reports the terminal outcome with a signed
// attestation binding input/wasm/output hashes to the job's identity.
func (w *Worker) runExecute(ctx context.Context, job *types.Job) {
	wasmBytes, wasmHash, err := w.resolveWasm(ctx, job)
	if err != nil {
		w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, err.Error())
		return
	}

	inputHash := sha256Hex([]byte(job.InputData))

	secrets, accessDenied, err := w.resolveSecrets(ctx, job, wasmHash)
	if err != nil {
		if accessDenied {
			w.completeExecuteFailure(ctx, job, types.JobStatusAccessDenied, err.Error())
		} else {
			w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, err.Error())
		}
		return
	}

	env := wasihost.BuildEnv(job.ResourceLimits, envContextFromJob(job), secrets)

	storageHost := &coordinatorStorageHost{coord: w.coord, projectID: job.ProjectID, userID: job.Context.UserAccountID}
	httpHost := &passthroughHTTPHost{}

	opts := engine.Options{
		Limits: engine.ResourceLimits{
			MaxInstructions:     job.ResourceLimits.MaxInstructions,
			MaxMemoryMB:         job.ResourceLimits.MaxMemoryMB,
			MaxExecutionSeconds: job.ResourceLimits.MaxExecutionSeconds,
		},
		Env:     env,
		Stdin:   []byte(job.InputData),
		Storage: storageHost,
		HTTP:    httpHost,
	}
	if job.Seed != nil {
		opts.Deterministic = true
		opts.Random = rand.New(rand.NewSource(*job.Seed)).Read
	}

	start := time.Now()
	mod, err := w.eng.Instantiate(ctx, wasmBytes, opts)
	if err != nil {
		metrics.ExecuteFailuresTotal.WithLabelValues("instantiate_error").Inc()
		w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, err.Error())
		return
	}
	defer mod.Close(ctx)

	result, err := mod.Run(ctx)
	elapsed := time.Since(start)
	buildTarget := ""
	if job.CodeSource.GitHub != nil {
		buildTarget = string(job.CodeSource.GitHub.BuildTarget)
	}
	metrics.ExecuteDuration.WithLabelValues(buildTarget).Observe(elapsed.Seconds())
	metrics.InstructionsUsedTotal.WithLabelValues(string(job.JobType)).Add(float64(result.InstructionsUsed))

	if err != nil {
		metrics.ExecuteFailuresTotal.WithLabelValues("run_error").Inc()
		w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, err.Error())
		return
	}
	if result.TimedOut {
		metrics.ExecuteFailuresTotal.WithLabelValues("timeout").Inc()
		w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, "execution exceeded max_execution_seconds")
		return
	}
	if result.Trapped {
		metrics.ExecuteFailuresTotal.WithLabelValues("trap").Inc()
		w.completeExecuteFailure(ctx, job, types.JobStatusExecutionFailed, result.Error)
		return
	}

	// Hash the full stdout before truncating to the sink's limit, so the
	// attestation binds what the module actually produced.
	outputHash := sha256Hex(result.Stdout)
	output := truncateOutput(result.Stdout, sinkOutputLimit(job.Context.ExecutionType))

	quote, err := w.executionQuote(job, inputHash, wasmHash, outputHash)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to sign attestation quote")
	}

	err = w.coord.Complete(ctx, client.CompleteRequest{
		JobID:  job.ID,
		Status: types.JobStatusCompleted,
		Output: output,
		Metrics: types.Metrics{
			TimeMS:           elapsed.Milliseconds(),
			InstructionsUsed: result.InstructionsUsed,
		},
		Attestation: &client.AttestationSubmission{
			Quote:             quote,
			WorkerMeasurement: w.cfg.Measurement,
			InputHash:         inputHash,
			WasmHash:          wasmHash,
			OutputHash:        outputHash,
		},
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report execute success")
		return
	}
	if err := w.coord.SubmitResult(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to forward result to sink")
	}
}

// executionQuote signs a quote whose report data commits to the full hash
// tuple of this execution: input, wasm, and output hashes plus the code
// identity and calling context.
func (w *Worker) executionQuote(job *types.Job, inputHash, wasmHash, outputHash string) ([]byte, error) {
	tuple := attestation.HashTuple{
		InputHash:  inputHash,
		WasmHash:   wasmHash,
		OutputHash: outputHash,

		RequestID:   job.RequestID,
		Caller:      job.Context.SenderID,
		TxHash:      job.Context.TransactionHash,
		BlockHeight: job.Context.BlockHeight,
		CallID:      job.Context.CallID,

		ProjectID:   job.ProjectID,
		AttachedUSD: job.Payment.AttachedUSD,

		CreatedAt: job.CreatedAt,
	}
	if job.CodeSource.GitHub != nil {
		tuple.Repo = job.CodeSource.GitHub.Repo
		tuple.Commit = job.CodeSource.GitHub.Commit
		tuple.BuildTarget = string(job.CodeSource.GitHub.BuildTarget)
	}
	if job.SecretsRef != nil {
		tuple.SecretsRef = job.SecretsRef.Profile
	}
	preimage := attestation.BuildPreimage(tuple, w.cfg.AttestationV1Since)
	return attestation.SignReport(w.cfg.Measurement, preimage, w.cfg.QuoteTTL, w.quotePublic, w.quoteSigner)
}

// resolveWasm fetches the job's WASM bytes from the coordinator's cache
// (GitHub source, compiled by a prior or sibling job) or by direct URL
// fetch with content-hash verification (WasmUrl source).
func (w *Worker) resolveWasm(ctx context.Context, job *types.Job) (wasmBytes []byte, wasmHash string, err error) {
	switch {
	case job.CodeSource.GitHub != nil:
		src := job.CodeSource.GitHub
		checksum := artifactstore.Checksum(src.Repo, src.Commit, string(src.BuildTarget))
		data, err := w.coord.WasmDownload(ctx, checksum)
		if err != nil {
			return nil, "", fmt.Errorf("download cached wasm: %w", err)
		}
		return data, artifactstore.ContentHash(data), nil

	case job.CodeSource.WasmURL != nil:
		src := job.CodeSource.WasmURL
		data, err := fetchURL(ctx, src.URL)
		if err != nil {
			return nil, "", fmt.Errorf("fetch wasm url: %w", err)
		}
		hash := artifactstore.ContentHash(data)
		if hash != src.ContentHash {
			if w.cfg.WasmURLMismatchPolicy == WasmURLMismatchFallbackCompile {
				w.logger.Warn().Str("job_id", job.ID).Msg("wasm_url content hash mismatch: no buildable fallback for a pure WasmUrl source, rejecting")
			}
			return nil, "", fmt.Errorf("wasm_url content hash mismatch: expected %s got %s", src.ContentHash, hash)
		}
		return data, hash, nil

	default:
		return nil, "", fmt.Errorf("execute job has no code source")
	}
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wasm url fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveSecrets looks up and decrypts the job's referenced secret
// bundle, if any, presenting a fresh attestation quote so the keystore
// can verify this worker's measurement before releasing plaintext.
func (w *Worker) resolveSecrets(ctx context.Context, job *types.Job, wasmHash string) (secrets map[string]string, accessDenied bool, err error) {
	if job.SecretsRef == nil {
		return nil, false, nil
	}

	bundle, err := w.coord.SecretBundleLookup(ctx, job.SecretsRef.Profile, job.SecretsRef.AccountID)
	if err != nil {
		return nil, false, fmt.Errorf("secret bundle lookup: %w", err)
	}

	quote, err := w.freshQuote()
	if err != nil {
		return nil, false, fmt.Errorf("sign attestation quote: %w", err)
	}

	var repo, branch string
	if job.CodeSource.GitHub != nil {
		repo = job.CodeSource.GitHub.Repo
	}

	secrets, err = w.keystore.Decrypt(ctx, client.DecryptRequest{
		Ciphertext:     bundle.Ciphertext,
		Accessor:       bundle.Accessor,
		Policy:         bundle.Policy,
		Quote:          quote,
		SignerAccount:  job.Context.SenderID,
		CallerRepo:     repo,
		CallerBranch:   branch,
		CallerWasmHash: wasmHash,
	})
	if err != nil {
		if _, ok := err.(*client.RefusalError); ok {
			return nil, true, err
		}
		return nil, false, err
	}
	return secrets, false, nil
}

func (w *Worker) completeExecuteFailure(ctx context.Context, job *types.Job, status types.JobStatus, reason string) {
	err := w.coord.Complete(ctx, client.CompleteRequest{
		JobID:          job.ID,
		Status:         status,
		Error:          reason,
		SettlementHint: string(w.cfg.RefundPolicy),
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to report execute failure")
		return
	}
	// Failures are delivered to the sink too, so it can apply the refund policy.
	if err := w.coord.SubmitResult(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to forward failure to sink")
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func envContextFromJob(job *types.Job) wasihost.EnvContext {
	c := job.Context
	ec := wasihost.EnvContext{
		ExecutionType: c.ExecutionType,
		NetworkID:     c.NetworkID,
		SenderID:      c.SenderID,
		UserAccountID: c.UserAccountID,

		ContractID:      c.ContractID,
		BlockHeight:     c.BlockHeight,
		BlockTimestamp:  c.BlockTimestamp,
		TransactionHash: c.TransactionHash,
		RequestID:       job.RequestID,
		PaymentYocto:    job.Payment.AttachedYocto,
		AttachedUSD:     job.Payment.AttachedUSD,

		CallID:     c.CallID,
		USDPayment: job.Payment.AttachedUSD,
	}
	if job.ProjectID != "" {
		ec.Project = &types.Project{ID: job.ProjectID}
	}
	return ec
}

// coordinatorStorageHost adapts the Coordinator's remote per-project
// storage endpoints to engine.StorageHost, so guest code sees the same
// Get/Set/SetIfEquals surface regardless of whether storage lives
// locally (the Coordinator, testing) or over HTTP (a real Worker).
type coordinatorStorageHost struct {
	coord     *client.Coordinator
	projectID string
	userID    string
}

func (h *coordinatorStorageHost) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return h.coord.StorageGet(ctx, h.projectID, h.userID, key, false)
}

func (h *coordinatorStorageHost) Set(ctx context.Context, key string, value []byte) error {
	return h.coord.StorageSet(ctx, h.projectID, h.userID, key, false, value)
}

func (h *coordinatorStorageHost) SetIfEquals(ctx context.Context, key string, expected, value []byte) (bool, error) {
	return h.coord.StorageCAS(ctx, h.projectID, h.userID, key, false, expected, value)
}

// passthroughHTTPHost is the sandboxed outbound-HTTP capability offered
// to WASI preview-2 guests: a bounded-timeout HTTP client with no
// additional allowlisting beyond what the Worker's own egress policy permits.
type passthroughHTTPHost struct{}

func (h *passthroughHTTPHost) Do(ctx context.Context, method, url string, body []byte, timeoutSeconds int) (int, []byte, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
