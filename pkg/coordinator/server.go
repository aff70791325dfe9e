package coordinator

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/artifactstore"
	"github.com/cuemby/outlayer/pkg/jobstore"
	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/projectstorage"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResultSink is where a completed execute job's output ultimately goes —
// the on-chain resolve call or the HTTPS response bus. Both are external
// collaborators this spec only describes the interface of; the default
// sink just logs.
type ResultSink interface {
	Submit(job *types.Job) error
}

// LoggingResultSink is the default ResultSink, used until an operator
// wires in a real on-chain or HTTPS bus adapter.
type LoggingResultSink struct{}

// Submit logs the result and returns nil.
func (LoggingResultSink) Submit(job *types.Job) error {
	logger := log.WithComponent("result-sink")
	logger.Info().
		Str("request_id", job.RequestID).
		Str("status", string(job.Status)).
		Msg("result ready for sink")
	return nil
}

// Server is the Coordinator's HTTP surface: bearer-token authenticated
// endpoints for workers, a separate shared secret for privileged
// ingress/admin calls, and unauthenticated public read endpoints for
// dashboards.
type Server struct {
	cluster *Cluster
	store   storage.Store

	jobs      *jobstore.Store
	artifacts *artifactstore.Store
	projects  *projectstorage.Manager
	tokens    *TokenManager
	sink      ResultSink

	adminTokenHash string

	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer wires a Server over cluster's replicated store. artifactRoot is
// the local filesystem root for WASM bytes (not replicated — every node
// must share a common volume or accept cold cache misses after failover).
func NewServer(cluster *Cluster, artifactRoot, masterSecret, adminToken string) (*Server, error) {
	s, err := newServer(cluster.Store, artifactRoot, masterSecret, adminToken)
	if err != nil {
		return nil, err
	}
	s.cluster = cluster
	return s, nil
}

// newServer wires a Server over any storage.Store; NewServer layers the
// Raft cluster on top.
func newServer(store storage.Store, artifactRoot, masterSecret, adminToken string) (*Server, error) {
	jobs, err := jobstore.NewStore(store)
	if err != nil {
		return nil, fmt.Errorf("coordinator: init job store: %w", err)
	}
	artifacts, err := artifactstore.NewStore(artifactRoot, store)
	if err != nil {
		return nil, fmt.Errorf("coordinator: init artifact store: %w", err)
	}

	s := &Server{
		store:          store,
		jobs:           jobs,
		artifacts:      artifacts,
		projects:       projectstorage.New(store, masterSecret),
		tokens:         NewTokenManager(store),
		sink:           LoggingResultSink{},
		adminTokenHash: hashToken(adminToken),
		logger:         log.WithComponent("coordinator-server"),
	}
	s.routes()
	return s, nil
}

// SetResultSink overrides the default logging sink.
func (s *Server) SetResultSink(sink ResultSink) { s.sink = sink }

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /executions/create", s.withAdmin(s.handleCreateJob))
	mux.HandleFunc("POST /submit_result", s.withWorkerAuth(s.handleSubmitResult))

	mux.HandleFunc("POST /executions/claim", s.withWorkerAuth(s.handleClaim))
	mux.HandleFunc("GET /executions/poll", s.withWorkerAuth(s.handlePoll))
	mux.HandleFunc("POST /executions/complete", s.withWorkerAuth(s.handleComplete))

	mux.HandleFunc("POST /wasm/upload", s.withWorkerAuth(s.handleWasmUpload))
	mux.HandleFunc("GET /wasm/exists/{checksum}", s.withWorkerAuth(s.handleWasmExists))
	mux.HandleFunc("GET /wasm/{checksum}", s.withWorkerAuth(s.handleWasmDownload))

	mux.HandleFunc("POST /locks/acquire", s.withWorkerAuth(s.handleLockAcquire))
	mux.HandleFunc("DELETE /locks/release/{lock_key}", s.withWorkerAuth(s.handleLockRelease))

	mux.HandleFunc("POST /heartbeat", s.withWorkerAuth(s.handleHeartbeat))
	mux.HandleFunc("POST /workers/register", s.withAdmin(s.handleRegisterWorker))

	mux.HandleFunc("GET /storage/{project_id}/{key}", s.withWorkerAuth(s.handleStorageGet))
	mux.HandleFunc("PUT /storage/{project_id}/{key}", s.withWorkerAuth(s.handleStorageSet))
	mux.HandleFunc("POST /storage/{project_id}/{key}/cas", s.withWorkerAuth(s.handleStorageCAS))

	mux.HandleFunc("GET /secrets/lookup", s.withWorkerAuth(s.handleSecretBundleLookup))
	mux.HandleFunc("POST /secrets/bundles", s.withAdmin(s.handleCreateSecretBundle))

	mux.HandleFunc("GET /public/jobs", s.handleListJobsPublic)
	mux.HandleFunc("GET /public/workers", s.handleListWorkersPublic)
	mux.HandleFunc("GET /public/earnings", s.handleEarningsPublic)

	mux.Handle("/metrics", metrics.Handler())

	s.mux = mux
}

// --- auth middleware ---

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

// withWorkerAuth requires a valid per-worker bearer token, identified by an
// explicit X-Worker-ID header (the token alone, being an opaque random
// value, cannot name its own owner).
func (s *Server) withWorkerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID := r.Header.Get("X-Worker-ID")
		token, ok := bearerToken(r)
		if !ok || workerID == "" {
			writeError(w, http.StatusUnauthorized, apierr.ErrUnauthorized)
			return
		}
		if err := s.tokens.Validate(workerID, token); err != nil {
			writeError(w, http.StatusUnauthorized, apierr.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// withAdmin requires the coordinator operator's shared admin/ingress
// secret, used by the on-chain event monitor, the HTTPS ingress, and
// cluster-bootstrap tooling.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, apierr.ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(s.adminTokenHash)) != 1 {
			writeError(w, http.StatusUnauthorized, apierr.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return jsonDecode(r.Body, v)
}

// --- executions ---

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var desc JobDescriptor
	if err := decodeJSON(r, &desc); err != nil {
		writeError(w, http.StatusBadRequest, apierr.ErrMalformedDescriptor)
		return
	}

	jobs, err := s.buildJobs(desc)
	if err != nil {
		status := http.StatusBadRequest
		if err == apierr.ErrLimitExceeded || err == apierr.ErrInsufficientPayment || err == apierr.ErrMalformedDescriptor {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	inserted, err := s.jobs.InsertJobs(jobs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ids := make([]string, 0, len(inserted))
	for _, j := range inserted {
		ids = append(ids, j.ID)
	}
	writeJSON(w, http.StatusCreated, createJobResponse{JobIDs: ids})
}

// buildJobs validates desc against the hard caps and turns it into 1-2
// types.Job rows: a paired compile+execute job for a GitHub source not
// already cached, a lone execute job otherwise.
func (s *Server) buildJobs(desc JobDescriptor) ([]*types.Job, error) {
	if desc.CodeSource.GitHub == nil && desc.CodeSource.WasmURL == nil {
		return nil, apierr.ErrMalformedDescriptor
	}
	if desc.CodeSource.GitHub != nil && desc.CodeSource.WasmURL != nil {
		return nil, apierr.ErrMalformedDescriptor
	}
	limits := desc.ResourceLimits
	if limits.MaxInstructions == 0 || limits.MaxInstructions > types.HardCapMaxInstructions {
		return nil, apierr.ErrLimitExceeded
	}
	if limits.MaxMemoryMB <= 0 || limits.MaxMemoryMB > types.HardCapMaxMemoryMB {
		return nil, apierr.ErrLimitExceeded
	}
	if limits.MaxExecutionSeconds <= 0 || limits.MaxExecutionSeconds > types.HardCapMaxExecutionSeconds {
		return nil, apierr.ErrLimitExceeded
	}
	if desc.Context.ExecutionType == types.ExecutionTypeHTTPS {
		if desc.AttachedUSD == "" {
			return nil, apierr.ErrInsufficientPayment
		}
	}

	base := types.Job{
		RequestID:      desc.RequestID,
		DataID:         desc.DataID,
		CodeSource:     desc.CodeSource,
		ResourceLimits: limits,
		InputData:      desc.InputData,
		Seed:           desc.Seed,
		SecretsRef:     desc.SecretsRef,
		ProjectID:      desc.ProjectID,
		ResponseFormat: desc.ResponseFormat,
		Payment:        types.PaymentEnvelope{AttachedUSD: desc.AttachedUSD, AttachedYocto: desc.AttachedYocto},
		Context:        desc.Context,
	}

	if desc.CodeSource.WasmURL != nil {
		execJob := base
		execJob.JobType = types.JobTypeExecute
		return []*types.Job{&execJob}, nil
	}

	gh := desc.CodeSource.GitHub
	checksum := artifactstore.Checksum(gh.Repo, gh.Commit, string(gh.BuildTarget))
	present, _, _, err := s.artifacts.Exists(checksum)
	if err != nil {
		return nil, fmt.Errorf("coordinator: check artifact cache: %w", err)
	}

	execJob := base
	execJob.JobType = types.JobTypeExecute
	execJob.WasmChecksum = checksum
	if present {
		return []*types.Job{&execJob}, nil
	}

	compileJob := base
	compileJob.JobType = types.JobTypeCompile
	compileJob.WasmChecksum = checksum
	return []*types.Job{&compileJob, &execJob}, nil
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.jobs.Get(req.JobID)
	if err != nil {
		writeError(w, http.StatusNotFound, apierr.ErrNotFound)
		return
	}
	if err := s.sink.Submit(job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claimed, err := s.jobs.Claim(req.WorkerID, req.RequestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(claimed) == 0 {
		// An unknown request_id is not a claim conflict; give the worker a
		// distinguishable answer for each.
		if !s.jobs.HasRequest(req.RequestID) {
			writeError(w, http.StatusNotFound, apierr.ErrNotFound)
			return
		}
		writeError(w, http.StatusConflict, apierr.ErrAlreadyClaimed)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Jobs: claimed})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	timeoutSecs, _ := strconv.Atoi(r.URL.Query().Get("timeout"))
	if timeoutSecs <= 0 {
		timeoutSecs = 20
	}
	deadline := time.Now().Add(time.Duration(timeoutSecs) * time.Second)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending, err := s.jobs.ListPending(1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(pending) > 0 {
			writeJSON(w, http.StatusOK, pollResponse{Job: pending[0]})
			return
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case <-s.jobs.Wake():
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	workerID := r.Header.Get("X-Worker-ID")

	outcome := jobstore.Outcome{
		Status:         req.Status,
		WasmChecksum:   req.WasmChecksum,
		Output:         req.Output,
		Error:          req.Error,
		SettlementHint: req.SettlementHint,
		Metrics:        req.Metrics,
	}
	if req.Attestation != nil {
		outcome.OutputHash = req.Attestation.OutputHash
	}

	// Two-stage pricing: an execute job's terminal metrics carry the paired
	// compile job's cost and duration next to the execute metrics. No summed
	// cost figure is computed here, and the execute side carries no cost
	// field of its own.
	if job, err := s.jobs.Get(req.JobID); err == nil && job.JobType == types.JobTypeExecute {
		if dep, err := s.jobs.DependencyPeek(job.RequestID); err == nil && dep.Status == types.JobStatusCompleted {
			if outcome.Metrics.CompileTimeMS == 0 {
				outcome.Metrics.CompileTimeMS = dep.Metrics.CompileTimeMS
			}
			if outcome.Metrics.CompileCostYocto == "" {
				outcome.Metrics.CompileCostYocto = dep.Metrics.CompileCostYocto
			}
		}
	}

	if err := s.jobs.Complete(req.JobID, workerID, outcome); err != nil {
		status := http.StatusInternalServerError
		if err == apierr.ErrNotHolder || err == apierr.ErrNotInProgress {
			status = http.StatusConflict
		} else if errors.Is(err, apierr.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	if req.Attestation != nil {
		job, err := s.jobs.Get(req.JobID)
		if err == nil {
			rec := &types.AttestationRecord{
				TaskID:            req.JobID,
				TaskType:          job.JobType,
				Quote:             req.Attestation.Quote,
				WorkerMeasurement: req.Attestation.WorkerMeasurement,
				RequestID:         job.RequestID,
				InputHash:         req.Attestation.InputHash,
				WasmHash:          req.Attestation.WasmHash,
				OutputHash:        req.Attestation.OutputHash,
				ProjectID:         job.ProjectID,
				CreatedAt:         time.Now().UTC(),
			}
			if err := s.store.CreateAttestation(rec); err != nil {
				s.logger.Error().Err(err).Str("job_id", req.JobID).Msg("failed to persist attestation")
			}
		}
	}

	writeJSON(w, http.StatusOK, nil)
}

// --- wasm artifacts ---

func (s *Server) handleWasmUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	checksum := r.FormValue("checksum")
	repo := r.FormValue("repo_url")
	commit := r.FormValue("commit_hash")

	file, _, err := r.FormFile("wasm_file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.artifacts.Upload(checksum, data, artifactstore.Provenance{Repo: repo, Commit: commit}); err != nil {
		status := http.StatusBadRequest
		if err == apierr.ErrConflictingUpload {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleWasmExists(w http.ResponseWriter, r *http.Request) {
	checksum := r.PathValue("checksum")
	present, size, contentHash, err := s.artifacts.Exists(checksum)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wasmExistsResponse{Exists: present, ContentHash: contentHash, Size: size})
}

func (s *Server) handleWasmDownload(w http.ResponseWriter, r *http.Request) {
	checksum := r.PathValue("checksum")
	data, err := s.artifacts.Download(checksum)
	if err != nil {
		status := http.StatusInternalServerError
		if err == apierr.ErrChecksumMismatch {
			status = http.StatusConflict
		} else {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/wasm")
	_, _ = w.Write(data)
}

// --- locks ---

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockAcquireRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acquired, err := s.artifacts.AcquireLock(req.LockKey, req.WorkerID, time.Duration(req.TTLSecs)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, lockAcquireResponse{Acquired: acquired})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("lock_key")
	workerID := r.Header.Get("X-Worker-ID")
	if err := s.artifacts.ReleaseLock(key, workerID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- workers ---

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	worker, err := s.store.GetWorker(req.WorkerID)
	if err != nil {
		writeError(w, http.StatusNotFound, apierr.ErrNotFound)
		return
	}
	worker.LastHeartbeat = time.Now().UTC()
	worker.Measurement = req.Measurement
	worker.QueueDepthSeen = req.QueueDepthObserved
	if err := s.store.UpdateWorker(worker); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.WorkerHeartbeatAge.WithLabelValues(req.WorkerID).Set(0)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = uuid.NewString()
	}
	token, err := s.tokens.Issue(req.WorkerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.WorkersRegisteredTotal.Inc()
	writeJSON(w, http.StatusCreated, registerWorkerResponse{Token: token})
}

// --- per-project storage ---

func (s *Server) handleStorageGet(w http.ResponseWriter, r *http.Request) {
	projectID, key := r.PathValue("project_id"), r.PathValue("key")
	userID := r.URL.Query().Get("user_id")
	public := r.URL.Query().Get("public") == "true"

	value, found, err := s.projects.Get(projectID, userID, key, public)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, storageGetResponse{Value: value, Found: found})
}

func (s *Server) handleStorageSet(w http.ResponseWriter, r *http.Request) {
	projectID, key := r.PathValue("project_id"), r.PathValue("key")
	var req storageSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.projects.Set(projectID, req.UserID, key, req.Public, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStorageCAS(w http.ResponseWriter, r *http.Request) {
	projectID, key := r.PathValue("project_id"), r.PathValue("key")
	var req storageCASRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.projects.SetIfEquals(projectID, req.UserID, key, req.Public, req.Expected, req.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, storageCASResponse{Succeeded: ok})
}

// --- secret bundles ---

func (s *Server) handleSecretBundleLookup(w http.ResponseWriter, r *http.Request) {
	profile := r.URL.Query().Get("profile")
	accountID := r.URL.Query().Get("account_id")

	bundles, err := s.store.ListSecretBundles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, b := range bundles {
		if b.Profile == profile && b.Owner == accountID {
			writeJSON(w, http.StatusOK, secretBundleLookupResponse{Bundle: b})
			return
		}
	}
	writeError(w, http.StatusNotFound, apierr.ErrNotFound)
}

func (s *Server) handleCreateSecretBundle(w http.ResponseWriter, r *http.Request) {
	var b types.SecretBundle
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.CreatedAt = time.Now().UTC()
	if err := s.store.CreateSecretBundle(&b); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// --- public dashboards (no auth) ---

func (s *Server) handleListJobsPublic(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleListWorkersPublic(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

type earningsEntry struct {
	WorkerID      string `json:"worker_id"`
	JobsCompleted int    `json:"jobs_completed"`
}

func (s *Server) handleEarningsPublic(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	byWorker := make(map[string]int)
	for _, j := range jobs {
		if j.Status == types.JobStatusCompleted && j.WorkerID != "" {
			byWorker[j.WorkerID]++
		}
	}
	entries := make([]earningsEntry, 0, len(byWorker))
	for id, count := range byWorker {
		entries = append(entries, earningsEntry{WorkerID: id, JobsCompleted: count})
	}
	writeJSON(w, http.StatusOK, entries)
}

