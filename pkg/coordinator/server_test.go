package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := newServer(store, t.TempDir(), "master-secret", testAdminToken)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, bearer, workerID string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if workerID != "" {
		req.Header.Set("X-Worker-ID", workerID)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func testDescriptor(requestID string) JobDescriptor {
	return JobDescriptor{
		RequestID: requestID,
		DataID:    "data-1",
		CodeSource: types.CodeSource{GitHub: &types.GitHubSource{
			Repo:        "github.com/acme/randgen",
			Commit:      "0123456789abcdef0123456789abcdef01234567",
			BuildTarget: types.BuildTargetWasip1,
		}},
		ResourceLimits: types.ResourceLimits{MaxInstructions: 1_000_000, MaxMemoryMB: 128, MaxExecutionSeconds: 10},
		InputData:      `{"min":1,"max":100}`,
		ResponseFormat: types.ResponseFormatJSON,
		Context:        types.ExecutionContext{ExecutionType: types.ExecutionTypeNEAR, SenderID: "alice.near"},
	}
}

func registerWorker(t *testing.T, srv *Server, workerID string) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	rec := doJSON(t, srv, http.MethodPost, "/workers/register", testAdminToken, "",
		map[string]string{"worker_id": workerID}, &out)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestCreateJobRequiresAdminToken(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/executions/create", "", "", testDescriptor("req-1"), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/executions/create", "wrong-token", "", testDescriptor("req-1"), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateJobInsertsCompileAndExecutePair(t *testing.T) {
	srv := newTestServer(t)

	var out struct {
		JobIDs []string `json:"job_ids"`
	}
	rec := doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), &out)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, out.JobIDs, 2)

	// Idempotent on (request_id, data_id, job_type): re-submitting creates nothing.
	var again struct {
		JobIDs []string `json:"job_ids"`
	}
	rec = doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), &again)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, again.JobIDs)
}

func TestCreateJobRejectsOverCapLimits(t *testing.T) {
	srv := newTestServer(t)

	desc := testDescriptor("req-1")
	desc.ResourceLimits.MaxInstructions = types.HardCapMaxInstructions + 1
	rec := doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", desc, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Exactly the cap is accepted.
	desc = testDescriptor("req-2")
	desc.ResourceLimits.MaxInstructions = types.HardCapMaxInstructions
	rec = doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", desc, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestClaimIsExclusive(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), nil)

	token1 := registerWorker(t, srv, "w1")
	token2 := registerWorker(t, srv, "w2")

	var claimed struct {
		Jobs []*types.Job `json:"jobs"`
	}
	rec := doJSON(t, srv, http.MethodPost, "/executions/claim", token1, "w1",
		map[string]string{"worker_id": "w1", "request_id": "req-1"}, &claimed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, claimed.Jobs, 2)
	for _, j := range claimed.Jobs {
		require.Equal(t, types.JobStatusInProgress, j.Status)
		require.Equal(t, "w1", j.WorkerID)
	}

	// The losing worker gets a conflict, not a partial claim.
	rec = doJSON(t, srv, http.MethodPost, "/executions/claim", token2, "w2",
		map[string]string{"worker_id": "w2", "request_id": "req-1"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	// A request_id nothing was ever inserted under is not-found, not a conflict.
	rec = doJSON(t, srv, http.MethodPost, "/executions/claim", token2, "w2",
		map[string]string{"worker_id": "w2", "request_id": "req-unknown"}, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteValidatesHolder(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), nil)

	token1 := registerWorker(t, srv, "w1")
	token2 := registerWorker(t, srv, "w2")

	var claimed struct {
		Jobs []*types.Job `json:"jobs"`
	}
	doJSON(t, srv, http.MethodPost, "/executions/claim", token1, "w1",
		map[string]string{"worker_id": "w1", "request_id": "req-1"}, &claimed)
	require.Len(t, claimed.Jobs, 2)

	var compileJob *types.Job
	for _, j := range claimed.Jobs {
		if j.JobType == types.JobTypeCompile {
			compileJob = j
		}
	}
	require.NotNil(t, compileJob)

	// A non-holder's complete is rejected and mutates nothing.
	rec := doJSON(t, srv, http.MethodPost, "/executions/complete", token2, "w2",
		map[string]interface{}{"job_id": compileJob.ID, "status": types.JobStatusCompleted}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/executions/complete", token1, "w1",
		map[string]interface{}{"job_id": compileJob.ID, "status": types.JobStatusCompleted, "wasm_checksum": "abc"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second complete finds the job no longer in_progress.
	rec = doJSON(t, srv, http.MethodPost, "/executions/complete", token1, "w1",
		map[string]interface{}{"job_id": compileJob.ID, "status": types.JobStatusCompleted}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLockAcquireReleaseCycle(t *testing.T) {
	srv := newTestServer(t)
	token1 := registerWorker(t, srv, "w1")
	token2 := registerWorker(t, srv, "w2")

	var out struct {
		Acquired bool `json:"acquired"`
	}
	rec := doJSON(t, srv, http.MethodPost, "/locks/acquire", token1, "w1",
		map[string]interface{}{"lock_key": "compile:abc", "worker_id": "w1", "ttl_seconds": 60}, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, out.Acquired)

	rec = doJSON(t, srv, http.MethodPost, "/locks/acquire", token2, "w2",
		map[string]interface{}{"lock_key": "compile:abc", "worker_id": "w2", "ttl_seconds": 60}, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, out.Acquired)

	rec = doJSON(t, srv, http.MethodDelete, "/locks/release/compile:abc", token1, "w1", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/locks/acquire", token2, "w2",
		map[string]interface{}{"lock_key": "compile:abc", "worker_id": "w2", "ttl_seconds": 60}, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, out.Acquired)
}

func TestPollReturnsPendingJob(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), nil)
	token := registerWorker(t, srv, "w1")

	var out struct {
		Job *types.Job `json:"job"`
	}
	rec := doJSON(t, srv, http.MethodGet, "/executions/poll?timeout=1", token, "w1", nil, &out)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, out.Job)
	require.Equal(t, "req-1", out.Job.RequestID)
	require.Equal(t, types.JobStatusPending, out.Job.Status)
}

func TestPollTimesOutEmpty(t *testing.T) {
	srv := newTestServer(t)
	token := registerWorker(t, srv, "w1")

	rec := doJSON(t, srv, http.MethodGet, "/executions/poll?timeout=1", token, "w1", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExecuteCompleteMergesCompileMetrics(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/executions/create", testAdminToken, "", testDescriptor("req-1"), nil)
	token := registerWorker(t, srv, "w1")

	var claimed struct {
		Jobs []*types.Job `json:"jobs"`
	}
	doJSON(t, srv, http.MethodPost, "/executions/claim", token, "w1",
		map[string]string{"worker_id": "w1", "request_id": "req-1"}, &claimed)

	var compileJob, execJob *types.Job
	for _, j := range claimed.Jobs {
		switch j.JobType {
		case types.JobTypeCompile:
			compileJob = j
		case types.JobTypeExecute:
			execJob = j
		}
	}
	require.NotNil(t, compileJob)
	require.NotNil(t, execJob)

	rec := doJSON(t, srv, http.MethodPost, "/executions/complete", token, "w1", map[string]interface{}{
		"job_id":        compileJob.ID,
		"status":        types.JobStatusCompleted,
		"wasm_checksum": "abc",
		"metrics":       types.Metrics{CompileTimeMS: 1234, CompileCostYocto: "500"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/executions/complete", token, "w1", map[string]interface{}{
		"job_id":  execJob.ID,
		"status":  types.JobStatusCompleted,
		"metrics": types.Metrics{TimeMS: 42, InstructionsUsed: 1000},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The execute row's terminal metrics fold in the paired compile cost.
	stored, err := srv.jobs.Get(execJob.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1234), stored.Metrics.CompileTimeMS)
	require.Equal(t, "500", stored.Metrics.CompileCostYocto)
	require.Equal(t, int64(42), stored.Metrics.TimeMS)
}
