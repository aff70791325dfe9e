package coordinator

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/outlayer/pkg/types"
)

// JobDescriptor is the wire shape accepted by POST /executions/create:
// the job descriptor schema plus the execution context extension (see
// types.ExecutionContext).
type JobDescriptor struct {
	RequestID      string               `json:"request_id"`
	DataID         string               `json:"data_id"`
	CodeSource     types.CodeSource     `json:"code_source"`
	ResourceLimits types.ResourceLimits `json:"resource_limits"`
	InputData      string               `json:"input_data"`
	Seed           *int64               `json:"seed,omitempty"`
	SecretsRef     *types.SecretsRef    `json:"secrets_ref,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
	ResponseFormat types.ResponseFormat `json:"response_format"`
	AttachedUSD    string               `json:"attached_usd,omitempty"`
	AttachedYocto  string               `json:"attached_yocto,omitempty"`
	Context        types.ExecutionContext `json:"context,omitempty"`
}

type createJobResponse struct {
	JobIDs []string `json:"job_ids"`
}

type claimRequest struct {
	WorkerID  string `json:"worker_id"`
	RequestID string `json:"request_id"`
}

type claimResponse struct {
	Jobs []*types.Job `json:"jobs"`
}

type pollResponse struct {
	Job *types.Job `json:"job,omitempty"`
}

type completeRequest struct {
	JobID          string                 `json:"job_id"`
	Status         types.JobStatus        `json:"status"`
	Output         []byte                 `json:"output,omitempty"`
	WasmChecksum   string                 `json:"wasm_checksum,omitempty"`
	Metrics        types.Metrics          `json:"metrics"`
	Error          string                 `json:"error,omitempty"`
	SettlementHint string                 `json:"settlement_hint,omitempty"`
	Attestation    *attestationSubmission `json:"attestation,omitempty"`
}

type attestationSubmission struct {
	Quote             []byte `json:"quote"`
	WorkerMeasurement string `json:"worker_measurement"`
	InputHash         string `json:"input_hash,omitempty"`
	WasmHash          string `json:"wasm_hash,omitempty"`
	OutputHash        string `json:"output_hash,omitempty"`
}

type wasmExistsResponse struct {
	Exists      bool   `json:"exists"`
	ContentHash string `json:"content_hash,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type lockAcquireRequest struct {
	LockKey  string `json:"lock_key"`
	WorkerID string `json:"worker_id"`
	TTLSecs  int    `json:"ttl_seconds"`
}

type lockAcquireResponse struct {
	Acquired bool `json:"acquired"`
}

type heartbeatRequest struct {
	WorkerID          string `json:"worker_id"`
	Measurement       string `json:"measurement,omitempty"`
	QueueDepthObserved int    `json:"queue_depth_observed"`
}

type registerWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

type registerWorkerResponse struct {
	Token string `json:"token"`
}

type storageGetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type storageSetRequest struct {
	Value []byte `json:"value"`
	Public bool  `json:"public"`
	UserID string `json:"user_id"`
}

type storageCASRequest struct {
	Expected []byte `json:"expected"`
	Value    []byte `json:"value"`
	Public   bool   `json:"public"`
	UserID   string `json:"user_id"`
}

type storageCASResponse struct {
	Succeeded bool `json:"succeeded"`
}

type secretBundleLookupResponse struct {
	Bundle *types.SecretBundle `json:"bundle"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func jsonDecode(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}
