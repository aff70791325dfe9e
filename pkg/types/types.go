// Package types defines the shared data model for the coordinator, worker,
// and keystore: jobs, cached WASM artifacts, distributed locks, worker
// registrations, attestation records, encrypted secret bundles, and projects.
package types

import "time"

// JobType distinguishes a compilation job from an execution job.
type JobType string

const (
	JobTypeCompile JobType = "compile"
	JobTypeExecute JobType = "execute"
)

// JobStatus is a node in the job lifecycle DAG: pending is the root,
// in_progress the only interior node, and everything else terminal.
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusInProgress          JobStatus = "in_progress"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCompilationFailed   JobStatus = "compilation_failed"
	JobStatusExecutionFailed     JobStatus = "execution_failed"
	JobStatusAccessDenied        JobStatus = "access_denied"
	JobStatusInsufficientPayment JobStatus = "insufficient_payment"
	JobStatusCustom              JobStatus = "custom"
)

// Terminal reports whether a status has no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompilationFailed,
		JobStatusExecutionFailed, JobStatusAccessDenied, JobStatusInsufficientPayment,
		JobStatusCustom:
		return true
	default:
		return false
	}
}

// BuildTarget is the WASM target triple a compile job produces.
type BuildTarget string

const (
	BuildTargetWasip1 BuildTarget = "wasm32-wasip1"
	BuildTargetWasip2 BuildTarget = "wasm32-wasip2"
)

// ResponseFormat is how the execute job's stdout should be interpreted by the sink.
type ResponseFormat string

const (
	ResponseFormatJSON  ResponseFormat = "Json"
	ResponseFormatText  ResponseFormat = "Text"
	ResponseFormatBytes ResponseFormat = "Bytes"
)

// ExecutionType identifies the calling context of a job (blockchain event vs HTTPS ingress).
type ExecutionType string

const (
	ExecutionTypeNEAR  ExecutionType = "NEAR"
	ExecutionTypeHTTPS ExecutionType = "HTTPS"
)

// GitHubSource is a repo+commit+target code source that must be compiled.
type GitHubSource struct {
	Repo        string      `json:"repo"`
	Commit      string      `json:"commit"`
	BuildTarget BuildTarget `json:"build_target"`
}

// WasmURLSource is a pre-compiled WASM source fetched by URL and verified by content hash.
type WasmURLSource struct {
	URL         string `json:"url"`
	ContentHash string `json:"content_hash"`
}

// CodeSource is exactly one of GitHub or WasmURL.
type CodeSource struct {
	GitHub  *GitHubSource  `json:"GitHub,omitempty"`
	WasmURL *WasmURLSource `json:"WasmUrl,omitempty"`
}

// ResourceLimits bound a job's compute and wall-clock budget.
type ResourceLimits struct {
	MaxInstructions     uint64 `json:"max_instructions"`
	MaxMemoryMB         int    `json:"max_memory_mb"`
	MaxExecutionSeconds int    `json:"max_execution_seconds"`
}

// Hard caps enforced at create_job; requests beyond these are rejected outright.
const (
	HardCapMaxInstructions     = 100_000_000_000
	HardCapMaxMemoryMB         = 512
	HardCapMaxExecutionSeconds = 60
)

// SecretsRef points at an encrypted secret bundle a job wants decrypted for it.
type SecretsRef struct {
	Profile   string `json:"profile"`
	AccountID string `json:"account_id"`
	Accessor  string `json:"accessor"`
}

// PaymentEnvelope carries the funds attached to a job descriptor.
type PaymentEnvelope struct {
	AttachedUSD   string `json:"attached_usd,omitempty"`
	AttachedYocto string `json:"attached_yocto,omitempty"`
}

// Metrics records the cost/timing facts accumulated about a job's execution.
type Metrics struct {
	CompileTimeMS    int64  `json:"compile_time_ms,omitempty"`
	CompileCostYocto string `json:"compile_cost_yocto,omitempty"`
	TimeMS           int64  `json:"time_ms,omitempty"`
	InstructionsUsed uint64 `json:"instructions_used,omitempty"`
}

// ExecutionContext carries the calling context a job descriptor's source
// attaches outside the wire schema proper: which sink dispatched it and
// the identity/blockchain-state keys the WASI host exposes as env vars.
type ExecutionContext struct {
	ExecutionType ExecutionType `json:"execution_type"`

	NetworkID     string `json:"network_id,omitempty"`
	SenderID      string `json:"sender_id,omitempty"`
	UserAccountID string `json:"user_account_id,omitempty"`

	// Blockchain-mode-only.
	ContractID      string `json:"contract_id,omitempty"`
	BlockHeight     uint64 `json:"block_height,omitempty"`
	BlockTimestamp  int64  `json:"block_timestamp,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`

	// HTTPS-mode-only.
	CallID string `json:"call_id,omitempty"`
}

// Job is the durable unit of work tracked by the Job Store.
type Job struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	DataID    string    `json:"data_id"`
	JobType   JobType   `json:"job_type"`
	Status    JobStatus `json:"status"`

	WorkerID string `json:"worker_id,omitempty"`

	CodeSource     CodeSource        `json:"code_source"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
	InputData      string            `json:"input_data"`
	Seed           *int64            `json:"seed,omitempty"`
	SecretsRef     *SecretsRef       `json:"secrets_ref,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	ResponseFormat ResponseFormat    `json:"response_format"`
	Payment        PaymentEnvelope   `json:"payment"`
	Context        ExecutionContext  `json:"context"`

	WasmChecksum string `json:"wasm_checksum,omitempty"`
	Output       []byte `json:"output,omitempty"`
	OutputHash   string `json:"output_hash,omitempty"`
	Error        string `json:"error,omitempty"`

	// SettlementHint is the worker's refund-policy hint for a failed
	// execution; the result sink applies it when settling payment.
	SettlementHint string `json:"settlement_hint,omitempty"`

	Metrics Metrics `json:"metrics"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// UniqueKey is the (request_id, data_id, job_type) uniqueness triple.
func (j *Job) UniqueKey() string {
	return j.RequestID + "/" + j.DataID + "/" + string(j.JobType)
}

// CachedWasm is a compiled WASM artifact keyed by a derived checksum.
type CachedWasm struct {
	Checksum       string    `json:"checksum"`
	ContentHash    string    `json:"content_hash"`
	Size           int64     `json:"size"`
	Repo           string    `json:"repo"`
	Commit         string    `json:"commit"`
	BuildTarget    string    `json:"build_target"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
}

// Lock is a distributed, TTL-bound mutual-exclusion record.
type Lock struct {
	Key        string    `json:"key"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// WorkerRegistration tracks a worker's auth token hash, liveness, and measurement.
type WorkerRegistration struct {
	WorkerID       string    `json:"worker_id"`
	TokenHash      string    `json:"token_hash"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	Measurement    string    `json:"measurement,omitempty"`
	QueueDepthSeen int       `json:"queue_depth_seen"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// AttestationRecord is the signed, content-bound execution proof stored per task.
type AttestationRecord struct {
	TaskID            string  `json:"task_id"`
	TaskType          JobType `json:"task_type"`
	Quote             []byte  `json:"quote"`
	WorkerMeasurement string  `json:"worker_measurement"`

	Repo        string `json:"repo,omitempty"`
	Commit      string `json:"commit,omitempty"`
	BuildTarget string `json:"build_target,omitempty"`

	InputHash  string `json:"input_hash,omitempty"`
	WasmHash   string `json:"wasm_hash,omitempty"`
	OutputHash string `json:"output_hash,omitempty"`

	RequestID       string `json:"request_id,omitempty"`
	Caller          string `json:"caller,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	BlockHeight     uint64 `json:"block_height,omitempty"`
	CallID          string `json:"call_id,omitempty"`
	PaymentKeyOwner string `json:"payment_key_owner,omitempty"`
	PaymentKeyNonce uint64 `json:"payment_key_nonce,omitempty"`

	ProjectID   string `json:"project_id,omitempty"`
	SecretsRef  string `json:"secrets_ref,omitempty"`
	AttachedUSD string `json:"attached_usd,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AccessorKind distinguishes the two ways a secret bundle can be bound to code identity.
type AccessorKind string

const (
	AccessorKindRepo     AccessorKind = "repo"
	AccessorKindWasmHash AccessorKind = "wasm_hash"
)

// Accessor binds a secret bundle to the code identity allowed to decrypt it.
type Accessor struct {
	Kind   AccessorKind `json:"kind"`
	Repo   string       `json:"repo,omitempty"`
	Branch string       `json:"branch,omitempty"`
	Hash   string       `json:"hash,omitempty"`
}

// PolicyKind enumerates the access-policy predicate shapes.
type PolicyKind string

const (
	PolicyKindAllowAll       PolicyKind = "allow_all"
	PolicyKindWhitelist      PolicyKind = "whitelist"
	PolicyKindAccountPattern PolicyKind = "account_pattern"
	PolicyKindTokenBalance   PolicyKind = "token_balance"
	PolicyKindAnd            PolicyKind = "and"
	PolicyKindOr             PolicyKind = "or"
	PolicyKindNot            PolicyKind = "not"
)

// Policy is an access-control predicate evaluated by the keystore before decrypting.
type Policy struct {
	Kind PolicyKind `json:"kind"`

	Whitelist []string `json:"whitelist,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`

	TokenContract string `json:"token_contract,omitempty"`
	MinBalance    string `json:"min_balance,omitempty"`

	Children []Policy `json:"children,omitempty"`
}

// SecretBundle is an immutable, encrypted-at-rest secret owned by a submitting account.
type SecretBundle struct {
	ID         string    `json:"id"`
	Accessor   Accessor  `json:"accessor"`
	Profile    string    `json:"profile"`
	Owner      string    `json:"owner"`
	Ciphertext []byte    `json:"ciphertext"`
	Policy     Policy    `json:"policy"`
	CreatedAt  time.Time `json:"created_at"`
}

// Project scopes the per-project encrypted storage namespace.
type Project struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// FullName returns the "{owner}/{name}" human identifier.
func (p *Project) FullName() string {
	return p.Owner + "/" + p.Name
}
