/*
Package types defines the core data structures shared by the Coordinator,
Worker, and Keystore: the job record and its status DAG, the cached-WASM
artifact record, the distributed lock record, worker registrations,
attestation records, encrypted secret bundles and their access policies, and
projects.

# Architecture

	┌──────────────────── DATA MODEL ───────────────────────────┐
	│                                                             │
	│   Job ──────────────┬──▶ CodeSource (GitHub | WasmURL)     │
	│   (job_id, status)   ├──▶ ResourceLimits (fuel/mem/time)    │
	│                      ├──▶ PaymentEnvelope                   │
	│                      ├──▶ ExecutionContext (NEAR | HTTPS)   │
	│                      └──▶ Metrics (timing/cost, once done)  │
	│                                                             │
	│   CachedWasm (checksum → content_hash, size, access stats) │
	│                                                             │
	│   Lock (key → holder_id, expires_at)                       │
	│                                                             │
	│   WorkerRegistration (worker_id → token_hash, heartbeat)    │
	│                                                             │
	│   AttestationRecord (task_id → quote, measurement, hashes)  │
	│                                                             │
	│   SecretBundle ──────┬──▶ Accessor (Repo | WasmHash)        │
	│   (immutable once     └──▶ Policy (AllowAll | Whitelist |   │
	│    stored)                 AccountPattern | TokenBalance |  │
	│                             And | Or | Not)                 │
	│                                                             │
	│   Project (id → owner/name, public flag)                   │
	└─────────────────────────────────────────────────────────────┘

# Core Types

Job:
  - Identity: ID, RequestID, DataID, JobType (compile | execute)
  - Lifecycle: Status, a node in the DAG pending → in_progress → terminal
    (completed, failed, compilation_failed, execution_failed, access_denied,
    insufficient_payment, custom), WorkerID, CreatedAt/UpdatedAt/CompletedAt
  - UniqueKey() returns the (request_id, data_id, job_type) uniqueness triple
    enforced by the Job Store on insert

CachedWasm:
  - Keyed by Checksum = H(repo || commit || build_target)
  - ContentHash = H(wasm_bytes) verifies round-trip integrity on download
  - LastAccessedAt/AccessCount drive the Artifact Store's LRU eviction

Lock:
  - Key, HolderID, AcquiredAt, ExpiresAt — a TTL-bound mutual-exclusion
    record used by the Artifact Store to serialize concurrent compiles of
    the same checksum

WorkerRegistration:
  - WorkerID, TokenHash (SHA-256 of the bearer token, never the plaintext),
    LastHeartbeat, Measurement (the worker's last-observed TEE state)

AttestationRecord:
  - Binds a completed task to the hash tuple (input_hash, wasm_hash,
    output_hash) plus either blockchain context (RequestID, Caller, TxHash,
    BlockHeight) or HTTPS context (CallID, PaymentKeyOwner/Nonce), plus the
    V1 extension fields (ProjectID, SecretsRef, AttachedUSD)

SecretBundle / Accessor / Policy:
  - SecretBundle is immutable ciphertext once stored; Accessor binds it to
    either a Repo (optionally pinned to a branch) or a WasmHash; Policy is a
    predicate tree (AllowAll, Whitelist, AccountPattern, TokenBalance, or a
    composite And/Or/Not of children) evaluated by the Keystore before it
    will decrypt

Project:
  - UUID plus a human "{owner}/{name}" FullName(), scoping the per-project
    encrypted storage namespace (pkg/projectstorage) and its public/private
    visibility flag

# Usage

Constructing a job for insertion into the Job Store:

	job := &types.Job{
		RequestID: "42",
		DataID:    "min-max-roll",
		JobType:   types.JobTypeExecute,
		Status:    types.JobStatusPending,
		CodeSource: types.CodeSource{
			GitHub: &types.GitHubSource{
				Repo:        "github.com/acme/dice-roller",
				Commit:      "a1b2c3d",
				BuildTarget: types.BuildTargetWasip1,
			},
		},
		ResourceLimits: types.ResourceLimits{
			MaxInstructions:     10_000_000_000,
			MaxMemoryMB:         128,
			MaxExecutionSeconds: 60,
		},
	}

Checking whether a job has reached a terminal state:

	if job.Status.Terminal() {
		// safe to report a result to the sink
	}

# Design Notes

Every type here is a plain struct with JSON tags and no behavior beyond a
handful of small, pure helper methods (Job.UniqueKey, JobStatus.Terminal,
Project.FullName) — the state-transition rules, claim races, and policy
evaluation that operate on these types live in pkg/jobstore, pkg/artifactstore,
and pkg/keystore respectively, keeping this package a stable, dependency-free
vocabulary the rest of the module shares.
*/
package types
