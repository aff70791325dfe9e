// Package storage provides the durable, BoltDB-backed persistence layer
// shared by the job store, artifact store, keystore, and coordinator.
package storage

import (
	"github.com/cuemby/outlayer/pkg/types"
)

// Store is the full persistence surface backing the coordinator's Raft FSM
// and the keystore. Each sub-area is a flat CRUD surface over one bucket;
// higher-level invariants (claim races, LRU eviction, policy evaluation)
// live in the packages that compose Store, not here.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// Artifacts (cached compiled WASM)
	CreateArtifact(artifact *types.CachedWasm) error
	GetArtifact(checksum string) (*types.CachedWasm, error)
	ListArtifacts() ([]*types.CachedWasm, error)
	UpdateArtifact(artifact *types.CachedWasm) error
	DeleteArtifact(checksum string) error

	// Locks. CreateLock is the unconditional upsert used by snapshot
	// restore; CreateLockIfFree is the check-and-write acquire primitive,
	// performed atomically so two racing acquirers can never both win.
	CreateLock(lock *types.Lock) error
	CreateLockIfFree(lock *types.Lock) (bool, error)
	GetLock(key string) (*types.Lock, error)
	ListLocks() ([]*types.Lock, error)
	DeleteLock(key string) error

	// Worker registrations
	CreateWorker(worker *types.WorkerRegistration) error
	GetWorker(id string) (*types.WorkerRegistration, error)
	ListWorkers() ([]*types.WorkerRegistration, error)
	UpdateWorker(worker *types.WorkerRegistration) error
	DeleteWorker(id string) error

	// Attestation records
	CreateAttestation(rec *types.AttestationRecord) error
	GetAttestation(taskID string) (*types.AttestationRecord, error)
	ListAttestations() ([]*types.AttestationRecord, error)

	// Secret bundles
	CreateSecretBundle(bundle *types.SecretBundle) error
	GetSecretBundle(id string) (*types.SecretBundle, error)
	ListSecretBundles() ([]*types.SecretBundle, error)
	DeleteSecretBundle(id string) error

	// Projects
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	GetProjectByFullName(fullName string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	DeleteProject(id string) error

	// Keystore identity (the keypair used to seal/unseal secret bundles)
	SaveKeystoreKey(data []byte) error
	GetKeystoreKey() ([]byte, error)

	// Per-project encrypted key/value storage (namespace is
	// "{project_id}/{user_id}/{key}" for the per-user-isolated default,
	// "{project_id}/~pub/{key}" for public entries). Values are ciphertext; encryption is the
	// caller's (pkg/projectstorage's) responsibility.
	StorageGet(namespace string) ([]byte, bool, error)
	StorageSet(namespace string, value []byte) error
	StorageSetIfEquals(namespace string, expected, value []byte) (bool, error)
	StorageUsageBytes(projectID string) (int64, error)

	// Utility
	Close() error
}
