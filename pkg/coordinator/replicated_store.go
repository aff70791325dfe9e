package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/hashicorp/raft"
)

const applyTimeout = 5 * time.Second

// ReplicatedStore implements storage.Store by serving reads from the
// node's local BoltDB copy and routing every write through Raft, so the
// whole cluster's copies stay in lock-step. Callers (jobstore,
// artifactstore, projectstorage) are unmodified by this: they see a
// storage.Store and don't need to know writes now take a consensus round.
type ReplicatedStore struct {
	local storage.Store
	raft  *raft.Raft
}

// NewReplicatedStore wraps local, applying writes through r.
func NewReplicatedStore(local storage.Store, r *raft.Raft) *ReplicatedStore {
	return &ReplicatedStore{local: local, raft: r}
}

func (s *ReplicatedStore) apply(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("coordinator: marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	cmdBytes, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: marshal %s command: %w", op, err)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	future := s.raft.Apply(cmdBytes, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return respErr
		}
	}
	return nil
}

// applyCAS is like apply but recovers the FSM's casResult from the future.
func (s *ReplicatedStore) applyCAS(op string, payload interface{}) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("coordinator: marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: data}
	cmdBytes, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("coordinator: marshal %s command: %w", op, err)
	}

	future := s.raft.Apply(cmdBytes, applyTimeout)
	if err := future.Error(); err != nil {
		return false, fmt.Errorf("coordinator: apply %s: %w", op, err)
	}
	switch resp := future.Response().(type) {
	case error:
		return false, resp
	case casResult:
		return bool(resp), nil
	default:
		return false, fmt.Errorf("coordinator: unexpected %s response %T", op, resp)
	}
}

// Jobs
func (s *ReplicatedStore) CreateJob(job *types.Job) error { return s.apply("create_job", job) }
func (s *ReplicatedStore) GetJob(id string) (*types.Job, error) { return s.local.GetJob(id) }
func (s *ReplicatedStore) ListJobs() ([]*types.Job, error)      { return s.local.ListJobs() }
func (s *ReplicatedStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	return s.local.ListJobsByStatus(status)
}
func (s *ReplicatedStore) UpdateJob(job *types.Job) error { return s.apply("update_job", job) }
func (s *ReplicatedStore) DeleteJob(id string) error      { return s.apply("delete_job", id) }

// Artifacts
func (s *ReplicatedStore) CreateArtifact(a *types.CachedWasm) error {
	return s.apply("create_artifact", a)
}
func (s *ReplicatedStore) GetArtifact(checksum string) (*types.CachedWasm, error) {
	return s.local.GetArtifact(checksum)
}
func (s *ReplicatedStore) ListArtifacts() ([]*types.CachedWasm, error) {
	return s.local.ListArtifacts()
}
func (s *ReplicatedStore) UpdateArtifact(a *types.CachedWasm) error {
	return s.apply("update_artifact", a)
}
func (s *ReplicatedStore) DeleteArtifact(checksum string) error {
	return s.apply("delete_artifact", checksum)
}

// Locks
func (s *ReplicatedStore) CreateLock(lock *types.Lock) error { return s.apply("create_lock", lock) }
func (s *ReplicatedStore) CreateLockIfFree(lock *types.Lock) (bool, error) {
	return s.applyCAS("create_lock_if_free", lock)
}
func (s *ReplicatedStore) GetLock(key string) (*types.Lock, error) { return s.local.GetLock(key) }
func (s *ReplicatedStore) ListLocks() ([]*types.Lock, error)       { return s.local.ListLocks() }
func (s *ReplicatedStore) DeleteLock(key string) error {
	return s.apply("delete_lock", lockKeyHolder{Key: key})
}

// Workers
func (s *ReplicatedStore) CreateWorker(w *types.WorkerRegistration) error {
	return s.apply("create_worker", w)
}
func (s *ReplicatedStore) GetWorker(id string) (*types.WorkerRegistration, error) {
	return s.local.GetWorker(id)
}
func (s *ReplicatedStore) ListWorkers() ([]*types.WorkerRegistration, error) {
	return s.local.ListWorkers()
}
func (s *ReplicatedStore) UpdateWorker(w *types.WorkerRegistration) error {
	return s.apply("update_worker", w)
}
func (s *ReplicatedStore) DeleteWorker(id string) error { return s.apply("delete_worker", id) }

// Attestations
func (s *ReplicatedStore) CreateAttestation(rec *types.AttestationRecord) error {
	return s.apply("create_attestation", rec)
}
func (s *ReplicatedStore) GetAttestation(taskID string) (*types.AttestationRecord, error) {
	return s.local.GetAttestation(taskID)
}
func (s *ReplicatedStore) ListAttestations() ([]*types.AttestationRecord, error) {
	return s.local.ListAttestations()
}

// Secret bundles
func (s *ReplicatedStore) CreateSecretBundle(b *types.SecretBundle) error {
	return s.apply("create_secret_bundle", b)
}
func (s *ReplicatedStore) GetSecretBundle(id string) (*types.SecretBundle, error) {
	return s.local.GetSecretBundle(id)
}
func (s *ReplicatedStore) ListSecretBundles() ([]*types.SecretBundle, error) {
	return s.local.ListSecretBundles()
}
func (s *ReplicatedStore) DeleteSecretBundle(id string) error {
	return s.apply("delete_secret_bundle", id)
}

// Projects
func (s *ReplicatedStore) CreateProject(p *types.Project) error { return s.apply("create_project", p) }
func (s *ReplicatedStore) GetProject(id string) (*types.Project, error) {
	return s.local.GetProject(id)
}
func (s *ReplicatedStore) GetProjectByFullName(fullName string) (*types.Project, error) {
	return s.local.GetProjectByFullName(fullName)
}
func (s *ReplicatedStore) ListProjects() ([]*types.Project, error) { return s.local.ListProjects() }
func (s *ReplicatedStore) DeleteProject(id string) error           { return s.apply("delete_project", id) }

// Keystore identity is local-only to the keystore process; the coordinator
// never stores or replicates it.
func (s *ReplicatedStore) SaveKeystoreKey(data []byte) error {
	return fmt.Errorf("coordinator: keystore key storage is not served by the coordinator")
}
func (s *ReplicatedStore) GetKeystoreKey() ([]byte, error) {
	return nil, fmt.Errorf("coordinator: keystore key storage is not served by the coordinator")
}

// Per-project storage
func (s *ReplicatedStore) StorageGet(namespace string) ([]byte, bool, error) {
	return s.local.StorageGet(namespace)
}
func (s *ReplicatedStore) StorageSet(namespace string, value []byte) error {
	return s.apply("storage_set", namespaceValue{Namespace: namespace, Value: value})
}
func (s *ReplicatedStore) StorageSetIfEquals(namespace string, expected, value []byte) (bool, error) {
	return s.applyCAS("storage_set_if_equals", casArgs{Namespace: namespace, Expected: expected, Value: value})
}
func (s *ReplicatedStore) StorageUsageBytes(projectID string) (int64, error) {
	return s.local.StorageUsageBytes(projectID)
}

func (s *ReplicatedStore) Close() error { return s.local.Close() }

var _ storage.Store = (*ReplicatedStore)(nil)
