// Package coordinator implements the single HTTP surface between external
// job sources, workers, and the Job Store / Artifact Store / per-project
// storage, replicated across a Raft cluster for high availability.
package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine for the Coordinator. Every
// mutation to local reaches this node either because it is the leader
// applying a locally-decided write, or because it is a follower replaying
// the leader's committed log; in both cases the incoming Command already
// carries the fully-formed entity (IDs and timestamps decided once, by
// whichever node held leadership when the write was issued), so Apply
// itself never needs to generate anything non-deterministic.
type FSM struct {
	mu    sync.RWMutex
	local storage.Store
}

// NewFSM wraps local, the node's own BoltDB-backed store.
func NewFSM(local storage.Store) *FSM {
	return &FSM{local: local}
}

// Command is one replicated storage mutation.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// casArgs is the payload for the storage_set_if_equals op (StorageSetIfEquals
// is a pure function of prior state, so it is safe to re-evaluate
// independently on every replica rather than replicating its boolean
// result).
type casArgs struct {
	Namespace string `json:"namespace"`
	Expected  []byte `json:"expected"`
	Value     []byte `json:"value"`
}

type namespaceValue struct {
	Namespace string `json:"namespace"`
	Value     []byte `json:"value"`
}

type lockKeyHolder struct {
	Key      string `json:"key"`
	WorkerID string `json:"worker_id"`
}

// Apply applies one committed Raft log entry to the local store.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("coordinator: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create_job":
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.local.CreateJob(&job)
	case "update_job":
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.local.UpdateJob(&job)
	case "delete_job":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.local.DeleteJob(id)

	case "create_artifact":
		var a types.CachedWasm
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.local.CreateArtifact(&a)
	case "update_artifact":
		var a types.CachedWasm
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.local.UpdateArtifact(&a)
	case "delete_artifact":
		var checksum string
		if err := json.Unmarshal(cmd.Data, &checksum); err != nil {
			return err
		}
		return f.local.DeleteArtifact(checksum)

	case "create_lock":
		var lock types.Lock
		if err := json.Unmarshal(cmd.Data, &lock); err != nil {
			return err
		}
		return f.local.CreateLock(&lock)
	case "create_lock_if_free":
		// Like storage_set_if_equals, the accept-or-deny decision runs
		// inside Apply so it sits in Raft's total order: every replica
		// re-evaluates the same check against the same prior state and
		// reaches the same verdict.
		var lock types.Lock
		if err := json.Unmarshal(cmd.Data, &lock); err != nil {
			return err
		}
		acquired, err := f.local.CreateLockIfFree(&lock)
		if err != nil {
			return err
		}
		return casResult(acquired)
	case "delete_lock":
		var args lockKeyHolder
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.DeleteLock(args.Key)

	case "create_worker":
		var w types.WorkerRegistration
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.local.CreateWorker(&w)
	case "update_worker":
		var w types.WorkerRegistration
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return err
		}
		return f.local.UpdateWorker(&w)
	case "delete_worker":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.local.DeleteWorker(id)

	case "create_attestation":
		var rec types.AttestationRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.local.CreateAttestation(&rec)

	case "create_secret_bundle":
		var b types.SecretBundle
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		return f.local.CreateSecretBundle(&b)
	case "delete_secret_bundle":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.local.DeleteSecretBundle(id)

	case "create_project":
		var p types.Project
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.local.CreateProject(&p)
	case "delete_project":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.local.DeleteProject(id)

	case "storage_set":
		var args namespaceValue
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.local.StorageSet(args.Namespace, args.Value)
	case "storage_set_if_equals":
		var args casArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		ok, err := f.local.StorageSetIfEquals(args.Namespace, args.Expected, args.Value)
		if err != nil {
			return err
		}
		return casResult(ok)

	default:
		return fmt.Errorf("coordinator: unknown command op %q", cmd.Op)
	}
}

// casResult lets Apply's caller recover the boolean outcome of a
// storage_set_if_equals or create_lock_if_free command from the
// ApplyFuture's Response().
type casResult bool

// Snapshot captures every bucket for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobs, err := f.local.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot jobs: %w", err)
	}
	artifacts, err := f.local.ListArtifacts()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot artifacts: %w", err)
	}
	locks, err := f.local.ListLocks()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot locks: %w", err)
	}
	workers, err := f.local.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot workers: %w", err)
	}
	attestations, err := f.local.ListAttestations()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot attestations: %w", err)
	}
	bundles, err := f.local.ListSecretBundles()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot secret bundles: %w", err)
	}
	projects, err := f.local.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("coordinator: snapshot projects: %w", err)
	}

	return &fsmSnapshot{
		Jobs:         jobs,
		Artifacts:    artifacts,
		Locks:        locks,
		Workers:      workers,
		Attestations: attestations,
		Bundles:      bundles,
		Projects:     projects,
	}, nil
}

// Restore replaces local state with a decoded snapshot, used when a node
// restarts or joins the cluster cold.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range snap.Jobs {
		if err := f.local.CreateJob(j); err != nil {
			return fmt.Errorf("coordinator: restore job %s: %w", j.ID, err)
		}
	}
	for _, a := range snap.Artifacts {
		if err := f.local.CreateArtifact(a); err != nil {
			return fmt.Errorf("coordinator: restore artifact %s: %w", a.Checksum, err)
		}
	}
	for _, l := range snap.Locks {
		if err := f.local.CreateLock(l); err != nil {
			return fmt.Errorf("coordinator: restore lock %s: %w", l.Key, err)
		}
	}
	for _, w := range snap.Workers {
		if err := f.local.CreateWorker(w); err != nil {
			return fmt.Errorf("coordinator: restore worker %s: %w", w.WorkerID, err)
		}
	}
	for _, rec := range snap.Attestations {
		if err := f.local.CreateAttestation(rec); err != nil {
			return fmt.Errorf("coordinator: restore attestation %s: %w", rec.TaskID, err)
		}
	}
	for _, b := range snap.Bundles {
		if err := f.local.CreateSecretBundle(b); err != nil {
			return fmt.Errorf("coordinator: restore secret bundle %s: %w", b.ID, err)
		}
	}
	for _, p := range snap.Projects {
		if err := f.local.CreateProject(p); err != nil {
			return fmt.Errorf("coordinator: restore project %s: %w", p.ID, err)
		}
	}
	return nil
}

type fsmSnapshot struct {
	Jobs         []*types.Job
	Artifacts    []*types.CachedWasm
	Locks        []*types.Lock
	Workers      []*types.WorkerRegistration
	Attestations []*types.AttestationRecord
	Bundles      []*types.SecretBundle
	Projects     []*types.Project
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
