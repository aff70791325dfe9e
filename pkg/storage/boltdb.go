package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/outlayer/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs          = []byte("jobs")
	bucketArtifacts     = []byte("artifacts")
	bucketLocks         = []byte("locks")
	bucketWorkers       = []byte("workers")
	bucketAttestations  = []byte("attestations")
	bucketSecretBundles = []byte("secret_bundles")
	bucketProjects      = []byte("projects")
	bucketKeystoreKey   = []byte("keystore_key")
	bucketStorageData   = []byte("storage_data")
)

// BoltStore implements Store using BoltDB, one bucket per entity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "outlayer.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketArtifacts,
			bucketLocks,
			bucketWorkers,
			bucketAttestations,
			bucketSecretBundles,
			bucketProjects,
			bucketKeystoreKey,
			bucketStorageData,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations
func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Job
	for _, j := range jobs {
		if j.Status == status {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}

// Artifact operations
func (s *BoltStore) CreateArtifact(artifact *types.CachedWasm) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data, err := json.Marshal(artifact)
		if err != nil {
			return err
		}
		return b.Put([]byte(artifact.Checksum), data)
	})
}

func (s *BoltStore) GetArtifact(checksum string) (*types.CachedWasm, error) {
	var artifact types.CachedWasm
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		data := b.Get([]byte(checksum))
		if data == nil {
			return fmt.Errorf("artifact not found: %s", checksum)
		}
		return json.Unmarshal(data, &artifact)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (s *BoltStore) ListArtifacts() ([]*types.CachedWasm, error) {
	var artifacts []*types.CachedWasm
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.ForEach(func(k, v []byte) error {
			var artifact types.CachedWasm
			if err := json.Unmarshal(v, &artifact); err != nil {
				return err
			}
			artifacts = append(artifacts, &artifact)
			return nil
		})
	})
	return artifacts, err
}

func (s *BoltStore) UpdateArtifact(artifact *types.CachedWasm) error {
	return s.CreateArtifact(artifact)
}

func (s *BoltStore) DeleteArtifact(checksum string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		return b.Delete([]byte(checksum))
	})
}

// Lock operations
func (s *BoltStore) CreateLock(lock *types.Lock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		return b.Put([]byte(lock.Key), data)
	})
}

// CreateLockIfFree writes lock only if its key is absent, expired, or
// already held by the same holder (a refresh), reporting whether the
// acquire happened. The read and the write share one transaction, so two
// racing acquirers serialize behind bbolt's single writer and exactly one
// wins. Expiry is judged against lock.AcquiredAt — the caller's wall
// clock — not a clock read here, so replaying the same call on another
// replica decides the same way.
func (s *BoltStore) CreateLockIfFree(lock *types.Lock) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		if data := b.Get([]byte(lock.Key)); data != nil {
			var existing types.Lock
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if lock.AcquiredAt.Before(existing.ExpiresAt) && existing.HolderID != lock.HolderID {
				return nil
			}
		}
		data, err := json.Marshal(lock)
		if err != nil {
			return err
		}
		acquired = true
		return b.Put([]byte(lock.Key), data)
	})
	return acquired, err
}

func (s *BoltStore) GetLock(key string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("lock not found: %s", key)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *BoltStore) ListLocks() ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		return b.ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := json.Unmarshal(v, &lock); err != nil {
				return err
			}
			locks = append(locks, &lock)
			return nil
		})
	})
	return locks, err
}

func (s *BoltStore) DeleteLock(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		return b.Delete([]byte(key))
	})
}

// Worker registration operations
func (s *BoltStore) CreateWorker(worker *types.WorkerRegistration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.WorkerID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.WorkerRegistration, error) {
	var worker types.WorkerRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerRegistration, error) {
	var workers []*types.WorkerRegistration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.WorkerRegistration
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.WorkerRegistration) error {
	return s.CreateWorker(worker)
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Attestation operations (append-only: no update, no delete)
func (s *BoltStore) CreateAttestation(rec *types.AttestationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttestations)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.TaskID), data)
	})
}

func (s *BoltStore) GetAttestation(taskID string) (*types.AttestationRecord, error) {
	var rec types.AttestationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttestations)
		data := b.Get([]byte(taskID))
		if data == nil {
			return fmt.Errorf("attestation not found: %s", taskID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListAttestations() ([]*types.AttestationRecord, error) {
	var recs []*types.AttestationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttestations)
		return b.ForEach(func(k, v []byte) error {
			var rec types.AttestationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// Secret bundle operations
func (s *BoltStore) CreateSecretBundle(bundle *types.SecretBundle) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecretBundles)
		data, err := json.Marshal(bundle)
		if err != nil {
			return err
		}
		return b.Put([]byte(bundle.ID), data)
	})
}

func (s *BoltStore) GetSecretBundle(id string) (*types.SecretBundle, error) {
	var bundle types.SecretBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecretBundles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("secret bundle not found: %s", id)
		}
		return json.Unmarshal(data, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *BoltStore) ListSecretBundles() ([]*types.SecretBundle, error) {
	var bundles []*types.SecretBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecretBundles)
		return b.ForEach(func(k, v []byte) error {
			var bundle types.SecretBundle
			if err := json.Unmarshal(v, &bundle); err != nil {
				return err
			}
			bundles = append(bundles, &bundle)
			return nil
		})
	})
	return bundles, err
}

func (s *BoltStore) DeleteSecretBundle(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecretBundles)
		return b.Delete([]byte(id))
	})
}

// Project operations
func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("project not found: %s", id)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) GetProjectByFullName(fullName string) (*types.Project, error) {
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.FullName() == fullName {
				found = &project
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project not found: %s", fullName)
	}
	return found, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.Delete([]byte(id))
	})
}

// Keystore key operations
func (s *BoltStore) SaveKeystoreKey(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeystoreKey)
		return b.Put([]byte("key"), data)
	})
}

func (s *BoltStore) GetKeystoreKey() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeystoreKey)
		v := b.Get([]byte("key"))
		if v == nil {
			return fmt.Errorf("keystore key not found")
		}
		// BoltDB data is only valid during the transaction; copy it out.
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// Per-project encrypted storage operations. Keys are opaque namespace
// strings composed by pkg/projectstorage; values are ciphertext blobs.
func (s *BoltStore) StorageGet(namespace string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageData)
		v := b.Get([]byte(namespace))
		if v == nil {
			return nil
		}
		found = true
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, found, err
}

func (s *BoltStore) StorageSet(namespace string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageData)
		return b.Put([]byte(namespace), value)
	})
}

// StorageSetIfEquals is the compare-and-set primitive: it writes value only
// if the namespace's current contents equal expected (nil expected means
// "only if absent"), reporting whether the swap happened.
func (s *BoltStore) StorageSetIfEquals(namespace string, expected, value []byte) (bool, error) {
	var swapped bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStorageData)
		current := b.Get([]byte(namespace))
		if !bytesEqual(current, expected) {
			return nil
		}
		swapped = true
		return b.Put([]byte(namespace), value)
	})
	return swapped, err
}

// StorageUsageBytes sums the stored ciphertext size of every key under
// "{projectID}/" for storage-usage accounting.
func (s *BoltStore) StorageUsageBytes(projectID string) (int64, error) {
	var total int64
	prefix := []byte(projectID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStorageData).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			total += int64(len(v))
		}
		return nil
	})
	return total, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytesEqual(b[:len(prefix)], prefix)
}
