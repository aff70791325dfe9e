/*
Package storage provides BoltDB-backed persistence for the Coordinator's
durable state: jobs, cached WASM artifact metadata, distributed locks,
worker registrations, attestation records, encrypted secret bundles,
projects, the keystore's own identity, and the per-project encrypted
key/value namespace.

# Architecture

	┌──────────────────── STORAGE LAYER ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Store interface                │          │
	│  │  - CRUD surface, one section per entity     │          │
	│  │  - implemented by BoltStore                 │          │
	│  │  - also implemented by ReplicatedStore,      │          │
	│  │    which routes writes through Raft first    │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              BoltStore                      │          │
	│  │  - one bbolt bucket per entity              │          │
	│  │  - JSON-marshaled values                    │          │
	│  │  - CreateBucketIfNotExists at Open           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          bbolt (single file, mmap'd)        │          │
	│  │  jobs | artifacts | locks | workers |       │          │
	│  │  attestations | secret_bundles | projects | │          │
	│  │  keystore_key | storage_data                │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Buckets

jobs:
  - Key: job ID. Value: JSON-encoded types.Job.
  - Read by jobstore.Store for InsertJobs/Claim/Complete/ListPending.

artifacts:
  - Key: WASM checksum (H(repo||commit||build_target)). Value: JSON-encoded
    types.CachedWasm (content hash, size, access stats).
  - Read/written by artifactstore.Store around the on-disk WASM bytes.

locks:
  - Key: lock key (e.g. "compile:{checksum}"). Value: JSON-encoded types.Lock
    (holder, acquired_at, expires_at).
  - The Artifact Store's distributed-lock API for compile deduplication.

workers:
  - Key: worker ID. Value: JSON-encoded types.WorkerRegistration (bearer
    token hash, last heartbeat, last measurement).

attestations:
  - Key: task ID. Value: JSON-encoded types.AttestationRecord, persisted by
    the Coordinator whenever a worker's complete_job call carries a quote.

secret_bundles:
  - Key: bundle ID. Value: JSON-encoded types.SecretBundle (ciphertext,
    accessor, access policy). The Coordinator only ever sees ciphertext.

projects:
  - Key: project UUID. Value: JSON-encoded types.Project.

keystore_key:
  - A single entry for a serialized Keystore key pair, reachable through
    SaveKeystoreKey/GetKeystoreKey. The Keystore process itself opens no
    store: it generates its key pair in memory at boot and never writes
    this bucket.

storage_data:
  - Key: a namespace string of the form "{project}/{user}/{key}" (private,
    the default) or "{project}/~pub/{key}" (public). Value: ciphertext,
    sealed by pkg/projectstorage before it ever reaches this bucket.

# Usage

Opening a local BoltDB-backed store:

	store, err := storage.NewBoltStore("/var/lib/outlayer/data")
	if err != nil {
		log.Fatal(err.Error())
	}
	defer store.Close()

	job := &types.Job{ID: uuid.NewString(), RequestID: "42", JobType: types.JobTypeExecute}
	if err := store.CreateJob(job); err != nil {
		// handle error
	}

Composing with Raft for high availability: pkg/coordinator's
ReplicatedStore wraps a BoltStore per node and implements the same Store
interface, so jobstore, artifactstore, and projectstorage are written once
against Store and run unmodified whether the Coordinator is a single node
or a Raft cluster.

# Design Notes

Every bucket is a flat key-to-JSON-blob map; there are no secondary indexes
inside bbolt itself. jobstore keeps its request_id index in memory, rebuilt
from a ListJobs() scan at startup; artifactstore computes its LRU ordering
from a fresh ListArtifacts() scan on each eviction pass. A value read out of
a bbolt transaction is only valid until the transaction ends, so every Get/List
method here copies bytes before returning them — bbolt's mmap'd page behind
a cursor value is reused once the transaction closes.
*/
package storage
