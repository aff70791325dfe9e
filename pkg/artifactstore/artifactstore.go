// Package artifactstore is the content-addressed store for compiled WASM
// artifacts plus the distributed lock table that deduplicates concurrent
// compiles of the same (repo, commit, build_target).
package artifactstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
)

// wasmMagic is the four-byte WASM binary header: "\0asm".
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Store is the Artifact Store: WASM bytes on a local filesystem root,
// metadata and the lock table in backing.
type Store struct {
	root    string
	backing storage.Store
}

// NewStore opens an Artifact Store rooted at root, creating it if absent.
func NewStore(root string, backing storage.Store) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("artifactstore: create root %s: %w", root, err)
	}
	return &Store{root: root, backing: backing}, nil
}

func (s *Store) path(checksum string) string {
	return filepath.Join(s.root, checksum+".wasm")
}

// Checksum derives the content-addressing key for a GitHub code source:
// H(repo || commit || build_target).
func Checksum(repo, commit, buildTarget string) string {
	h := sha256.Sum256([]byte(repo + commit + buildTarget))
	return hex.EncodeToString(h[:])
}

// ContentHash derives the raw-bytes content hash used to detect corruption
// and to verify WasmUrl sources.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Exists reports whether checksum is present, along with its size and
// content hash.
func (s *Store) Exists(checksum string) (present bool, size int64, contentHash string, err error) {
	artifact, err := s.backing.GetArtifact(checksum)
	if err != nil {
		return false, 0, "", nil
	}
	return true, artifact.Size, artifact.ContentHash, nil
}

// Provenance describes the GitHub source a compiled artifact came from.
type Provenance struct {
	Repo        string
	Commit      string
	BuildTarget string
}

// Upload writes data to {root}/{checksum}.wasm atomically (temp file,
// fsync, rename), rejecting non-WASM bytes. A second upload with
// identical content is a no-op; a conflicting content hash is an error.
func (s *Store) Upload(checksum string, data []byte, provenance Provenance) error {
	if len(data) < len(wasmMagic) || !bytes.Equal(data[:len(wasmMagic)], wasmMagic) {
		return apierr.ErrBadWasmMagic
	}
	contentHash := ContentHash(data)

	if existing, err := s.backing.GetArtifact(checksum); err == nil {
		if existing.ContentHash == contentHash {
			return nil // idempotent no-op
		}
		return apierr.ErrConflictingUpload
	}

	dst := s.path(checksum)
	tmp := dst + ".tmp-" + hex.EncodeToString([]byte(contentHash))[:8]
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("artifactstore: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("artifactstore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("artifactstore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifactstore: close temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifactstore: rename into place: %w", err)
	}

	now := time.Now().UTC()
	artifact := &types.CachedWasm{
		Checksum:       checksum,
		ContentHash:    contentHash,
		Size:           int64(len(data)),
		Repo:           provenance.Repo,
		Commit:         provenance.Commit,
		BuildTarget:    provenance.BuildTarget,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
	}
	if err := s.backing.CreateArtifact(artifact); err != nil {
		return fmt.Errorf("artifactstore: persist metadata: %w", err)
	}
	metrics.ArtifactBytesStored.Add(float64(len(data)))
	return nil
}

// Download streams the bytes for checksum, bumping last_accessed_at and
// access_count. A content-hash mismatch indicates on-disk corruption: the
// file is deleted and ErrChecksumMismatch is reported so the caller can
// fall back to compile.
func (s *Store) Download(checksum string) ([]byte, error) {
	artifact, err := s.backing.GetArtifact(checksum)
	if err != nil {
		metrics.ArtifactCacheMissesTotal.Inc()
		return nil, fmt.Errorf("%w: %s", apierr.ErrNotFound, checksum)
	}

	data, err := os.ReadFile(s.path(checksum))
	if err != nil {
		metrics.ArtifactCacheMissesTotal.Inc()
		return nil, fmt.Errorf("artifactstore: read %s: %w", checksum, err)
	}
	if ContentHash(data) != artifact.ContentHash {
		os.Remove(s.path(checksum))
		s.backing.DeleteArtifact(checksum)
		return nil, apierr.ErrChecksumMismatch
	}

	artifact.LastAccessedAt = time.Now().UTC()
	artifact.AccessCount++
	if err := s.backing.UpdateArtifact(artifact); err != nil {
		return nil, fmt.Errorf("artifactstore: update access stats: %w", err)
	}
	metrics.ArtifactCacheHitsTotal.Inc()
	return data, nil
}

// EvictLRU removes the least-recently-accessed artifacts, oldest first,
// until totalBytes(remaining) <= quotaBytes. Entries whose checksum is
// currently held by a compile lock are skipped.
func (s *Store) EvictLRU(quotaBytes int64) (evicted int, err error) {
	artifacts, err := s.backing.ListArtifacts()
	if err != nil {
		return 0, fmt.Errorf("artifactstore: list for eviction: %w", err)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastAccessedAt.Before(artifacts[j].LastAccessedAt)
	})

	var total int64
	for _, a := range artifacts {
		total += a.Size
	}

	for _, a := range artifacts {
		if total <= quotaBytes {
			break
		}
		locked, lerr := s.isCompileLocked(a.Checksum)
		if lerr != nil {
			return evicted, lerr
		}
		if locked {
			continue
		}
		if err := os.Remove(s.path(a.Checksum)); err != nil && !os.IsNotExist(err) {
			return evicted, fmt.Errorf("artifactstore: evict %s: %w", a.Checksum, err)
		}
		if err := s.backing.DeleteArtifact(a.Checksum); err != nil {
			return evicted, fmt.Errorf("artifactstore: evict metadata %s: %w", a.Checksum, err)
		}
		total -= a.Size
		evicted++
	}
	if evicted > 0 {
		metrics.ArtifactEvictionsTotal.Add(float64(evicted))
		metrics.ArtifactBytesStored.Set(float64(total))
	}
	return evicted, nil
}

func (s *Store) isCompileLocked(checksum string) (bool, error) {
	lock, err := s.backing.GetLock(lockKey(checksum))
	if err != nil {
		return false, nil
	}
	return time.Now().UTC().Before(lock.ExpiresAt), nil
}

func lockKey(checksum string) string {
	return "compile:" + checksum
}

// lockKind collapses lock keys to a bounded metric label.
func lockKind(key string) string {
	if len(key) > 8 && key[:8] == "compile:" {
		return "compile"
	}
	return "generic"
}

// LockAcquire sets compile:{checksum} only if absent or expired.
func (s *Store) LockAcquire(checksum, workerID string, ttl time.Duration) (acquired bool, err error) {
	return s.AcquireLock(lockKey(checksum), workerID, ttl)
}

// LockRelease deletes compile:{checksum} if held by workerID.
func (s *Store) LockRelease(checksum, workerID string) error {
	return s.ReleaseLock(lockKey(checksum), workerID)
}

// AcquireLock sets an arbitrary lock key only if absent or expired. This
// backs the coordinator's generic /locks/acquire proxy as well as the
// compile-dedup lock above. The check and the write happen in one backing
// transaction, so concurrent acquirers of the same key get exactly one winner.
func (s *Store) AcquireLock(key, workerID string, ttl time.Duration) (acquired bool, err error) {
	now := time.Now().UTC()
	lock := &types.Lock{
		Key:        key,
		HolderID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	acquired, err = s.backing.CreateLockIfFree(lock)
	if err != nil {
		return false, fmt.Errorf("artifactstore: acquire lock %s: %w", key, err)
	}
	if !acquired {
		metrics.LockContentionTotal.WithLabelValues(lockKind(key)).Inc()
	}
	return acquired, nil
}

// ReleaseLock deletes key if held by workerID.
func (s *Store) ReleaseLock(key, workerID string) error {
	lock, err := s.backing.GetLock(key)
	if err != nil {
		return nil // already gone
	}
	if lock.HolderID != workerID {
		return apierr.ErrLockHeld
	}
	return s.backing.DeleteLock(key)
}
