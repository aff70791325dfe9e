package artifactstore

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	s, err := NewStore(t.TempDir(), backing)
	require.NoError(t, err)
	return s
}

func wasmBytes(payload string) []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d}, []byte(payload)...)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	checksum := Checksum("github.com/acme/repo", "deadbeef", "wasm32-wasip1")

	err := s.Upload(checksum, wasmBytes("hello"), Provenance{Repo: "github.com/acme/repo", Commit: "deadbeef", BuildTarget: "wasm32-wasip1"})
	require.NoError(t, err)

	present, size, _, err := s.Exists(checksum)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, int64(9), size)

	data, err := s.Download(checksum)
	require.NoError(t, err)
	require.Equal(t, wasmBytes("hello"), data)
}

func TestUploadRejectsBadMagic(t *testing.T) {
	s := newTestStore(t)
	err := s.Upload("checksum", []byte("not wasm"), Provenance{})
	require.ErrorIs(t, err, apierr.ErrBadWasmMagic)
}

func TestUploadIdempotentOnIdenticalContent(t *testing.T) {
	s := newTestStore(t)
	checksum := Checksum("r", "c", "t")

	require.NoError(t, s.Upload(checksum, wasmBytes("x"), Provenance{}))
	require.NoError(t, s.Upload(checksum, wasmBytes("x"), Provenance{}))
}

func TestUploadConflictingContentIsError(t *testing.T) {
	s := newTestStore(t)
	checksum := Checksum("r", "c", "t")

	require.NoError(t, s.Upload(checksum, wasmBytes("x"), Provenance{}))
	err := s.Upload(checksum, wasmBytes("y"), Provenance{})
	require.ErrorIs(t, err, apierr.ErrConflictingUpload)
}

func TestLockAcquireMutualExclusion(t *testing.T) {
	s := newTestStore(t)

	acquired, err := s.LockAcquire("abc", "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = s.LockAcquire("abc", "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, s.LockRelease("abc", "worker-1"))

	acquired, err = s.LockAcquire("abc", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLockAcquireRaceHasSingleWinner(t *testing.T) {
	s := newTestStore(t)

	const workers = 8
	var wg sync.WaitGroup
	wins := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			acquired, err := s.LockAcquire("abc", "worker-"+string(rune('0'+idx)), time.Minute)
			require.NoError(t, err)
			wins[idx] = acquired
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one concurrent acquirer may hold the lock")
}

func TestLockAcquireExpiresByTTL(t *testing.T) {
	s := newTestStore(t)

	acquired, err := s.LockAcquire("abc", "worker-1", -time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	// The lock above is already expired; a second worker should acquire it.
	acquired, err = s.LockAcquire("abc", "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestEvictLRUSkipsLockedArtifacts(t *testing.T) {
	s := newTestStore(t)

	c1 := Checksum("r1", "c1", "t")
	c2 := Checksum("r2", "c2", "t")
	require.NoError(t, s.Upload(c1, wasmBytes("aaaaaaaaaa"), Provenance{}))
	require.NoError(t, s.Upload(c2, wasmBytes("bbbbbbbbbb"), Provenance{}))

	acquired, err := s.LockAcquire(c1, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	evicted, err := s.EvictLRU(0)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	present, _, _, err := s.Exists(c1)
	require.NoError(t, err)
	require.True(t, present, "locked artifact must survive eviction")
}
