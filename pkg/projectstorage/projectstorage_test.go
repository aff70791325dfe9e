package projectstorage

import (
	"testing"

	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	backing, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })
	return New(backing, "test-master-secret")
}

func TestSetThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("proj-1", "alice", "greeting", false, []byte("hello")))

	got, found, err := m.Get("proj-1", "alice", "greeting", false)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), got)
}

func TestPerUserIsolationByDefault(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("proj-1", "alice", "k", false, []byte("alice-value")))

	_, found, err := m.Get("proj-1", "bob", "k", false)
	require.NoError(t, err)
	require.False(t, found, "bob must not see alice's private key by default")
}

func TestPublicFlagAllowsCrossUserReads(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("proj-1", "alice", "k", true, []byte("shared-value")))

	got, found, err := m.Get("proj-1", "bob", "k", true)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("shared-value"), got)
}

func TestSetIfEqualsSucceedsOnlyWhenPriorValueMatches(t *testing.T) {
	m := newTestManager(t)

	// CAS against absence.
	ok, err := m.SetIfEquals("proj-1", "alice", "counter", false, nil, []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	// Wrong expectation fails and leaves the value untouched.
	ok, err = m.SetIfEquals("proj-1", "alice", "counter", false, []byte("wrong"), []byte("2"))
	require.NoError(t, err)
	require.False(t, ok)

	got, _, err := m.Get("proj-1", "alice", "counter", false)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	// Correct expectation succeeds.
	ok, err = m.SetIfEquals("proj-1", "alice", "counter", false, []byte("1"), []byte("2"))
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err = m.Get("proj-1", "alice", "counter", false)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
}

func TestDifferentProjectsAreEncryptedUnderDifferentKeys(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("proj-1", "alice", "k", false, []byte("v1")))
	require.NoError(t, m.Set("proj-2", "alice", "k", false, []byte("v2")))

	got1, _, err := m.Get("proj-1", "alice", "k", false)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got1)

	got2, _, err := m.Get("proj-2", "alice", "k", false)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got2)
}
