package coordinator

import (
	"testing"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestTokenManager(t *testing.T) *TokenManager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewTokenManager(store)
}

func TestTokenIssueAndValidate(t *testing.T) {
	tm := newTestTokenManager(t)

	token, err := tm.Issue("worker-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, tm.Validate("worker-1", token))
	require.ErrorIs(t, tm.Validate("worker-1", "not-the-token"), apierr.ErrUnauthorized)
	require.ErrorIs(t, tm.Validate("worker-2", token), apierr.ErrUnauthorized)
}

func TestTokenReissueInvalidatesOld(t *testing.T) {
	tm := newTestTokenManager(t)

	first, err := tm.Issue("worker-1")
	require.NoError(t, err)
	second, err := tm.Issue("worker-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	require.ErrorIs(t, tm.Validate("worker-1", first), apierr.ErrUnauthorized)
	require.NoError(t, tm.Validate("worker-1", second))
}

func TestTokenRevoke(t *testing.T) {
	tm := newTestTokenManager(t)

	token, err := tm.Issue("worker-1")
	require.NoError(t, err)
	require.NoError(t, tm.Revoke("worker-1"))
	require.ErrorIs(t, tm.Validate("worker-1", token), apierr.ErrUnauthorized)
}
