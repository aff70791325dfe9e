package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/attestation"
	"github.com/cuemby/outlayer/pkg/types"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func signedQuote(t *testing.T, measurement string, root ed25519.PublicKey, priv ed25519.PrivateKey, expiresAt time.Time) []byte {
	t.Helper()
	q := attestation.Quote{Measurement: measurement, ExpiresAt: expiresAt, SignerKey: root}
	preimage := []byte(q.Measurement + q.ExpiresAt.UTC().Format(time.RFC3339Nano))
	q.Signature = ed25519.Sign(priv, preimage)
	raw, err := json.Marshal(q)
	require.NoError(t, err)
	return raw
}

func newTestKeystore(t *testing.T) (*Keystore, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	root, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks, err := New(Config{
		TrustedRoots:        []ed25519.PublicKey{root},
		AllowedMeasurements: map[string]bool{"good-measurement": true},
	})
	require.NoError(t, err)
	return ks, root, priv
}

func TestDecryptAllowAllPolicy(t *testing.T) {
	ks, root, priv := newTestKeystore(t)
	quote := signedQuote(t, "good-measurement", root, priv, time.Now().Add(time.Hour))

	plaintext, err := json.Marshal(map[string]string{"api_key": "secret-value"})
	require.NoError(t, err)
	ciphertext, err := box.SealAnonymous(nil, plaintext, ks.publicKey, nil)
	require.NoError(t, err)

	req := DecryptRequest{
		Ciphertext: ciphertext,
		Policy:     types.Policy{Kind: types.PolicyKindAllowAll},
		Accessor:   types.Accessor{Kind: types.AccessorKindRepo, Repo: "github.com/acme/repo"},
		Quote:      quote,
		SignerAccount: "alice.near",
		CallerRepo:    "github.com/acme/repo",
	}
	out, err := ks.Decrypt(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "secret-value", out["api_key"])
}

func TestDecryptRejectsUnknownMeasurement(t *testing.T) {
	ks, root, priv := newTestKeystore(t)
	quote := signedQuote(t, "unknown-measurement", root, priv, time.Now().Add(time.Hour))

	req := DecryptRequest{
		Quote:    quote,
		Policy:   types.Policy{Kind: types.PolicyKindAllowAll},
		Accessor: types.Accessor{Kind: types.AccessorKindRepo},
	}
	_, err := ks.Decrypt(context.Background(), req)
	require.ErrorIs(t, err, apierr.ErrMeasurementRejected)
}

func TestDecryptRejectsExpiredQuote(t *testing.T) {
	ks, root, priv := newTestKeystore(t)
	quote := signedQuote(t, "good-measurement", root, priv, time.Now().Add(-time.Hour))

	req := DecryptRequest{Quote: quote, Policy: types.Policy{Kind: types.PolicyKindAllowAll}}
	_, err := ks.Decrypt(context.Background(), req)
	require.ErrorIs(t, err, apierr.ErrBadQuote)
}

func TestDecryptRejectsAccessorMismatch(t *testing.T) {
	ks, root, priv := newTestKeystore(t)
	quote := signedQuote(t, "good-measurement", root, priv, time.Now().Add(time.Hour))

	req := DecryptRequest{
		Quote:      quote,
		Policy:     types.Policy{Kind: types.PolicyKindAllowAll},
		Accessor:   types.Accessor{Kind: types.AccessorKindRepo, Repo: "github.com/acme/expected"},
		CallerRepo: "github.com/acme/other",
	}
	_, err := ks.Decrypt(context.Background(), req)
	require.ErrorIs(t, err, apierr.ErrAccessorMismatch)
}

func TestDecryptExternalLookupTimeoutIsDenial(t *testing.T) {
	root, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ks, err := New(Config{
		TrustedRoots:        []ed25519.PublicKey{root},
		AllowedMeasurements: map[string]bool{"good-measurement": true},
		Lookup: func(ctx context.Context, contract, account string) (string, error) {
			return "", context.DeadlineExceeded
		},
	})
	require.NoError(t, err)
	quote := signedQuote(t, "good-measurement", root, priv, time.Now().Add(time.Hour))

	req := DecryptRequest{
		Quote: quote,
		Policy: types.Policy{
			Kind:          types.PolicyKindTokenBalance,
			TokenContract: "token.near",
			MinBalance:    "100",
		},
		Accessor: types.Accessor{Kind: types.AccessorKindRepo},
	}
	_, err = ks.Decrypt(context.Background(), req)
	require.ErrorIs(t, err, apierr.ErrExternalLookupTimeout)
}

func TestEvaluatePolicyTokenBalance(t *testing.T) {
	lookup := func(ctx context.Context, contract, account string) (string, error) {
		return "500", nil
	}
	ok, err := EvaluatePolicy(context.Background(), types.Policy{
		Kind:          types.PolicyKindTokenBalance,
		TokenContract: "token.near",
		MinBalance:    "100",
	}, "alice.near", lookup)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluatePolicy(context.Background(), types.Policy{
		Kind:          types.PolicyKindTokenBalance,
		TokenContract: "token.near",
		MinBalance:    "1000",
	}, "alice.near", lookup)
	require.NoError(t, err)
	require.False(t, ok)
}
