// Package keystore implements the sealed secret-release service: an
// asymmetric key pair used to seal/unseal per-tenant secret bundles, and
// the four-step policy evaluation algorithm gating every decrypt.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/attestation"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/types"
	"golang.org/x/crypto/nacl/box"
)

// Keystore holds the process's asymmetric key pair in memory only; the
// private half never leaves this struct.
type Keystore struct {
	publicKey  *[32]byte
	privateKey *[32]byte

	trustedRoots        []ed25519.PublicKey
	allowedMeasurements map[string]bool

	lookup TokenBalanceLookup

	mu           sync.RWMutex
	balanceCache map[string]cachedBalance
}

type cachedBalance struct {
	balance   string
	fetchedAt time.Time
}

const balanceCacheTTL = 30 * time.Second

// Config bootstraps a Keystore.
type Config struct {
	TrustedRoots        []ed25519.PublicKey
	AllowedMeasurements map[string]bool
	Lookup              TokenBalanceLookup
}

// New generates a fresh curve25519 key pair and returns a ready Keystore.
func New(cfg Config) (*Keystore, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: generate key pair: %w", err)
	}
	return &Keystore{
		publicKey:           pub,
		privateKey:          priv,
		trustedRoots:        cfg.TrustedRoots,
		allowedMeasurements: cfg.AllowedMeasurements,
		lookup:              cfg.Lookup,
		balanceCache:        make(map[string]cachedBalance),
	}, nil
}

// PublicKey returns the public half of the key pair, published to
// submitters so they can seal secret bundles with box.Seal/SealAnonymous.
func (k *Keystore) PublicKey() []byte {
	return k.publicKey[:]
}

// DecryptRequest bundles everything decrypt needs to evaluate the
// four-step algorithm.
type DecryptRequest struct {
	Ciphertext []byte
	Policy     types.Policy
	Accessor   types.Accessor
	Quote      []byte // attestation quote

	SignerAccount  string
	CallerRepo     string
	CallerBranch   string
	CallerWasmHash string
}

// Decrypt runs the four-step policy evaluation algorithm and, on success,
// returns the plaintext JSON object `{name: string}`. Every refusal
// returns one of the typed apierr sentinel errors.
func (k *Keystore) Decrypt(ctx context.Context, req DecryptRequest) (map[string]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KeystoreDecryptDuration)

	// Step 1: verify the attestation quote and extract the measurement.
	_, err := attestation.Verify(req.Quote, k.trustedRoots, k.allowedMeasurements)
	if err != nil {
		k.recordOutcome(err)
		return nil, err
	}

	// Step 2: normalize and match the accessor.
	if !MatchAccessor(req.Accessor, req.CallerRepo, req.CallerBranch, req.CallerWasmHash) {
		k.recordOutcome(apierr.ErrAccessorMismatch)
		return nil, apierr.ErrAccessorMismatch
	}

	// Step 3: evaluate the access policy.
	allowed, err := EvaluatePolicy(ctx, req.Policy, req.SignerAccount, k.cachedLookup)
	if err != nil {
		k.recordOutcome(apierr.ErrExternalLookupTimeout)
		return nil, apierr.ErrExternalLookupTimeout
	}
	if !allowed {
		metrics.KeystorePolicyDenialsTotal.WithLabelValues(string(req.Policy.Kind)).Inc()
		k.recordOutcome(apierr.ErrPolicyDenied)
		return nil, apierr.ErrPolicyDenied
	}

	// Step 4: decrypt with the private key and parse as JSON.
	plaintext, ok := box.OpenAnonymous(nil, req.Ciphertext, k.publicKey, k.privateKey)
	if !ok {
		k.recordOutcome(apierr.ErrMalformedCiphertext)
		return nil, apierr.ErrMalformedCiphertext
	}

	var out map[string]string
	if err := json.Unmarshal(plaintext, &out); err != nil {
		k.recordOutcome(apierr.ErrMalformedPlaintext)
		return nil, apierr.ErrMalformedPlaintext
	}

	k.recordOutcome(nil)
	return out, nil
}

func (k *Keystore) recordOutcome(err error) {
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	metrics.KeystoreDecryptsTotal.WithLabelValues(outcome).Inc()
}

// cachedLookup wraps the configured TokenBalanceLookup with a short TTL
// cache: bound the external call rate without ever serving a stale allow
// past the TTL.
func (k *Keystore) cachedLookup(ctx context.Context, contract, account string) (string, error) {
	key := contract + "/" + account

	k.mu.RLock()
	entry, ok := k.balanceCache[key]
	k.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < balanceCacheTTL {
		return entry.balance, nil
	}

	if k.lookup == nil {
		return "", fmt.Errorf("keystore: no token balance lookup configured")
	}
	balance, err := k.lookup(ctx, contract, account)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	k.balanceCache[key] = cachedBalance{balance: balance, fetchedAt: time.Now()}
	k.mu.Unlock()
	return balance, nil
}
