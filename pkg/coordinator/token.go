package coordinator

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/cuemby/outlayer/pkg/types"
)

// TokenManager issues and validates the bearer tokens workers present as
// `Authorization: Bearer <token>`. Only a SHA-256 hash of the token is
// ever persisted, so a leaked snapshot or log entry never discloses a
// usable credential.
type TokenManager struct {
	store storage.Store
}

// NewTokenManager wraps store, which must be the cluster's replicated
// store so issuance is durable and visible cluster-wide.
func NewTokenManager(store storage.Store) *TokenManager {
	return &TokenManager{store: store}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue generates a fresh random bearer token for workerID, persists its
// hash, and returns the raw token exactly once — it is never recoverable
// from the store afterward.
func (tm *TokenManager) Issue(workerID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("coordinator: generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	w, err := tm.store.GetWorker(workerID)
	if err != nil {
		w = &types.WorkerRegistration{WorkerID: workerID, RegisteredAt: now}
		w.TokenHash = hashToken(token)
		w.LastHeartbeat = now
		if err := tm.store.CreateWorker(w); err != nil {
			return "", fmt.Errorf("coordinator: register worker %s: %w", workerID, err)
		}
		return token, nil
	}

	w.TokenHash = hashToken(token)
	w.LastHeartbeat = now
	if err := tm.store.UpdateWorker(w); err != nil {
		return "", fmt.Errorf("coordinator: reissue token for %s: %w", workerID, err)
	}
	return token, nil
}

// Validate reports whether rawToken is the current credential for
// workerID, in constant time.
func (tm *TokenManager) Validate(workerID, rawToken string) error {
	w, err := tm.store.GetWorker(workerID)
	if err != nil {
		return apierr.ErrUnauthorized
	}
	want := hashToken(rawToken)
	if subtle.ConstantTimeCompare([]byte(want), []byte(w.TokenHash)) != 1 {
		return apierr.ErrUnauthorized
	}
	return nil
}

// Revoke clears workerID's token hash, rejecting future bearer auth until
// a new token is issued.
func (tm *TokenManager) Revoke(workerID string) error {
	w, err := tm.store.GetWorker(workerID)
	if err != nil {
		return nil
	}
	w.TokenHash = ""
	return tm.store.UpdateWorker(w)
}
