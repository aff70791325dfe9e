// Package apierr defines the stable, machine-readable domain error codes used
// across the job store, artifact store, keystore, and coordinator.
package apierr

import "errors"

// Job Store / claim race errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("already claimed")
	ErrNotHolder      = errors.New("caller is not the current holder")
	ErrNotInProgress  = errors.New("job is not in_progress")
	ErrDuplicateJob   = errors.New("duplicate job for request_id/data_id/job_type")
)

// Artifact Store errors.
var (
	ErrChecksumMismatch  = errors.New("content hash mismatch")
	ErrBadWasmMagic      = errors.New("uploaded bytes are not a valid wasm module")
	ErrConflictingUpload = errors.New("conflicting content hash for existing checksum")
	ErrLockHeld          = errors.New("lock is held by another holder")
)

// Keystore refusal codes.
var (
	ErrBadQuote              = errors.New("bad_quote")
	ErrMeasurementRejected   = errors.New("measurement_rejected")
	ErrAccessorMismatch      = errors.New("accessor_mismatch")
	ErrPolicyDenied          = errors.New("policy_denied")
	ErrExternalLookupTimeout = errors.New("external_lookup_timeout")
	ErrMalformedCiphertext   = errors.New("malformed_ciphertext")
	ErrMalformedPlaintext    = errors.New("malformed_plaintext")
)

// Coordinator create_job rejections.
var (
	ErrLimitExceeded       = errors.New("limit_exceeded")
	ErrInsufficientPayment = errors.New("insufficient_payment")
	ErrMalformedDescriptor = errors.New("malformed_descriptor")
	ErrUnauthorized        = errors.New("unauthorized")
)
