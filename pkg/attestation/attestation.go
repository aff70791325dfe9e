// Package attestation parses and verifies TEE attestation quotes and
// builds the signed hash-tuple preimage a worker submits alongside a
// completed job.
package attestation

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/outlayer/pkg/apierr"
)

// Quote is the opaque binary blob a worker presents to prove it is
// running inside an attested TEE. The wire format is an implementation
// detail of worker and keystore alone; everything else treats it as bytes.
type Quote struct {
	Measurement string    `json:"measurement"` // 96 hex TEE state register hash
	ExpiresAt   time.Time `json:"expires_at"`
	Report      []byte    `json:"report,omitempty"` // optional report data bound into the signature
	SignerKey   []byte    `json:"signer_key"`       // ed25519 public key, the root of the signature chain
	Signature   []byte    `json:"signature"`        // signature over (measurement || expires_at || report) by SignerKey
}

// preimage returns the bytes the quote's signature is computed over.
func (q *Quote) preimage() []byte {
	b := []byte(q.Measurement + q.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return append(b, q.Report...)
}

// ParseQuote decodes the opaque quote bytes presented by a worker.
func ParseQuote(raw []byte) (*Quote, error) {
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrBadQuote, err)
	}
	if len(q.SignerKey) != ed25519.PublicKeySize || len(q.Signature) != ed25519.SignatureSize {
		return nil, apierr.ErrBadQuote
	}
	return &q, nil
}

// GenerateSigningKey creates a fresh ed25519 key pair for a worker's
// quoting identity. In a real TEE this key would be hardware-bound and
// attested by the manufacturer's root; here the public half is what an
// operator adds to the Keystore's trusted-roots allowlist out of band.
func GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// Sign produces a quote asserting measurement, valid for ttl, signed by priv.
func Sign(measurement string, ttl time.Duration, pub ed25519.PublicKey, priv ed25519.PrivateKey) ([]byte, error) {
	return SignReport(measurement, nil, ttl, pub, priv)
}

// SignReport is Sign with report data bound into the signature: the
// execution-proof preimage (see BuildPreimage) a completed job's quote
// commits to.
func SignReport(measurement string, report []byte, ttl time.Duration, pub ed25519.PublicKey, priv ed25519.PrivateKey) ([]byte, error) {
	q := Quote{
		Measurement: measurement,
		ExpiresAt:   time.Now().UTC().Add(ttl),
		Report:      report,
		SignerKey:   pub,
	}
	q.Signature = ed25519.Sign(priv, q.preimage())
	return json.Marshal(q)
}

// Verify checks the quote's signature chain against trustedRoots, rejects
// expired quotes, and confirms the measurement is on the allowlist. It
// returns the verified measurement on success.
func Verify(raw []byte, trustedRoots []ed25519.PublicKey, allowedMeasurements map[string]bool) (string, error) {
	q, err := ParseQuote(raw)
	if err != nil {
		return "", err
	}

	trusted := false
	for _, root := range trustedRoots {
		if bytes.Equal(root, q.SignerKey) {
			trusted = true
			break
		}
	}
	if !trusted || !ed25519.Verify(q.SignerKey, q.preimage(), q.Signature) {
		return "", apierr.ErrBadQuote
	}

	if time.Now().UTC().After(q.ExpiresAt) {
		return "", apierr.ErrBadQuote
	}

	if !allowedMeasurements[q.Measurement] {
		return "", apierr.ErrMeasurementRejected
	}

	return q.Measurement, nil
}

// HashTuple is the set of content-identity hashes an attestation binds.
type HashTuple struct {
	InputHash  string
	WasmHash   string
	OutputHash string

	Repo        string
	Commit      string
	BuildTarget string

	RequestID       string
	Caller          string
	TxHash          string
	BlockHeight     uint64
	CallID          string
	PaymentKeyOwner string
	PaymentKeyNonce uint64

	// V1 extension fields, included in the preimage only when CreatedAt is
	// at or after the configured activation time (see BuildPreimage).
	ProjectID   string
	SecretsRef  string
	AttachedUSD string

	CreatedAt time.Time
}

// BuildPreimage constructs the bytes a worker signs to produce an
// attestation over (input_hash, wasm_hash, output_hash, code_identity,
// context), including the V1 fields (project_id, secrets_ref,
// attached_usd) only once rec.CreatedAt is at or after v1Since. A zero
// v1Since (this implementation's default) means V1 fields are always
// included.
func BuildPreimage(rec HashTuple, v1Since time.Time) []byte {
	parts := []string{
		rec.InputHash, rec.WasmHash, rec.OutputHash,
		rec.Repo, rec.Commit, rec.BuildTarget,
		rec.RequestID, rec.Caller, rec.TxHash,
		strconv.FormatUint(rec.BlockHeight, 10),
		rec.CallID, rec.PaymentKeyOwner,
		strconv.FormatUint(rec.PaymentKeyNonce, 10),
	}
	if !rec.CreatedAt.Before(v1Since) {
		parts = append(parts, rec.ProjectID, rec.SecretsRef, rec.AttachedUSD)
	}

	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	sum := sha256.Sum256(buf.Bytes())
	return sum[:]
}
