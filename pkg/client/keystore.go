package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/outlayer/pkg/types"
)

// Keystore is an HTTP client for the sealed secret-release service.
type Keystore struct {
	baseURL string
	hc      *http.Client
}

// NewKeystore returns a client bound to baseURL.
func NewKeystore(baseURL string) *Keystore {
	return &Keystore{baseURL: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

// PublicKey fetches the keystore's curve25519 public key, used to seal
// secret bundles the keystore can later decrypt.
func (k *Keystore) PublicKey(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/pubkey", nil)
	if err != nil {
		return nil, err
	}
	resp, err := k.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("keystore: pubkey request failed with status %d", resp.StatusCode)
	}
	var out struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.PublicKey, nil
}

// DecryptRequest mirrors keystore.DecryptRequest over the wire, carrying
// the worker's freshly-generated attestation quote alongside the caller
// identity the keystore needs to evaluate the accessor and policy.
type DecryptRequest struct {
	Ciphertext []byte         `json:"ciphertext"`
	Accessor   types.Accessor `json:"accessor"`
	Policy     types.Policy   `json:"policy"`
	Quote      []byte         `json:"quote"`

	SignerAccount  string `json:"signer_account"`
	CallerRepo     string `json:"caller_repo,omitempty"`
	CallerBranch   string `json:"caller_branch,omitempty"`
	CallerWasmHash string `json:"caller_wasm_hash,omitempty"`
}

// RefusalError is returned when the keystore declines to decrypt, carrying
// the stable machine-readable refusal code (e.g. "PolicyDenied").
type RefusalError struct {
	Code string
}

func (e *RefusalError) Error() string { return "keystore: refused: " + e.Code }

// Decrypt requests the keystore decrypt ciphertext for the given accessor/policy.
func (k *Keystore) Decrypt(ctx context.Context, req DecryptRequest) (map[string]string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/decrypt", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := k.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Secrets map[string]string `json:"secrets,omitempty"`
		Code    string            `json:"code,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("keystore: decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &RefusalError{Code: out.Code}
	}
	return out.Secrets, nil
}
