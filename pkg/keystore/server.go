package keystore

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/outlayer/pkg/apierr"
	"github.com/cuemby/outlayer/pkg/types"
)

// Server is the Keystore's own HTTP surface: GET /pubkey and
// POST /decrypt. It carries no persistent state beyond the wrapped
// Keystore's in-memory key pair and measurement allowlist.
type Server struct {
	ks  *Keystore
	mux *http.ServeMux
}

// NewServer wires a Server over ks.
func NewServer(ks *Keystore) *Server {
	s := &Server{ks: ks}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /pubkey", s.handlePublicKey)
	mux.HandleFunc("POST /decrypt", s.handleDecrypt)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pubKeyResponse{PublicKey: s.ks.PublicKey()})
}

// decryptWireRequest is the wire shape of POST /decrypt: ciphertext,
// accessor, policy handle, context, and the worker's attestation quote.
type decryptWireRequest struct {
	Ciphertext []byte        `json:"ciphertext"`
	Accessor   types.Accessor `json:"accessor"`
	Policy     types.Policy   `json:"policy"`
	Quote      []byte        `json:"quote"`

	SignerAccount  string `json:"signer_account"`
	CallerRepo     string `json:"caller_repo,omitempty"`
	CallerBranch   string `json:"caller_branch,omitempty"`
	CallerWasmHash string `json:"caller_wasm_hash,omitempty"`
}

type pubKeyResponse struct {
	PublicKey []byte `json:"public_key"`
}

type decryptResponse struct {
	Secrets map[string]string `json:"secrets,omitempty"`
	Code    string            `json:"code,omitempty"`
}

// refusalCodes orders the Decrypt sentinel errors against the stable,
// machine-readable codes every refusal must carry. Order matters only in
// that ParseQuote's JSON-decode failure wraps ErrBadQuote with %w, so
// errors.Is (not map identity) is what resolves the code.
var refusalCodes = []struct {
	err  error
	code string
}{
	{apierr.ErrBadQuote, "BadQuote"},
	{apierr.ErrMeasurementRejected, "MeasurementRejected"},
	{apierr.ErrAccessorMismatch, "AccessorMismatch"},
	{apierr.ErrPolicyDenied, "PolicyDenied"},
	{apierr.ErrExternalLookupTimeout, "ExternalLookupTimeout"},
	{apierr.ErrMalformedCiphertext, "MalformedCiphertext"},
	{apierr.ErrMalformedPlaintext, "MalformedPlaintext"},
}

func refusalCode(err error) string {
	for _, rc := range refusalCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "PolicyDenied"
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req decryptWireRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, decryptResponse{Code: "MalformedCiphertext"})
		return
	}

	secrets, err := s.ks.Decrypt(r.Context(), DecryptRequest{
		Ciphertext:     req.Ciphertext,
		Policy:         req.Policy,
		Accessor:       req.Accessor,
		Quote:          req.Quote,
		SignerAccount:  req.SignerAccount,
		CallerRepo:     req.CallerRepo,
		CallerBranch:   req.CallerBranch,
		CallerWasmHash: req.CallerWasmHash,
	})
	if err != nil {
		writeJSON(w, http.StatusForbidden, decryptResponse{Code: refusalCode(err)})
		return
	}
	writeJSON(w, http.StatusOK, decryptResponse{Secrets: secrets})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
