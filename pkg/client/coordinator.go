// Package client implements the Worker's HTTP clients for the Coordinator
// and the Keystore: the request/response plumbing mirroring the wire
// shapes defined in pkg/coordinator and pkg/keystore, with retries left
// to the caller's poll loop rather than baked in here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/outlayer/pkg/types"
)

// Coordinator is an HTTP client for a single job's-eye view of the
// Coordinator: claim, poll, complete, artifact transfer, locks,
// heartbeat, registration, and per-project storage.
type Coordinator struct {
	baseURL  string
	workerID string
	token    string
	hc       *http.Client
}

// NewCoordinator returns a client bound to baseURL, authenticating every
// request as workerID with token (obtained via Register).
func NewCoordinator(baseURL, workerID, token string) *Coordinator {
	return &Coordinator{
		baseURL:  baseURL,
		workerID: workerID,
		token:    token,
		hc:       &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken returns a copy of c authenticated with token, used after Register.
func (c *Coordinator) WithToken(token string) *Coordinator {
	c2 := *c
	c2.token = token
	return &c2
}

func (c *Coordinator) authedRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Worker-ID", c.workerID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Coordinator) doJSON(ctx context.Context, method, path string, in, out interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.authedRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp, decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("coordinator: %s (%d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("coordinator: request failed with status %d", resp.StatusCode)
}

// Register obtains a fresh bearer token for workerID, used once at startup.
func (c *Coordinator) Register(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/workers/register", map[string]string{"worker_id": c.workerID}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// Claim attempts to claim pending jobs belonging to requestID atomically.
func (c *Coordinator) Claim(ctx context.Context, requestID string) ([]*types.Job, error) {
	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/executions/claim", map[string]string{
		"worker_id":  c.workerID,
		"request_id": requestID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Poll long-polls the coordinator for a single pending job, returning (nil, nil) on timeout.
func (c *Coordinator) Poll(ctx context.Context, timeout time.Duration) (*types.Job, error) {
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 20
	}
	req, err := c.authedRequest(ctx, http.MethodGet, "/executions/poll?timeout="+strconv.Itoa(secs), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	var out struct {
		Job *types.Job `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Job, nil
}

// AttestationSubmission is the signed execution proof attached to Complete.
type AttestationSubmission struct {
	Quote             []byte `json:"quote"`
	WorkerMeasurement string `json:"worker_measurement"`
	InputHash         string `json:"input_hash,omitempty"`
	WasmHash          string `json:"wasm_hash,omitempty"`
	OutputHash        string `json:"output_hash,omitempty"`
}

// CompleteRequest reports a finished job's outcome back to the Coordinator.
type CompleteRequest struct {
	JobID          string
	Status         types.JobStatus
	Output         []byte
	WasmChecksum   string
	Metrics        types.Metrics
	Error          string
	SettlementHint string
	Attestation    *AttestationSubmission
}

// Complete reports a job's terminal outcome.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/executions/complete", map[string]interface{}{
		"job_id":          req.JobID,
		"status":          req.Status,
		"output":          req.Output,
		"wasm_checksum":   req.WasmChecksum,
		"metrics":         req.Metrics,
		"error":           req.Error,
		"settlement_hint": req.SettlementHint,
		"attestation":     req.Attestation,
	}, nil)
	return err
}

// SubmitResult asks the coordinator to forward a terminal job's persisted
// outcome to its result sink.
func (c *Coordinator) SubmitResult(ctx context.Context, jobID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/submit_result", map[string]string{"job_id": jobID}, nil)
	return err
}

// WasmExists checks whether the compiled artifact for checksum is already cached.
func (c *Coordinator) WasmExists(ctx context.Context, checksum string) (exists bool, contentHash string, size int64, err error) {
	var out struct {
		Exists      bool   `json:"exists"`
		ContentHash string `json:"content_hash"`
		Size        int64  `json:"size"`
	}
	_, err = c.doJSON(ctx, http.MethodGet, "/wasm/exists/"+url.PathEscape(checksum), nil, &out)
	if err != nil {
		return false, "", 0, err
	}
	return out.Exists, out.ContentHash, out.Size, nil
}

// WasmDownload fetches a cached compiled artifact by checksum.
func (c *Coordinator) WasmDownload(ctx context.Context, checksum string) ([]byte, error) {
	req, err := c.authedRequest(ctx, http.MethodGet, "/wasm/"+url.PathEscape(checksum), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

// WasmUpload pushes a newly-compiled artifact to the coordinator's cache.
func (c *Coordinator) WasmUpload(ctx context.Context, checksum, repo, commit string, wasm []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("checksum", checksum)
	_ = mw.WriteField("repo_url", repo)
	_ = mw.WriteField("commit_hash", commit)
	part, err := mw.CreateFormFile("wasm_file", "out.wasm")
	if err != nil {
		return err
	}
	if _, err := part.Write(wasm); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := c.authedRequest(ctx, http.MethodPost, "/wasm/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

// AcquireLock attempts to acquire the compile-dedup lock identified by key for ttl.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var out struct {
		Acquired bool `json:"acquired"`
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/locks/acquire", map[string]interface{}{
		"lock_key":    key,
		"worker_id":   c.workerID,
		"ttl_seconds": int(ttl.Seconds()),
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Acquired, nil
}

// ReleaseLock releases key if currently held by this worker.
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	req, err := c.authedRequest(ctx, http.MethodDelete, "/locks/release/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

// Heartbeat reports liveness, current measurement, and observed queue depth.
func (c *Coordinator) Heartbeat(ctx context.Context, measurement string, queueDepth int) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/heartbeat", map[string]interface{}{
		"worker_id":            c.workerID,
		"measurement":          measurement,
		"queue_depth_observed": queueDepth,
	}, nil)
	return err
}

// SecretBundleLookup fetches the encrypted secret bundle matching profile/accountID.
func (c *Coordinator) SecretBundleLookup(ctx context.Context, profile, accountID string) (*types.SecretBundle, error) {
	var out struct {
		Bundle *types.SecretBundle `json:"bundle"`
	}
	q := url.Values{"profile": {profile}, "account_id": {accountID}}
	_, err := c.doJSON(ctx, http.MethodGet, "/secrets/lookup?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Bundle, nil
}

// StorageGet reads a project-scoped key.
func (c *Coordinator) StorageGet(ctx context.Context, projectID, userID, key string, public bool) ([]byte, bool, error) {
	var out struct {
		Value []byte `json:"value"`
		Found bool   `json:"found"`
	}
	q := url.Values{"user_id": {userID}}
	if public {
		q.Set("public", "true")
	}
	path := fmt.Sprintf("/storage/%s/%s?%s", url.PathEscape(projectID), url.PathEscape(key), q.Encode())
	_, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

// StorageSet writes a project-scoped key, last-writer-wins.
func (c *Coordinator) StorageSet(ctx context.Context, projectID, userID, key string, public bool, value []byte) error {
	path := fmt.Sprintf("/storage/%s/%s", url.PathEscape(projectID), url.PathEscape(key))
	_, err := c.doJSON(ctx, http.MethodPut, path, map[string]interface{}{
		"value": value, "public": public, "user_id": userID,
	}, nil)
	return err
}

// StorageCAS writes a project-scoped key only if its current value equals expected.
func (c *Coordinator) StorageCAS(ctx context.Context, projectID, userID, key string, public bool, expected, value []byte) (bool, error) {
	var out struct {
		Succeeded bool `json:"succeeded"`
	}
	path := fmt.Sprintf("/storage/%s/%s/cas", url.PathEscape(projectID), url.PathEscape(key))
	_, err := c.doJSON(ctx, http.MethodPost, path, map[string]interface{}{
		"expected": expected, "value": value, "public": public, "user_id": userID,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Succeeded, nil
}
