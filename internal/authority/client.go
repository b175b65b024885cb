// Package authority implements the HTTP client for the remote
// entitlement authority: activation sync, validity polling and tier
// upgrades, all JSON POSTs keyed by client_id.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tiergate/internal/entitlement"
	apperrors "tiergate/internal/errors"
	"tiergate/internal/infrastructure"
)

// Client talks to the remote entitlement authority. Transport failures
// are classified as NetworkError so the reconciler can fail open;
// explicit negative responses are the only thing reported as
// authoritative.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client, for tests.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// NewClient creates a client for the authority at baseURL. Per-call
// deadlines come from the caller's context; the embedded client timeout
// is only a backstop.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
		logger:  infrastructure.WithComponent(infrastructure.GetLogger(), "authority_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type syncRequest struct {
	ClientID    string `json:"client_id"`
	CodeID      string `json:"code_id"`
	DeviceInfo  string `json:"device_info"`
	Tier        string `json:"tier"`
	ActivatedAt string `json:"activated_at"`
}

type syncResponse struct {
	Success bool `json:"success"`
}

type verifyRequest struct {
	ClientID string `json:"client_id"`
	CodeID   string `json:"code_id"`
}

// Valid is a pointer so a response that omits the field entirely can be
// told apart from an explicit revocation.
type verifyResponse struct {
	Valid *bool `json:"valid"`
}

type upgradeRequest struct {
	ClientID   string `json:"client_id"`
	CodeID     string `json:"code_id,omitempty"`
	TargetTier string `json:"target_tier"`
}

type upgradeResponse struct {
	Success   bool   `json:"success"`
	Tier      string `json:"tier,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CodeID    string `json:"code_id,omitempty"`
}

// UpgradeResult is the authority's answer to an upgrade request.
type UpgradeResult struct {
	Tier      entitlement.Tier
	ExpiresAt *time.Time
	CodeID    string
}

// Sync pushes a fresh activation to the authority. Best-effort: the
// caller treats any error as non-fatal.
func (c *Client) Sync(ctx context.Context, req entitlement.PushRequest) error {
	body := syncRequest{
		ClientID:   req.ClientID,
		CodeID:     req.CodeID,
		DeviceInfo: req.DeviceInfo,
		Tier:       string(req.Tier),
	}
	if !req.ActivatedAt.IsZero() {
		body.ActivatedAt = req.ActivatedAt.UTC().Format(time.RFC3339)
	}

	var resp syncResponse
	if err := c.post(ctx, "/api/entitlements/sync", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: sync not accepted", apperrors.ErrRemoteRejected)
	}
	return nil
}

// Verify polls whether the authority still considers the code valid for
// this client. (false, nil) is an authoritative revocation; every
// transport problem comes back as a NetworkError instead.
func (c *Client) Verify(ctx context.Context, clientID, codeID string) (bool, error) {
	var resp verifyResponse
	err := c.post(ctx, "/api/entitlements/verify", verifyRequest{
		ClientID: clientID,
		CodeID:   codeID,
	}, &resp)
	if err != nil {
		return false, err
	}
	// Only an explicit answer is authoritative. A well-formed response
	// missing the field is a protocol anomaly, not a revocation.
	if resp.Valid == nil {
		return false, fmt.Errorf("%w: verify response missing valid field", apperrors.ErrNetwork)
	}
	return *resp.Valid, nil
}

// Upgrade requests a tier change, synchronously. An explicit refusal is
// RemoteRejection; a response omitting the new code id is passed
// through for the service layer to decide on code-id reuse.
func (c *Client) Upgrade(ctx context.Context, clientID, codeID string, targetTier entitlement.Tier) (*UpgradeResult, error) {
	var resp upgradeResponse
	err := c.post(ctx, "/api/entitlements/upgrade", upgradeRequest{
		ClientID:   clientID,
		CodeID:     codeID,
		TargetTier: string(targetTier),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: upgrade refused", apperrors.ErrRemoteRejected)
	}

	result := &UpgradeResult{
		Tier:   entitlement.ParseTier(resp.Tier),
		CodeID: resp.CodeID,
	}
	if resp.ExpiresAt != "" {
		if t, perr := time.Parse(time.RFC3339, resp.ExpiresAt); perr == nil {
			result.ExpiresAt = &t
		}
	}
	return result, nil
}

// post sends a JSON POST and decodes the JSON response. Anything that
// prevents reading a well-formed 2xx response maps to NetworkError.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no authority URL configured", apperrors.ErrNetwork)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "Authority request completed",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: authority returned status %d", apperrors.ErrNetwork, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", apperrors.ErrNetwork, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", apperrors.ErrNetwork, err)
	}
	return nil
}
