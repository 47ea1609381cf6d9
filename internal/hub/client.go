// Package hub is the client for the registry service's resolve and policy
// contracts: /v1/resolve, /v1/policy/evaluate, /v1/capabilities.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/policy"
	"github.com/cpmkit/cpm/internal/trust"
)

// DefaultTimeout is the hub call deadline.
const DefaultTimeout = 5 * time.Second

// Settings configure the hub client.
type Settings struct {
	// BaseURL is the hub endpoint; empty disables the hub.
	BaseURL string `yaml:"url"`
	// EnforceRemotePolicy makes hub failures fail-closed.
	EnforceRemotePolicy bool `yaml:"enforce_remote_policy"`
	// Timeout overrides the default call deadline.
	Timeout time.Duration `yaml:"timeout"`
}

// Client talks to the hub.
type Client struct {
	settings Settings
	client   *http.Client
}

// New creates a hub client.
func New(settings Settings) *Client {
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &Client{settings: settings, client: &http.Client{}}
}

// Enabled reports whether a hub endpoint is configured.
func (c *Client) Enabled() bool { return c.settings.BaseURL != "" }

// EnforceRemotePolicy reports the fail-closed setting.
func (c *Client) EnforceRemotePolicy() bool { return c.settings.EnforceRemotePolicy }

// ResolveResponse is the /v1/resolve payload.
type ResolveResponse struct {
	URI    string        `json:"uri"`
	Digest string        `json:"digest"`
	Refs   []string      `json:"refs,omitempty"`
	Trust  *trust.Report `json:"trust,omitempty"`
}

// Resolve asks the hub to resolve a source URI to a pinned digest.
func (c *Client) Resolve(ctx context.Context, uri string) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.post(ctx, "/v1/resolve", map[string]string{"uri": uri}, &resp); err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeSourceResolve, err)
	}
	if resp.Digest == "" {
		return nil, cpmerrors.New(cpmerrors.ErrCodeSourceResolve,
			fmt.Sprintf("hub did not resolve %s to a digest", uri), nil)
	}
	return &resp, nil
}

// EvaluatePolicy implements policy.RemoteEvaluator over
// /v1/policy/evaluate.
func (c *Client) EvaluatePolicy(ctx context.Context, p policy.Policy, input policy.Input) (*policy.Result, error) {
	payload := map[string]any{
		"policy": p,
		"context": map[string]any{
			"operation":      string(input.Operation),
			"source_uri":     input.SourceURI,
			"trust":          input.Trust,
			"tokens":         input.Tokens,
			"declared_model": input.DeclaredModel,
		},
	}
	var result policy.Result
	if err := c.post(ctx, "/v1/policy/evaluate", payload, &result); err != nil {
		return nil, err
	}
	if result.Decision == "" {
		return nil, fmt.Errorf("hub returned no policy decision")
	}
	return &result, nil
}

// Capabilities is the /v1/capabilities payload.
type Capabilities struct {
	Verify    []string `json:"verify"`
	Retrieval []string `json:"retrieval"`
}

// GetCapabilities fetches the hub's advertised capabilities.
func (c *Client) GetCapabilities(ctx context.Context) (*Capabilities, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.settings.BaseURL+"/v1/capabilities", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, cpmerrors.Wrap(cpmerrors.ErrCodeHubUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, cpmerrors.New(cpmerrors.ErrCodeHubUnreachable,
			fmt.Sprintf("hub capabilities returned %d", resp.StatusCode), nil)
	}
	var caps Capabilities
	if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if !c.Enabled() {
		return fmt.Errorf("hub not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.settings.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hub %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ policy.RemoteEvaluator = (*Client)(nil)
