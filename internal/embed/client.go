package embed

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

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
)

// ClientConfig configures the HTTP embedder client.
type ClientConfig struct {
	// BaseURL is the embedder endpoint, e.g. "http://127.0.0.1:8876".
	BaseURL string
	// Model is the embedding model identifier, treated as opaque.
	Model string
	// MaxSeqLength is forwarded to the embedder per request.
	MaxSeqLength int
	// BatchSize bounds texts per request (default 32, max 256).
	BatchSize int
	// Timeout is the per-request deadline (default 120s).
	Timeout time.Duration
	// Retry overrides the default retry schedule.
	Retry RetryConfig
}

// Client is an HTTP embedder speaking the plain /embed contract:
//
//	POST /embed {model, texts, options{max_seq_length, normalize}} ->
//	     {embeddings: [[float]], model, dimension}
//	GET  /health -> {status: "ok"}
type Client struct {
	cfg    ClientConfig
	client *http.Client
	dims   int
}

var _ Embedder = (*Client)(nil)

// NewClient creates an embedder client. The connection pool is sized for
// the bounded build worker pool.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := &http.Transport{
		MaxIdleConns:        DefaultWorkers,
		MaxIdleConnsPerHost: DefaultWorkers,
		IdleConnTimeout:     10 * time.Second,
	}
	// No client-level timeout: per-request contexts carry the deadline so
	// cancellation aborts in-flight requests.
	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

type embedRequest struct {
	Model   string   `json:"model"`
	Texts   []string `json:"texts"`
	Options Options  `json:"options"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Model      string      `json:"model"`
	Dimension  int         `json:"dimension"`
}

// EmbedBatch embeds texts, splitting into batches of at most BatchSize and
// retrying transient failures. The returned rows are in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		rows, err := c.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{
		Model: c.cfg.Model,
		Texts: texts,
		Options: Options{
			MaxSeqLength: c.cfg.MaxSeqLength,
			Normalize:    true,
		},
	})
	if err != nil {
		return nil, cpmerrors.Embedder("encode embed request", err)
	}

	var resp embedResponse
	err = WithRetry(ctx, c.cfg.Retry, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/embed", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = httpResp.Body.Close() }()

		if httpResp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
			return fmt.Errorf("embedder returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
		}
		resp = embedResponse{}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return nil, cpmerrors.Embedder("embed request failed", err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, cpmerrors.Embedder(
			fmt.Sprintf("embedder returned %d rows for %d texts", len(resp.Embeddings), len(texts)), nil)
	}
	dim := resp.Dimension
	if dim == 0 && len(resp.Embeddings) > 0 {
		dim = len(resp.Embeddings[0])
	}
	for i, row := range resp.Embeddings {
		if len(row) != dim {
			return nil, cpmerrors.Embedder(
				fmt.Sprintf("row %d has dim %d, want %d", i, len(row), dim), nil)
		}
	}
	if c.dims == 0 {
		c.dims = dim
	} else if c.dims != dim {
		return nil, cpmerrors.Embedder(
			fmt.Sprintf("embedder dimension changed from %d to %d", c.dims, dim), nil)
	}
	return resp.Embeddings, nil
}

// Dimensions returns the embedding dimension observed so far.
func (c *Client) Dimensions() int { return c.dims }

// ModelName returns the configured model identifier.
func (c *Client) ModelName() string { return c.cfg.Model }

// Available checks /health with a short deadline.
func (c *Client) Available(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Debug("embedder_health_failed", slog.String("error", err.Error()))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
