package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubEmbedder_Deterministic(t *testing.T) {
	e := NewStubEmbedder("test-model", 4)
	a, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStubEmbedder_UnitVectors(t *testing.T) {
	e := NewStubEmbedder("test-model", 8)
	rows, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	for _, row := range rows {
		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}
	assert.NotEqual(t, rows[0], rows[1])
}

func TestStubEmbedder_ModelChangesVector(t *testing.T) {
	a, _ := NewStubEmbedder("model-a", 4).EmbedBatch(context.Background(), []string{"x"})
	b, _ := NewStubEmbedder("model-b", 4).EmbedBatch(context.Background(), []string{"x"})
	assert.NotEqual(t, a, b)
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
	err := WithRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	err := WithRetry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always down")
	})
	require.Error(t, err)
	assert.Equal(t, 5, attempts)
	assert.Contains(t, err.Error(), "after 5 attempts")
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, DefaultRetryConfig(), func() error { return errors.New("x") })
	assert.ErrorIs(t, err, context.Canceled)
}

func newEmbedServer(t *testing.T, dims int, fail *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case "/embed":
			if fail != nil && fail.Load() > 0 {
				fail.Add(-1)
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			rows := make([][]float32, len(req.Texts))
			for i := range req.Texts {
				row := make([]float32, dims)
				row[0] = float32(len(req.Texts[i]))
				rows[i] = row
			}
			_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: rows, Model: req.Model, Dimension: dims})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestClient_EmbedBatchAndHealth(t *testing.T) {
	srv := newEmbedServer(t, 4, nil)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Model: "test-model", BatchSize: 2})
	defer func() { _ = c.Close() }()

	assert.True(t, c.Available(context.Background()))

	rows, err := c.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 4, c.Dimensions())
	assert.Equal(t, float32(3), rows[2][0])
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var fail atomic.Int32
	fail.Store(2)
	srv := newEmbedServer(t, 4, &fail)
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Model:   "test-model",
		Retry:   RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2},
	})
	rows, err := c.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestClient_FailsAfterRetryBudget(t *testing.T) {
	var fail atomic.Int32
	fail.Store(100)
	srv := newEmbedServer(t, 4, &fail)
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Model:   "test-model",
		Retry:   RetryConfig{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2},
	})
	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
}

func TestWorkspaceCache_PutGet(t *testing.T) {
	ws := t.TempDir()
	c, err := NewWorkspaceCache(ws, "test-model", 0)
	require.NoError(t, err)

	vec := []float32{0.25, -0.5, 1.0}
	require.NoError(t, c.Put("some chunk text", vec))

	got := c.Get("some chunk text")
	require.NotNil(t, got)
	for i := range vec {
		assert.InDelta(t, vec[i], got[i], 1e-7)
	}
	assert.Nil(t, c.Get("different text"))
}

func TestWorkspaceCache_NoCrossModelReuse(t *testing.T) {
	ws := t.TempDir()
	a, err := NewWorkspaceCache(ws, "model-a", 0)
	require.NoError(t, err)
	b, err := NewWorkspaceCache(ws, "model-b", 0)
	require.NoError(t, err)

	require.NoError(t, a.Put("shared text", []float32{1}))
	assert.Nil(t, b.Get("shared text"))
}

func TestWorkspaceCache_KeyNormalizesText(t *testing.T) {
	ws := t.TempDir()
	c, err := NewWorkspaceCache(ws, "m", 0)
	require.NoError(t, err)
	assert.Equal(t, c.Key("a \r\nb"), c.Key("a\nb"))
}

func TestWorkspaceCache_EvictEnforcesQuota(t *testing.T) {
	ws := t.TempDir()
	c, err := NewWorkspaceCache(ws, "m", 16) // quota: one 3-float vector (12B) fits, two do not
	require.NoError(t, err)

	require.NoError(t, c.Put("first", []float32{1, 2, 3}))
	require.NoError(t, c.Put("second", []float32{4, 5, 6}))
	require.NoError(t, c.Evict())

	survivors := 0
	for _, text := range []string{"first", "second"} {
		c.hot.Purge()
		if c.Get(text) != nil {
			survivors++
		}
	}
	assert.Equal(t, 1, survivors)
}

func TestNormalizeVector_ZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0}
	assert.Equal(t, v, NormalizeVector(v))
}

func TestNormalizeVector_UnitLength(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
}
