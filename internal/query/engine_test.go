package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmkit/cpm/internal/build"
	"github.com/cpmkit/cpm/internal/cas"
	"github.com/cpmkit/cpm/internal/chunk"
	"github.com/cpmkit/cpm/internal/embed"
	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/policy"
	"github.com/cpmkit/cpm/internal/source"
)

// mapEmbedder returns fixed vectors per text so tests control dense
// rankings exactly.
type mapEmbedder struct {
	vectors map[string][]float32
	dims    int
}

func (m *mapEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := m.vectors[t]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, m.dims)
		v[m.dims-1] = 1
		out[i] = v
	}
	return out, nil
}
func (m *mapEmbedder) Dimensions() int                { return m.dims }
func (m *mapEmbedder) ModelName() string              { return "map-model" }
func (m *mapEmbedder) Available(context.Context) bool { return true }
func (m *mapEmbedder) Close() error                   { return nil }

func newEngine(t *testing.T, ws string, embedder embed.Embedder, p policy.Policy) *Engine {
	t.Helper()
	cache, err := cas.New(ws, 0)
	require.NoError(t, err)
	return &Engine{
		Workspace: ws,
		Resolver:  source.NewResolver(source.NewDirSource()),
		Cache:     cache,
		Policy:    policy.NewEngine(p),
		Embedder:  embedder,
	}
}

func buildPacket(t *testing.T, ws string, files map[string]string, embedder embed.Embedder, hybrid bool, now time.Time) string {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	dest := filepath.Join(ws, "packages", "demo")
	cfg := chunk.DefaultConfig()
	cfg.ChunkTokens = 64
	_, err := build.Run(context.Background(), embedder, build.Options{
		Source: src, Dest: dest, PacketName: "demo", Version: "1.0.0",
		Chunking: cfg, Hybrid: hybrid, SnapshotRoot: ws,
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
	return dest
}

func rebuildPacket(t *testing.T, ws, dest string, files map[string]string, embedder embed.Embedder, hybrid bool, now time.Time) {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}
	cfg := chunk.DefaultConfig()
	cfg.ChunkTokens = 64
	_, err := build.Run(context.Background(), embedder, build.Options{
		Source: src, Dest: dest, PacketName: "demo", Version: "1.0.1",
		Chunking: cfg, Hybrid: hybrid, SnapshotRoot: ws,
		Now: func() time.Time { return now },
	})
	require.NoError(t, err)
}

func t0() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
func t1() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

func TestExecute_EmitsDeterministicRanking(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("test-model", 4)
	pkt := buildPacket(t, ws, map[string]string{
		"auth.md":  "# Auth\nauthentication flows and tokens",
		"build.md": "# Build\ncompilation pipeline",
	}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	a, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "auth tokens", K: 2})
	require.NoError(t, err)
	assert.Equal(t, StateEmitted, a.State)
	require.NotEmpty(t, a.Hits)
	require.NotEmpty(t, a.ResultHash)

	b, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "auth tokens", K: 2})
	require.NoError(t, err)
	assert.Equal(t, a.ResultHash, b.ResultHash)
	assert.Equal(t, a.CompilerHash, b.CompilerHash)
	for i := range a.Hits {
		assert.Equal(t, a.Hits[i].ID, b.Hits[i].ID)
		assert.Equal(t, a.Hits[i].Score, b.Hits[i].Score)
	}
}

func TestExecute_HybridRRFOrdering(t *testing.T) {
	ws := t.TempDir()
	embedder := &mapEmbedder{dims: 2, vectors: map[string][]float32{
		"alpha beta":  {1, 0},
		"beta gamma":  {0.8, 0.6},
		"gamma delta": {0, 1},
		"beta":        {1, 0},
	}}
	pkt := buildPacket(t, ws, map[string]string{
		"1.txt": "alpha beta",
		"2.txt": "beta gamma",
		"3.txt": "gamma delta",
	}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	result, err := e.Execute(context.Background(), Options{
		Packet: pkt, Query: "beta", K: 3, Indexer: IndexerHybridRRF,
	})
	require.NoError(t, err)
	assert.Equal(t, IndexerHybridRRF, result.Indexer)
	require.Len(t, result.Hits, 3)

	// Dense order: 1.txt, 2.txt, 3.txt; BM25 matches 1.txt then 2.txt.
	// RRF: 1/61+1/61 > 1/62+1/62 > 1/63.
	assert.Equal(t, "1.txt:0", result.Hits[0].ID)
	assert.Equal(t, "2.txt:0", result.Hits[1].ID)
	assert.Equal(t, "3.txt:0", result.Hits[2].ID)
	assert.InDelta(t, 1.0/61+1.0/61, result.Hits[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62+1.0/62, result.Hits[1].Score, 1e-12)
	assert.InDelta(t, 1.0/63, result.Hits[2].Score, 1e-12)
}

func TestExecute_EmptyQueryFails(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\ncontent"}, embedder, false, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	result, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "   "})
	require.Error(t, err)
	assert.Equal(t, cpmerrors.ErrCodeQueryEmpty, cpmerrors.GetCode(err))
	assert.Equal(t, StateFailed, result.State)
	// Failed queries still write a replay log.
	assert.NotEmpty(t, result.ReplayLogPath)
}

func TestExecute_SparseMissingFallsBackWithWarning(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\nalpha beta"}, embedder, false, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	result, err := e.Execute(context.Background(), Options{
		Packet: pkt, Query: "alpha", K: 1, Indexer: IndexerHybridRRF,
	})
	require.NoError(t, err)
	assert.Equal(t, IndexerFlatIP, result.Indexer)
	assert.Contains(t, result.Warnings, "sparse_index_missing_fallback_flatip")
}

func TestExecute_CitationGuarantee(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{
		"docs/auth.md":  "# Auth\nauthentication and sessions",
		"docs/build.md": "# Build\npipelines and caching",
	}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	result, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "authentication", K: 4})
	require.NoError(t, err)
	require.NotNil(t, result.Compiled)
	require.NotEmpty(t, result.Compiled.CoreSnippets)

	ids := make(map[string]struct{})
	for _, h := range result.Hits {
		ids[h.ID] = struct{}{}
	}
	for _, s := range result.Compiled.CoreSnippets {
		require.NotEmpty(t, s.Citation.ID)
		_, ok := ids[s.Citation.ID]
		assert.True(t, ok, "citation %s resolves to a retrieved chunk", s.Citation.ID)
	}
	for _, g := range result.Compiled.Glossary {
		assert.NotEmpty(t, g.Citation.ID)
	}
}

func TestExecute_TokenBudgetRespected(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{
		"a.md": "# A\n" + longText(200),
		"b.md": "# B\n" + longText(180),
	}, embedder, false, t0())

	p := policy.Default()
	p.MaxTokens = 120
	e := newEngine(t, ws, embedder, p)
	result, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "words", K: 5})
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Compiled.TokenEstimate, 120)
}

func longText(words int) string {
	out := ""
	for i := 0; i < words; i++ {
		out += "filler "
	}
	return out
}

func TestExecute_FrozenLockfileAbortsOnMismatch(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\ncontent"}, embedder, false, t0())

	// Tamper with an artifact after the lock was written.
	docs := filepath.Join(pkt, "docs.jsonl")
	data, err := os.ReadFile(docs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(docs, append(data, '\n'), 0o644))

	e := newEngine(t, ws, embedder, policy.Default())
	_, err = e.Execute(context.Background(), Options{
		Packet: pkt, Query: "content", K: 1, FrozenLockfile: true,
	})
	require.Error(t, err)
	assert.Equal(t, cpmerrors.ErrCodeLockMismatch, cpmerrors.GetCode(err))
	assert.Equal(t, cpmerrors.ExitLock, cpmerrors.ExitCode(err))

	// Without --frozen-lockfile the mismatch downgrades to a warning.
	result, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "content", K: 1})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "lock_mismatch")
}

func TestExecute_PolicyDenyBlocksQuery(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\ncontent"}, embedder, false, t0())

	p := policy.Default()
	p.AllowedSources = []string{"oci://trusted.example.com/*"}
	e := newEngine(t, ws, embedder, p)

	result, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "content", K: 1})
	require.Error(t, err)
	assert.Equal(t, cpmerrors.ErrCodePolicyDeny, cpmerrors.GetCode(err))
	assert.Equal(t, cpmerrors.ExitPolicyDeny, cpmerrors.ExitCode(err))
	assert.Equal(t, policy.DecisionDeny, result.PolicyDecision)
}

func TestReplay_Reproduces(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("test-model", 4)
	pkt := buildPacket(t, ws, map[string]string{
		"auth.md":  "# Auth\nauthentication flows",
		"noise.md": "# Noise\nunrelated content",
	}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	original, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "auth", K: 2})
	require.NoError(t, err)
	require.NotEmpty(t, original.ReplayLogPath)

	log, err := LoadReplayLog(original.ReplayLogPath)
	require.NoError(t, err)
	assert.Equal(t, original.ResultHash, log.ResultHash)

	replayed, err := e.Replay(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, original.ResultHash, replayed.ResultHash)
	assert.Equal(t, original.CompilerHash, replayed.CompilerHash)
}

func TestReplay_SurvivesRebuildViaCAS(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("test-model", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\noriginal content"}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	original, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "original", K: 1})
	require.NoError(t, err)
	log, err := LoadReplayLog(original.ReplayLogPath)
	require.NoError(t, err)
	require.NotEmpty(t, log.PayloadDigest)

	// Rebuild in place with different content; the live dir no longer
	// matches the logged digest.
	rebuildPacket(t, ws, pkt, map[string]string{"a.md": "# A\nchanged content"}, embedder, true, t1())

	replayed, err := e.Replay(context.Background(), log)
	require.NoError(t, err)
	assert.Equal(t, original.ResultHash, replayed.ResultHash)
}

func TestReplay_MismatchDetected(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("test-model", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\ncontent"}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	original, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "content", K: 1})
	require.NoError(t, err)

	log, err := LoadReplayLog(original.ReplayLogPath)
	require.NoError(t, err)
	log.ResultHash = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err = e.Replay(context.Background(), log)
	require.Error(t, err)
	assert.Equal(t, cpmerrors.ErrCodeReplayMismatch, cpmerrors.GetCode(err))
}

func TestTimeTravel_AsOfPinsSnapshot(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("test-model", 4)
	pkt := buildPacket(t, ws, map[string]string{"a.md": "# A\nvintage wording"}, embedder, true, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	before, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "vintage", K: 1})
	require.NoError(t, err)
	require.NotEmpty(t, before.Hits)
	t0Digest := before.PacketDigest

	rebuildPacket(t, ws, pkt, map[string]string{"a.md": "# A\nmodern wording"}, embedder, true, t1())

	// No --as-of: current content.
	current, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "wording", K: 1})
	require.NoError(t, err)
	assert.NotEqual(t, t0Digest, current.PacketDigest)
	assert.Contains(t, current.Hits[0].Text, "modern")

	// --as-of T0: snapshot digest and T0 content.
	asOf := t0().Add(time.Hour)
	pinned, err := e.Execute(context.Background(), Options{Packet: pkt, Query: "wording", K: 1, AsOf: &asOf})
	require.NoError(t, err)
	assert.Equal(t, t0Digest, pinned.PacketDigest)
	require.NotEmpty(t, pinned.Hits)
	assert.Contains(t, pinned.Hits[0].Text, "vintage")
}

func TestRerank_TokenDiversityReturnsK(t *testing.T) {
	ws := t.TempDir()
	embedder := embed.NewStubEmbedder("m", 8)
	pkt := buildPacket(t, ws, map[string]string{
		"a.md": "# A\nalpha topic one",
		"b.md": "# B\nbeta topic two",
		"c.md": "# C\ngamma topic three",
	}, embedder, false, t0())

	e := newEngine(t, ws, embedder, policy.Default())
	result, err := e.Execute(context.Background(), Options{
		Packet: pkt, Query: "topic", K: 2, Reranker: RerankerTokenDiversity,
	})
	require.NoError(t, err)
	assert.Equal(t, RerankerTokenDiversity, result.Reranker)
	assert.Len(t, result.Hits, 2)
}
