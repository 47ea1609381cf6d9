package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vecTable(vectors [][]float32) func(int) []float32 {
	return func(ord int) []float32 {
		if ord < 0 || ord >= len(vectors) {
			return nil
		}
		return vectors[ord]
	}
}

func TestCompile_DedupesNearDuplicates(t *testing.T) {
	hits := []Hit{
		{ID: "a.md:0", Ord: 0, Text: "alpha content", Score: 0.9, Metadata: map[string]string{"path": "a.md"}},
		{ID: "a.md:1", Ord: 1, Text: "alpha content copy", Score: 0.8, Metadata: map[string]string{"path": "a.md"}},
		{ID: "b.md:0", Ord: 2, Text: "different topic", Score: 0.7, Metadata: map[string]string{"path": "b.md"}},
	}
	vectors := vecTable([][]float32{{1, 0}, {0.999, 0.04}, {0, 1}})

	c := compileContext("q", hits, vectors, 1000, nil)
	require.Len(t, c.CoreSnippets, 2)
	assert.Equal(t, "a.md:0", c.CoreSnippets[0].Citation.ID)
	assert.Equal(t, "b.md:0", c.CoreSnippets[1].Citation.ID)
}

func TestCompile_OrdersBySectionAffinity(t *testing.T) {
	hits := []Hit{
		{ID: "x/one.md:0", Ord: 0, Text: "best match", Score: 0.9, Metadata: map[string]string{"path": "x/one.md"}},
		{ID: "y/other.md:0", Ord: 1, Text: "weak match", Score: 0.5, Metadata: map[string]string{"path": "y/other.md"}},
		{ID: "x/two.md:0", Ord: 2, Text: "sibling match", Score: 0.6, Metadata: map[string]string{"path": "x/two.md"}},
	}
	vectors := vecTable([][]float32{{1, 0}, {0, 1}, {0.5, 0.8}})

	c := compileContext("q", hits, vectors, 1000, nil)
	require.Len(t, c.CoreSnippets, 3)
	// Group x (best score 0.9) packs first, grouped together.
	assert.Equal(t, "x/one.md:0", c.CoreSnippets[0].Citation.ID)
	assert.Equal(t, "x/two.md:0", c.CoreSnippets[1].Citation.ID)
	assert.Equal(t, "y/other.md:0", c.CoreSnippets[2].Citation.ID)
}

func TestCompile_DropsUncitableSnippets(t *testing.T) {
	hits := []Hit{
		{ID: "", Ord: 0, Text: "orphan text", Score: 0.9},
		{ID: "ok:0", Ord: 1, Text: "cited text", Score: 0.8, Metadata: map[string]string{"path": "ok.md"}},
	}
	vectors := vecTable([][]float32{{1, 0}, {0, 1}})

	c := compileContext("q", hits, vectors, 1000, nil)
	require.Len(t, c.CoreSnippets, 1)
	assert.Equal(t, "ok:0", c.CoreSnippets[0].Citation.ID)
}

func TestCompile_RespectsBudget(t *testing.T) {
	big := strings.Repeat("word ", 200)
	hits := []Hit{
		{ID: "a:0", Ord: 0, Text: big, Score: 0.9, Metadata: map[string]string{"path": "a.md"}},
		{ID: "b:0", Ord: 1, Text: "tiny snippet", Score: 0.8, Metadata: map[string]string{"path": "b.md"}},
	}
	vectors := vecTable([][]float32{{1, 0}, {0, 1}})

	c := compileContext("q", hits, vectors, 100, nil)
	// The oversized snippet cannot fit the 70% share; the small one can.
	require.Len(t, c.CoreSnippets, 1)
	assert.Equal(t, "b:0", c.CoreSnippets[0].Citation.ID)
	assert.LessOrEqual(t, c.TokenEstimate, 100)
}

func TestCompile_EmptyHitsFlagsRisk(t *testing.T) {
	c := compileContext("q", nil, vecTable(nil), 100, nil)
	assert.Empty(t, c.CoreSnippets)
	assert.Contains(t, c.Risks, "no_snippets_within_budget")
}

func TestCompile_CarriesWarningsAsRisks(t *testing.T) {
	hits := []Hit{{ID: "a:0", Ord: 0, Text: "text", Score: 1, Metadata: map[string]string{"path": "a.md"}}}
	c := compileContext("q", hits, vecTable([][]float32{{1}}), 1000, []string{"sparse_index_missing_fallback_flatip"})
	assert.Contains(t, c.Risks, "sparse_index_missing_fallback_flatip")
}

func TestCompile_Deterministic(t *testing.T) {
	hits := []Hit{
		{ID: "a:0", Ord: 0, Text: "alpha beta", Score: 0.9, Metadata: map[string]string{"path": "a.md"}},
		{ID: "b:0", Ord: 1, Text: "gamma delta", Score: 0.8, Metadata: map[string]string{"path": "b.md"}},
	}
	vectors := vecTable([][]float32{{1, 0}, {0, 1}})

	a := compileContext("q", hits, vectors, 500, nil)
	b := compileContext("q", hits, vectors, 500, nil)
	assert.Equal(t, hashCompiled(a), hashCompiled(b))
}

func TestOutline_IncludesQueryAndPaths(t *testing.T) {
	hits := []Hit{{ID: "docs/a.md:0", Ord: 0, Text: "content", Score: 1, Metadata: map[string]string{"path": "docs/a.md"}}}
	c := compileContext("how to auth", hits, vecTable([][]float32{{1}}), 1000, nil)
	require.NotEmpty(t, c.Outline)
	assert.Equal(t, "Answer query: how to auth", c.Outline[0])
	assert.Contains(t, c.Outline, "docs/a.md")
}
