package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/tokenizer"
)

func TestRouter_RoutingTable(t *testing.T) {
	r := NewRouter()

	assert.Equal(t, StrategyPythonAST, r.StrategyFor(".py"))
	assert.Equal(t, StrategyJava, r.StrategyFor(".java"))
	assert.Equal(t, StrategyMarkdown, r.StrategyFor(".md"))
	assert.Equal(t, StrategyTreeSitter, r.StrategyFor(".go"))
	assert.Equal(t, StrategyBrace, r.StrategyFor(".c"))
	assert.Equal(t, StrategyText, r.StrategyFor(".unknown"))
}

func TestRouter_NeverSkipsFile(t *testing.T) {
	r := NewRouter()

	// Invalid python fails the parser and falls back to brace_fallback.
	chunks, strategy, err := r.Chunk("def broken(:\n  pass", "bad.py", ".py", DefaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.NotEqual(t, StrategyPythonAST, strategy)
}

func TestRouter_DeterministicOutput(t *testing.T) {
	r := NewRouter()
	text := "# Title\n\nalpha beta gamma\n\n## Sub\n\ndelta epsilon"

	a, _, err := r.Chunk(text, "doc.md", ".md", DefaultConfig())
	require.NoError(t, err)
	b, _, err := r.Chunk(text, "doc.md", ".md", DefaultConfig())
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Hash, b[i].Hash)
		assert.Equal(t, a[i].Text, b[i].Text)
	}
}

func TestRouter_AnnotatesMetadataAndHash(t *testing.T) {
	r := NewRouter()
	chunks, _, err := r.Chunk("plain text content here", "notes.txt", ".txt", DefaultConfig())
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, "notes.txt:0", c.ID)
	assert.Equal(t, packet.HashText(c.Text), c.Hash)
	assert.Equal(t, "notes.txt", c.Metadata["path"])
	assert.Equal(t, ".txt", c.Metadata["ext"])
}

func TestRouter_UniqueIDsWithinFile(t *testing.T) {
	r := NewRouter()
	var lines []string
	for i := 0; i < 400; i++ {
		lines = append(lines, "some repeated line of filler text for windowing")
	}
	chunks, _, err := r.Chunk(strings.Join(lines, "\n"), "big.txt", ".txt", DefaultConfig())
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	seen := make(map[string]struct{})
	for _, c := range chunks {
		_, dup := seen[c.ID]
		assert.False(t, dup, "duplicate chunk id %s", c.ID)
		seen[c.ID] = struct{}{}
	}
}

func TestRouter_HardCapRespected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 16
	cfg.HardCapTokens = 32

	r := NewRouter()
	long := strings.Repeat("word ", 500)
	chunks, _, err := r.Chunk(long, "long.txt", ".txt", cfg)
	require.NoError(t, err)

	for _, c := range chunks {
		assert.LessOrEqual(t, tokenizer.Count(c.Text), cfg.HardCapTokens, "chunk %s", c.ID)
	}
}

func TestMarkdown_HeaderHierarchy(t *testing.T) {
	r := NewRouter()
	text := "# Guide\n\nintro text\n\n## Install\n\nrun the installer\n\n## Use\n\nrun the tool"
	chunks, strategy, err := r.Chunk(text, "guide.md", ".md", DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StrategyMarkdown, strategy)
	require.Len(t, chunks, 3)

	assert.Equal(t, "Guide", chunks[0].Metadata["section"])
	assert.Equal(t, "Guide > Install", chunks[1].Metadata["header_path"])
	assert.Equal(t, "Guide > Use", chunks[2].Metadata["header_path"])
}

func TestMarkdown_FrontmatterChunk(t *testing.T) {
	r := NewRouter()
	text := "---\ntitle: Demo\n---\n# Body\n\ncontent"
	chunks, _, err := r.Chunk(text, "page.md", ".md", DefaultConfig())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "frontmatter", chunks[0].Metadata["section"])
}

func TestPythonAST_FunctionBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 8 // force one chunk per def

	r := NewRouter()
	text := "def alpha():\n    return 1\n\n\ndef beta():\n    return 2\n"
	chunks, strategy, err := r.Chunk(text, "mod.py", ".py", cfg)
	require.NoError(t, err)
	assert.Equal(t, StrategyPythonAST, strategy)
	require.Len(t, chunks, 2)

	assert.Equal(t, "mod.py:alpha:0", chunks[0].ID)
	assert.Equal(t, "mod.py:beta:0", chunks[1].ID)
	assert.Contains(t, chunks[0].Text, "def alpha")
}

func TestJava_MethodScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 8

	r := NewRouter()
	text := `public class Greeter {
    public String hello() {
        return "hi";
    }

    public String bye() {
        return "bye";
    }
}`
	chunks, strategy, err := r.Chunk(text, "Greeter.java", ".java", cfg)
	require.NoError(t, err)
	assert.Equal(t, StrategyJava, strategy)
	require.Len(t, chunks, 3)

	// Class header first, then one chunk per method.
	assert.Equal(t, "Greeter.java:Greeter:0", chunks[0].ID)
	assert.Equal(t, "Greeter.java:Greeter.hello:0", chunks[1].ID)
	assert.Equal(t, "Greeter.java:Greeter.bye:0", chunks[2].ID)
}

func TestTreeSitter_GoSymbols(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 8

	r := NewRouter()
	text := "package demo\n\nfunc Alpha() int { return 1 }\n\nfunc Beta() int { return 2 }\n"
	chunks, strategy, err := r.Chunk(text, "demo.go", ".go", cfg)
	require.NoError(t, err)
	assert.Equal(t, StrategyTreeSitter, strategy)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Alpha", chunks[0].Metadata["symbol"])
	assert.Equal(t, "Beta", chunks[1].Metadata["symbol"])
}

func TestBraceFallback_SplitsAtTopLevelBraces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 8

	r := NewRouter()
	text := "int a() {\n  return 1;\n}\n\nint b() {\n  return 2;\n}\n"
	chunks, strategy, err := r.Chunk(text, "lib.c", ".c", cfg)
	require.NoError(t, err)
	assert.Equal(t, StrategyBrace, strategy)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "int a()")
	assert.Contains(t, chunks[1].Text, "int b()")
}

func TestText_OverlapBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkTokens = 16
	cfg.OverlapTokens = 4

	// Distinct lines, so only carried overlap lines repeat between windows.
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, fmt.Sprintf("filler line %d", i))
	}
	r := NewRouter()
	chunks, _, err := r.Chunk(strings.Join(lines, "\n"), "doc.txt", ".txt", cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	// Consecutive windows may share at most OverlapTokens of text.
	for i := 1; i < len(chunks); i++ {
		prev := strings.Split(chunks[i-1].Text, "\n")
		cur := strings.Split(chunks[i].Text, "\n")
		shared := 0
		for _, line := range cur {
			for _, p := range prev {
				if line == p {
					shared += tokenizer.Count(line)
					break
				}
			}
		}
		assert.LessOrEqual(t, shared, cfg.OverlapTokens)
	}
}

func TestHierarchical_MicroChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hierarchical = true
	cfg.MicroChunkTokens = 8

	r := NewRouter()
	text := "alpha beta gamma delta\nepsilon zeta eta theta\niota kappa lambda mu"
	chunks, _, err := r.Chunk(text, "doc.txt", ".txt", cfg)
	require.NoError(t, err)

	var micro int
	for _, c := range chunks {
		if c.Metadata["granularity"] == "micro" {
			micro++
		}
	}
	assert.Greater(t, micro, 0)
}
