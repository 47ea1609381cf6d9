package chunk

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/cpmkit/cpm/internal/packet"
)

// Strategy names.
const (
	StrategyPythonAST  = "python_ast"
	StrategyJava       = "java"
	StrategyTreeSitter = "treesitter_generic"
	StrategyMarkdown   = "markdown"
	StrategyText       = "text"
	StrategyBrace      = "brace_fallback"
)

// Strategy cuts one file's text into ordered chunks.
// Output must be deterministic for fixed input.
type Strategy interface {
	Name() string
	Chunk(text, sourceID string, cfg Config) ([]packet.Chunk, error)
}

// Router selects a strategy per file extension with a fixed fallback
// chain: routed strategy -> brace_fallback -> text.
type Router struct {
	strategies map[string]Strategy
	table      map[string]string
}

// routingTable is the closed extension -> strategy mapping. Unknown
// extensions route to text.
var routingTable = map[string]string{
	".py":       StrategyPythonAST,
	".java":     StrategyJava,
	".go":       StrategyTreeSitter,
	".js":       StrategyTreeSitter,
	".jsx":      StrategyTreeSitter,
	".ts":       StrategyTreeSitter,
	".tsx":      StrategyTreeSitter,
	".c":        StrategyBrace,
	".h":        StrategyBrace,
	".cpp":      StrategyBrace,
	".hpp":      StrategyBrace,
	".cs":       StrategyBrace,
	".rs":       StrategyBrace,
	".kt":       StrategyBrace,
	".swift":    StrategyBrace,
	".scala":    StrategyBrace,
	".md":       StrategyMarkdown,
	".markdown": StrategyMarkdown,
	".mdx":      StrategyMarkdown,
	".txt":      StrategyText,
	".rst":      StrategyText,
}

// SupportedExtensions returns the closed set of extensions the build scan
// accepts, in no particular order.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(routingTable))
	for ext := range routingTable {
		exts = append(exts, ext)
	}
	return exts
}

// NewRouter creates a router with all built-in strategies registered.
func NewRouter() *Router {
	r := &Router{
		strategies: make(map[string]Strategy),
		table:      routingTable,
	}
	r.register(newTextChunker())
	r.register(newBraceChunker())
	r.register(newMarkdownChunker())
	r.register(newSitterChunker(StrategyTreeSitter, ""))
	r.register(newSitterChunker(StrategyPythonAST, "python"))
	r.register(newSitterChunker(StrategyJava, "java"))
	return r
}

func (r *Router) register(s Strategy) {
	r.strategies[s.Name()] = s
}

// StrategyFor returns the strategy name an extension routes to.
func (r *Router) StrategyFor(ext string) string {
	name, ok := r.table[strings.ToLower(ext)]
	if !ok {
		return StrategyText
	}
	return name
}

// Chunk cuts text for one file. Strategy failure falls back to
// brace_fallback and then text, so a file is never skipped. Returns the
// chunks and the name of the strategy that produced them.
func (r *Router) Chunk(text, sourceID, ext string, cfg Config) ([]packet.Chunk, string, error) {
	cfg = cfg.normalized()

	chain := []string{r.StrategyFor(ext)}
	if chain[0] != StrategyBrace && chain[0] != StrategyText {
		chain = append(chain, StrategyBrace)
	}
	if chain[len(chain)-1] != StrategyText {
		chain = append(chain, StrategyText)
	}

	var lastErr error
	for _, name := range chain {
		s, ok := r.strategies[name]
		if !ok {
			continue
		}
		chunks, err := s.Chunk(text, sourceID, cfg)
		if err != nil {
			lastErr = err
			slog.Debug("chunker_fallback",
				slog.String("source", sourceID),
				slog.String("strategy", name),
				slog.String("error", err.Error()))
			continue
		}
		annotate(chunks, sourceID, ext)
		return chunks, name, nil
	}
	return nil, "", fmt.Errorf("all chunking strategies failed for %s: %w", sourceID, lastErr)
}

// annotate fills hash and shared metadata for every chunk.
func annotate(chunks []packet.Chunk, sourceID, ext string) {
	for i := range chunks {
		if chunks[i].Hash == "" {
			chunks[i].Hash = packet.HashText(chunks[i].Text)
		}
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]string, 2)
		}
		if _, ok := chunks[i].Metadata["path"]; !ok {
			chunks[i].Metadata["path"] = sourceID
		}
		if _, ok := chunks[i].Metadata["ext"]; !ok {
			chunks[i].Metadata["ext"] = strings.ToLower(ext)
		}
	}
}
