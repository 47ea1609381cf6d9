package chunk

import (
	"fmt"
	"strings"

	"github.com/cpmkit/cpm/internal/packet"
)

// braceChunker splits C-style sources at top-level closing braces. It is
// the fallback for languages without a tree-sitter grammar and for parser
// failures.
type braceChunker struct{}

func newBraceChunker() *braceChunker { return &braceChunker{} }

func (c *braceChunker) Name() string { return StrategyBrace }

func (c *braceChunker) Chunk(text, sourceID string, cfg Config) ([]packet.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	segments := c.split(text)
	packed := packSegments(segments, cfg)

	chunks := make([]packet.Chunk, 0, len(packed))
	for i, seg := range packed {
		chunks = append(chunks, packet.Chunk{
			ID:   fmt.Sprintf("%s:%d", sourceID, i),
			Text: seg.text,
		})
	}
	return chunks, nil
}

// split cuts the source after each line that returns brace depth to zero.
// Only the rest of a line after "//" is skipped; braces inside string
// literals and block comments are counted. That is imprecise, but a wrong
// count only moves or merges boundaries: every line still lands in a chunk.
func (c *braceChunker) split(text string) []segment {
	lines := strings.Split(text, "\n")
	var segments []segment
	var current []string
	depth := 0
	sawBrace := false

	for _, line := range lines {
		current = append(current, line)
		for i := 0; i < len(line); i++ {
			switch line[i] {
			case '{':
				depth++
				sawBrace = true
			case '}':
				if depth > 0 {
					depth--
				}
			case '/':
				if i+1 < len(line) && line[i+1] == '/' {
					i = len(line)
				}
			}
		}
		if sawBrace && depth == 0 {
			segments = append(segments, segment{text: strings.Join(current, "\n")})
			current = nil
			sawBrace = false
		}
	}
	if len(current) > 0 {
		segments = append(segments, segment{text: strings.Join(current, "\n")})
	}
	return segments
}
