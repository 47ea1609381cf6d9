package chunk

import (
	"fmt"
	"strings"

	"github.com/cpmkit/cpm/internal/packet"
)

// textChunker cuts plain text into token-budget line windows. It is the
// terminal fallback and must succeed on any input.
type textChunker struct{}

func newTextChunker() *textChunker { return &textChunker{} }

func (c *textChunker) Name() string { return StrategyText }

func (c *textChunker) Chunk(text, sourceID string, cfg Config) ([]packet.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	windows := windowLines(text, cfg.ChunkTokens, cfg.OverlapTokens, cfg.HardCapTokens)
	chunks := make([]packet.Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, packet.Chunk{
			ID:   fmt.Sprintf("%s:%d", sourceID, i),
			Text: w,
		})
	}

	if cfg.Hierarchical {
		chunks = append(chunks, c.microChunks(text, sourceID, cfg)...)
	}
	return chunks, nil
}

// microChunks emits fine-grained windows for hierarchical retrieval.
func (c *textChunker) microChunks(text, sourceID string, cfg Config) []packet.Chunk {
	windows := windowLines(text, cfg.MicroChunkTokens, 0, cfg.HardCapTokens)
	var chunks []packet.Chunk
	for i, w := range windows {
		chunks = append(chunks, packet.Chunk{
			ID:       fmt.Sprintf("%s:micro:%d", sourceID, i),
			Text:     w,
			Metadata: map[string]string{"granularity": "micro"},
		})
	}
	return chunks
}
