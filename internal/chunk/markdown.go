package chunk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/tokenizer"
)

// markdownChunker cuts markdown along its header hierarchy. Oversized
// sections are windowed; frontmatter becomes its own chunk.
type markdownChunker struct{}

var (
	headerPattern      = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)
)

func newMarkdownChunker() *markdownChunker { return &markdownChunker{} }

func (c *markdownChunker) Name() string { return StrategyMarkdown }

type mdSection struct {
	level      int
	title      string
	headerPath string
	body       []string
}

func (c *markdownChunker) Chunk(text, sourceID string, cfg Config) ([]packet.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var chunks []packet.Chunk
	ord := 0
	emit := func(body, title, headerPath string, parent bool) {
		meta := map[string]string{}
		if title != "" {
			meta["section"] = title
		}
		if headerPath != "" {
			meta["header_path"] = headerPath
		}
		if parent {
			meta["granularity"] = "parent"
		}
		if len(meta) == 0 {
			meta = nil
		}
		chunks = append(chunks, packet.Chunk{
			ID:       fmt.Sprintf("%s:%d", sourceID, ord),
			Text:     body,
			Metadata: meta,
		})
		ord++
	}

	remaining := text
	if fm := frontmatterPattern.FindString(remaining); fm != "" {
		emit(strings.TrimRight(fm, "\n"), "frontmatter", "", false)
		remaining = remaining[len(fm):]
	}

	for _, sec := range c.parseSections(remaining) {
		body := strings.TrimRight(strings.Join(sec.body, "\n"), "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		if tokenizer.Count(body) <= cfg.ChunkTokens {
			emit(body, sec.title, sec.headerPath, false)
			continue
		}
		if cfg.Hierarchical && cfg.EmitParentChunks {
			emit(body, sec.title, sec.headerPath, true)
		}
		for _, w := range windowLines(body, cfg.ChunkTokens, cfg.OverlapTokens, cfg.HardCapTokens) {
			emit(w, sec.title, sec.headerPath, false)
		}
	}
	return chunks, nil
}

// parseSections splits content at headers, tracking the header path
// ("Guide > Install > Linux") for section affinity.
func (c *markdownChunker) parseSections(content string) []mdSection {
	lines := strings.Split(content, "\n")
	var sections []mdSection
	current := mdSection{}
	stack := make([]string, 0, 6)
	inCodeBlock := false

	flush := func() {
		if len(current.body) > 0 {
			sections = append(sections, current)
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCodeBlock = !inCodeBlock
		}
		m := headerPattern.FindStringSubmatch(line)
		if m != nil && !inCodeBlock {
			flush()
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			if level <= len(stack) {
				stack = stack[:level-1]
			}
			stack = append(stack, title)
			current = mdSection{
				level:      level,
				title:      title,
				headerPath: strings.Join(stack, " > "),
				body:       []string{line},
			}
			continue
		}
		current.body = append(current.body, line)
	}
	flush()
	return sections
}
