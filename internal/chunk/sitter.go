package chunk

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/cpmkit/cpm/internal/packet"
)

// sitterChunker cuts source files along syntax-tree boundaries using
// tree-sitter grammars. The generic variant resolves the grammar from the
// file extension; python_ast and java pin a specific grammar.
type sitterChunker struct {
	strategy string
	// langName pins the grammar; empty resolves by extension.
	langName string
}

func newSitterChunker(strategy, langName string) *sitterChunker {
	return &sitterChunker{strategy: strategy, langName: langName}
}

func (c *sitterChunker) Name() string { return c.strategy }

func (c *sitterChunker) Chunk(text, sourceID string, cfg Config) ([]packet.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lang, err := c.resolveLanguage(sourceID)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang.lang)

	source := []byte(text)
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", sourceID, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return nil, fmt.Errorf("syntax errors in %s", sourceID)
	}

	preamble, segments := c.collectSegments(root, source, lang)
	packed := packSegments(segments, cfg)

	chunks := make([]packet.Chunk, 0, len(packed))
	ordBySymbol := make(map[string]int, len(packed))
	for _, seg := range packed {
		symbol := seg.symbol
		if symbol == "" {
			symbol = "toplevel"
		}
		ord := ordBySymbol[symbol]
		ordBySymbol[symbol]++

		body := seg.text
		if cfg.IncludeSourcePreamble && preamble != "" && !strings.Contains(body, preamble) {
			body = preamble + "\n\n" + body
		}
		chunks = append(chunks, packet.Chunk{
			ID:       fmt.Sprintf("%s:%s:%d", sourceID, symbol, ord),
			Text:     body,
			Metadata: map[string]string{"symbol": symbol, "language": lang.name},
		})
	}
	return chunks, nil
}

func (c *sitterChunker) resolveLanguage(sourceID string) (*languageConfig, error) {
	if c.langName != "" {
		lang, ok := languageByName(c.langName)
		if !ok {
			return nil, fmt.Errorf("no grammar registered for language %s", c.langName)
		}
		return lang, nil
	}
	ext := filepath.Ext(sourceID)
	lang, ok := languageForExt(ext)
	if !ok {
		return nil, fmt.Errorf("no grammar registered for extension %s", ext)
	}
	return lang, nil
}

// collectSegments walks the top-level named children. Boundary nodes open
// a new segment carrying their symbol name; gap text (comments, directives)
// rides along with the following segment. Java descends one level so each
// method is its own segment.
func (c *sitterChunker) collectSegments(root *sitter.Node, source []byte, lang *languageConfig) (string, []segment) {
	var preambleParts []string
	var segments []segment
	cursor := 0

	count := int(root.NamedChildCount())
	for i := 0; i < count; i++ {
		node := root.NamedChild(i)
		start, end := int(node.StartByte()), int(node.EndByte())
		gap := strings.TrimRight(string(source[cursor:start]), "\n")
		cursor = end
		body := string(source[start:end])
		if gap != "" {
			body = strings.TrimLeft(gap, "\n") + "\n" + body
		}

		if _, ok := lang.preambleTypes[node.Type()]; ok {
			preambleParts = append(preambleParts, string(source[start:end]))
			continue
		}

		if _, boundary := lang.boundaryTypes[node.Type()]; boundary && len(lang.memberTypes) > 0 {
			members := c.memberSegments(node, source, lang, symbolName(node, source))
			if len(members) > 0 {
				segments = append(segments, members...)
				continue
			}
		}

		segments = append(segments, segment{text: body, symbol: symbolName(node, source)})
	}
	if trailing := strings.TrimSpace(string(source[cursor:])); trailing != "" {
		segments = append(segments, segment{text: trailing})
	}
	return strings.Join(preambleParts, "\n"), segments
}

// memberSegments splits a container (Java class) into per-method segments.
// Non-member body content (fields, initializers) is grouped into a
// container segment preceding the methods.
func (c *sitterChunker) memberSegments(node *sitter.Node, source []byte, lang *languageConfig, containerSymbol string) []segment {
	body := node.ChildByFieldName("body")
	if body == nil {
		return nil
	}

	var head []string
	var members []segment
	cursor := int(node.StartByte())

	count := int(body.NamedChildCount())
	for i := 0; i < count; i++ {
		member := body.NamedChild(i)
		start, end := int(member.StartByte()), int(member.EndByte())
		if _, ok := lang.memberTypes[member.Type()]; !ok {
			continue
		}
		if gap := strings.TrimSpace(string(source[cursor:start])); gap != "" {
			head = append(head, gap)
		}
		symbol := containerSymbol + "." + symbolName(member, source)
		members = append(members, segment{text: string(source[start:end]), symbol: symbol})
		cursor = end
	}
	if len(members) == 0 {
		return nil
	}
	if tail := strings.TrimSpace(string(source[cursor:int(node.EndByte())])); tail != "" && tail != "}" {
		head = append(head, tail)
	}
	if len(head) > 0 {
		members = append([]segment{{text: strings.Join(head, "\n"), symbol: containerSymbol}}, members...)
	}
	return members
}

// symbolName extracts a node's identifier, falling back to its node type.
func symbolName(node *sitter.Node, source []byte) string {
	if name := node.ChildByFieldName("name"); name != nil {
		return string(source[name.StartByte():name.EndByte()])
	}
	// Declarations wrap the named node one level down (e.g. go
	// type_declaration -> type_spec, python decorated_definition).
	count := int(node.NamedChildCount())
	for i := 0; i < count; i++ {
		child := node.NamedChild(i)
		if name := child.ChildByFieldName("name"); name != nil {
			return string(source[name.StartByte():name.EndByte()])
		}
	}
	return node.Type()
}
