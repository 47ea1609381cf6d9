package chunk

import (
	"strings"

	"github.com/cpmkit/cpm/internal/tokenizer"
)

// windowLines packs lines into windows of at most chunkTokens tokens with
// at most overlapTokens of trailing context carried into the next window.
// Single lines above hardCap are split on word boundaries.
func windowLines(text string, chunkTokens, overlapTokens, hardCap int) []string {
	lines := strings.Split(text, "\n")
	var windows []string
	var current []string
	currentTokens := 0
	fresh := false // current holds lines beyond carried overlap

	flush := func() {
		if len(current) == 0 {
			return
		}
		w := strings.TrimRight(strings.Join(current, "\n"), "\n")
		if strings.TrimSpace(w) != "" {
			windows = append(windows, w)
		}
		// Carry overlap lines into the next window, newest last.
		var carry []string
		carryTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			lt := tokenizer.Count(current[i])
			if carryTokens+lt > overlapTokens {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryTokens += lt
		}
		current = carry
		currentTokens = carryTokens
		fresh = false
	}

	for _, line := range lines {
		lt := tokenizer.Count(line)
		if lt > hardCap {
			flush()
			current = nil
			currentTokens = 0
			windows = append(windows, splitWords(line, hardCap)...)
			continue
		}
		if currentTokens+lt > chunkTokens && currentTokens > 0 {
			flush()
		}
		current = append(current, line)
		currentTokens += lt
		fresh = true
	}
	if fresh && strings.TrimSpace(strings.Join(current, "\n")) != "" {
		w := strings.TrimRight(strings.Join(current, "\n"), "\n")
		windows = append(windows, w)
	}
	return windows
}

// splitWords splits an oversized line into word runs under the hard cap.
func splitWords(line string, hardCap int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	// Count scales words by 1.3, so budget the word count accordingly.
	perChunk := int(float64(hardCap) / 1.3)
	if perChunk < 1 {
		perChunk = 1
	}
	var out []string
	for start := 0; start < len(words); start += perChunk {
		end := start + perChunk
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

// packSegments merges consecutive segments into chunks of at most
// chunkTokens, windowing any single segment that exceeds the budget.
// Returns the packed texts paired with the symbol of the first segment in
// each chunk that has one.
type segment struct {
	text   string
	symbol string
}

func packSegments(segments []segment, cfg Config) []segment {
	var out []segment
	var buf []string
	bufTokens := 0
	bufSymbol := ""

	flush := func() {
		if len(buf) == 0 {
			return
		}
		text := strings.TrimRight(strings.Join(buf, "\n"), "\n")
		if strings.TrimSpace(text) != "" {
			out = append(out, segment{text: text, symbol: bufSymbol})
		}
		buf = nil
		bufTokens = 0
		bufSymbol = ""
	}

	for _, seg := range segments {
		tokens := tokenizer.Count(seg.text)
		if tokens > cfg.ChunkTokens {
			flush()
			for _, w := range windowLines(seg.text, cfg.ChunkTokens, cfg.OverlapTokens, cfg.HardCapTokens) {
				out = append(out, segment{text: w, symbol: seg.symbol})
			}
			continue
		}
		if bufTokens+tokens > cfg.ChunkTokens && bufTokens > 0 {
			flush()
		}
		if bufSymbol == "" {
			bufSymbol = seg.symbol
		}
		buf = append(buf, seg.text)
		bufTokens += tokens
	}
	flush()
	return out
}
