// Package tokenizer provides the shared approximate tokenizer used for chunk
// cutting, BM25 indexing, and context-compiler budget accounting. All three
// must agree on token counts, so nothing else in the codebase may count
// tokens on its own.
package tokenizer

import (
	"regexp"
	"strings"
	"unicode"
)

// tokenRegex matches alphanumeric sequences (underscores kept for the
// initial split, removed by SplitIdentifier).
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Count estimates the token count of text. Whitespace words scaled by 1.3
// approximates BPE expansion on mixed code/prose.
func Count(text string) int {
	words := 0
	for _, f := range strings.Fields(text) {
		if f != "" {
			words++
		}
	}
	if words == 0 {
		return 0
	}
	n := int(float64(words) * 1.3)
	if n < 1 {
		n = 1
	}
	return n
}

// Terms splits text into lowercased index terms with code-aware rules:
// camelCase, PascalCase, and snake_case identifiers are decomposed, and
// tokens shorter than two characters are dropped.
func Terms(text string) []string {
	var terms []string
	for _, word := range tokenRegex.FindAllString(text, -1) {
		for _, t := range SplitIdentifier(word) {
			lower := strings.ToLower(t)
			if len(lower) >= 2 {
				terms = append(terms, lower)
			}
		}
	}
	return terms
}

// SplitIdentifier splits snake_case and camelCase identifiers.
func SplitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamel(part)...)
			}
		}
		return result
	}
	return splitCamel(token)
}

// splitCamel splits camelCase and PascalCase, keeping acronym runs intact:
// "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitCamel(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}
