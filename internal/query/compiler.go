package query

import (
	"sort"
	"strings"

	"github.com/cpmkit/cpm/internal/tokenizer"
)

// Budget shares of the compiled context.
const (
	outlineShare  = 0.10
	snippetShare  = 0.70
	glossaryShare = 0.10
	riskShare     = 0.10
)

// dedupCosine is the near-duplicate threshold over chunk vectors.
const dedupCosine = 0.95

const maxGlossaryEntries = 12

// compileContext turns ranked hits into the structured context package.
// Deterministic under fixed input ordering and fixed tokenizer. Every
// included snippet carries a citation resolving to its chunk id; hits
// without a usable citation are dropped.
func compileContext(queryText string, hits []Hit, vectors func(ord int) []float32, maxTokens int, warnings []string) *Compiled {
	if maxTokens <= 0 {
		maxTokens = 6000
	}

	// 1. Drop semantically near-duplicate snippets, keeping the
	// higher-ranked one.
	unique := dedupe(hits, vectors)

	// 2. Order by section affinity (path prefix grouping), then score.
	ordered := orderByAffinity(unique)

	// 3. Greedy pack within the snippet share in affinity order: a snippet
	// that does not fit is skipped and later ones are still tried. Snippets
	// are not reordered by length or by score-weighted length.
	snippetBudget := int(float64(maxTokens) * snippetShare)
	outlineBudget := int(float64(maxTokens) * outlineShare)
	glossaryBudget := int(float64(maxTokens) * glossaryShare)
	riskBudget := int(float64(maxTokens) * riskShare)

	compiled := &Compiled{}
	used := 0
	for _, h := range ordered {
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		citation, ok := citationFor(h)
		if !ok {
			// Citation guarantee: uncitable snippets never ship.
			continue
		}
		cost := tokenizer.Count(text)
		if used+cost > snippetBudget {
			continue
		}
		used += cost
		compiled.CoreSnippets = append(compiled.CoreSnippets, Snippet{Text: text, Citation: citation})
		compiled.Citations = append(compiled.Citations, citation)
	}

	compiled.Outline = buildOutline(queryText, compiled.CoreSnippets, outlineBudget)
	compiled.Glossary = buildGlossary(compiled.CoreSnippets, glossaryBudget)
	compiled.Risks = buildRisks(warnings, compiled.CoreSnippets, riskBudget)

	compiled.TokenEstimate = used
	for _, s := range compiled.Outline {
		compiled.TokenEstimate += tokenizer.Count(s)
	}
	for _, g := range compiled.Glossary {
		compiled.TokenEstimate += tokenizer.Count(g.Term) + tokenizer.Count(g.Def)
	}
	for _, r := range compiled.Risks {
		compiled.TokenEstimate += tokenizer.Count(r)
	}
	return compiled
}

// dedupe removes candidates whose vector cosine against an already-kept
// candidate reaches the threshold. Input order (rank order) decides the
// survivor.
func dedupe(hits []Hit, vectors func(ord int) []float32) []Hit {
	var kept []Hit
	for _, h := range hits {
		dup := false
		for _, k := range kept {
			if cosine(vectors(h.Ord), vectors(k.Ord)) >= dedupCosine {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, h)
		}
	}
	return kept
}

// orderByAffinity groups hits by file path prefix, orders groups by their
// best score, and sorts by descending score within each group.
func orderByAffinity(hits []Hit) []Hit {
	groups := make(map[string][]Hit)
	var order []string
	best := make(map[string]float64)

	for _, h := range hits {
		key := affinityKey(h)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
			best[key] = h.Score
		}
		groups[key] = append(groups[key], h)
		if h.Score > best[key] {
			best[key] = h.Score
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if best[order[i]] != best[order[j]] {
			return best[order[i]] > best[order[j]]
		}
		return order[i] < order[j]
	})

	var out []Hit
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].ID < group[j].ID
		})
		out = append(out, group...)
	}
	return out
}

// affinityKey is the directory prefix of the chunk's source path.
func affinityKey(h Hit) string {
	path := h.Metadata["path"]
	if path == "" {
		path = h.ID
	}
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		return path[:idx]
	}
	return "."
}

// citationFor builds a citation from a hit; the chunk id is mandatory.
func citationFor(h Hit) (Citation, bool) {
	if strings.TrimSpace(h.ID) == "" {
		return Citation{}, false
	}
	return Citation{
		ID:    h.ID,
		Path:  h.Metadata["path"],
		Score: h.Score,
	}, true
}

// buildOutline derives section titles from the packed snippets.
func buildOutline(queryText string, snippets []Snippet, budget int) []string {
	outline := []string{"Answer query: " + queryText}
	seen := map[string]struct{}{}
	used := tokenizer.Count(outline[0])
	for _, s := range snippets {
		title := s.Citation.Path
		if title == "" {
			title = s.Citation.ID
		}
		if _, dup := seen[title]; dup {
			continue
		}
		cost := tokenizer.Count(title)
		if used+cost > budget {
			break
		}
		seen[title] = struct{}{}
		outline = append(outline, title)
		used += cost
	}
	return outline
}

// buildGlossary picks distinctive long terms from the packed snippets,
// citing the snippet each came from.
func buildGlossary(snippets []Snippet, budget int) []GlossaryEntry {
	var entries []GlossaryEntry
	seen := map[string]struct{}{}
	used := 0
	for _, s := range snippets {
		for _, term := range tokenizer.Terms(s.Text) {
			if len(term) < 6 {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			def := firstLine(s.Text)
			cost := tokenizer.Count(term) + tokenizer.Count(def)
			if used+cost > budget || len(entries) >= maxGlossaryEntries {
				return entries
			}
			seen[term] = struct{}{}
			entries = append(entries, GlossaryEntry{Term: term, Def: def, Citation: s.Citation})
			used += cost
		}
	}
	return entries
}

// buildRisks carries pipeline warnings into the context, bounded by the
// risk budget.
func buildRisks(warnings []string, snippets []Snippet, budget int) []string {
	risks := make([]string, 0, len(warnings)+1)
	used := 0
	for _, w := range warnings {
		cost := tokenizer.Count(w)
		if used+cost > budget {
			break
		}
		risks = append(risks, w)
		used += cost
	}
	if len(snippets) == 0 {
		risks = append(risks, "no_snippets_within_budget")
	}
	return risks
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
