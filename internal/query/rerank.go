package query

import (
	"math"
	"sort"
)

// mmrLambda balances relevance against diversity in the
// token-diversity reranker.
const mmrLambda = 0.5

// Reranker reorders the top-k' candidates and returns top-k.
type Reranker interface {
	Name() string
	Rerank(hits []Hit, vectors func(ord int) []float32, k int) []Hit
}

// rerankerFor resolves a reranker by name; unknown names fall back to
// the noop reranker and record a warning.
func rerankerFor(name string, warnings *[]string) Reranker {
	switch name {
	case RerankerTokenDiversity:
		return tokenDiversityReranker{}
	case RerankerNone, "":
		return noopReranker{}
	default:
		*warnings = append(*warnings, "unknown_reranker_fallback_none:"+name)
		return noopReranker{}
	}
}

// noopReranker keeps retrieval order.
type noopReranker struct{}

func (noopReranker) Name() string { return RerankerNone }

func (noopReranker) Rerank(hits []Hit, _ func(int) []float32, k int) []Hit {
	if k < len(hits) {
		return hits[:k]
	}
	return hits
}

// tokenDiversityReranker applies maximal marginal relevance over chunk
// vectors: each round picks the candidate maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_selected.
type tokenDiversityReranker struct{}

func (tokenDiversityReranker) Name() string { return RerankerTokenDiversity }

func (tokenDiversityReranker) Rerank(hits []Hit, vectors func(ord int) []float32, k int) []Hit {
	if len(hits) == 0 || k <= 0 {
		return nil
	}
	if k > len(hits) {
		k = len(hits)
	}

	// Normalize relevance to [0,1] so lambda weighting is meaningful
	// regardless of the score scale (dot product vs RRF).
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < minScore {
			minScore = h.Score
		}
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	spread := maxScore - minScore
	relevance := func(h Hit) float64 {
		if spread == 0 {
			return 1
		}
		return (h.Score - minScore) / spread
	}

	selected := make([]Hit, 0, k)
	remaining := append([]Hit(nil), hits...)

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestScore := -1.0
		for i, cand := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				sim := cosine(vectors(cand.Ord), vectors(s.Ord))
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := mmrLambda*relevance(cand) - (1-mmrLambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	// Keep the output ordered by original score for stable presentation.
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Score != selected[j].Score {
			return selected[i].Score > selected[j].Score
		}
		return selected[i].ID < selected[j].ID
	})
	return selected
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
