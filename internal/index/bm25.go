package index

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/cpmkit/cpm/internal/packet"
	"github.com/cpmkit/cpm/internal/tokenizer"
)

// Okapi BM25 parameters.
const (
	BM25K1 = 1.2
	BM25B  = 0.75
)

// BM25 is the sparse index persisted as bm25.bin. Tokenization is the
// shared code-aware tokenizer, identical to chunking time.
type BM25 struct {
	// IDF per term, ln(1 + (N - df + 0.5) / (df + 0.5)).
	IDF map[string]float64 `json:"idf"`
	// TF per document: term -> in-document frequency.
	TF []map[string]float64 `json:"tf"`
	// DocLen is the token count per document.
	DocLen []int `json:"doc_len"`
	// AvgDL is the mean document length.
	AvgDL float64 `json:"avgdl"`
}

// BuildBM25 indexes the chunk texts in order; document i is chunk i.
func BuildBM25(texts []string) *BM25 {
	b := &BM25{
		IDF:    make(map[string]float64),
		TF:     make([]map[string]float64, len(texts)),
		DocLen: make([]int, len(texts)),
	}

	df := make(map[string]int)
	totalLen := 0
	for i, text := range texts {
		terms := tokenizer.Terms(text)
		tf := make(map[string]float64, len(terms))
		for _, term := range terms {
			tf[term]++
		}
		for term := range tf {
			df[term]++
		}
		b.TF[i] = tf
		b.DocLen[i] = len(terms)
		totalLen += len(terms)
	}

	n := len(texts)
	if n > 0 {
		b.AvgDL = float64(totalLen) / float64(n)
	}
	for term, d := range df {
		b.IDF[term] = math.Log(1 + (float64(n)-float64(d)+0.5)/(float64(d)+0.5))
	}
	return b
}

// Search scores documents for the query with Okapi BM25 (k1=1.2, b=0.75)
// and returns the top-k positive scores. Ties break by ascending ordinal.
func (b *BM25) Search(query string, k int) []Hit {
	terms := tokenizer.Terms(query)
	if len(terms) == 0 || len(b.TF) == 0 || k <= 0 {
		return nil
	}

	avgdl := b.AvgDL
	if avgdl <= 0 {
		avgdl = 1
	}

	var hits []Hit
	for i, tf := range b.TF {
		var score float64
		dl := float64(b.DocLen[i])
		for _, term := range terms {
			f := tf[term]
			if f <= 0 {
				continue
			}
			denom := f + BM25K1*(1-BM25B+BM25B*dl/avgdl)
			score += b.IDF[term] * (f * (BM25K1 + 1)) / math.Max(denom, 1e-6)
		}
		if score > 0 {
			hits = append(hits, Hit{Ord: i, Score: float32(score)})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ord < hits[j].Ord
	})
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k]
}

// Count returns the number of indexed documents.
func (b *BM25) Count() int { return len(b.TF) }

// Save writes the index atomically as JSON.
func (b *BM25) Save(path string) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bm25 index: %w", err)
	}
	return packet.WriteAtomic(path, data)
}

// LoadBM25 reads a bm25.bin file.
func LoadBM25(path string) (*BM25, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b BM25
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bm25 index: %w", err)
	}
	if len(b.TF) != len(b.DocLen) {
		return nil, fmt.Errorf("bm25 index inconsistent: %d tf rows, %d doc lengths", len(b.TF), len(b.DocLen))
	}
	return &b, nil
}
