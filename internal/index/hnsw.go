package index

import (
	"fmt"

	"github.com/coder/hnsw"
)

// HNSWIndex approximates inner-product search for large packets. It is
// built in memory from the packet's vector matrix at load time and never
// persisted; FlatIP remains the determinism anchor and the fallback.
// Returned candidates are re-scored by exact dot product so scores stay
// comparable with FlatIP output.
type HNSWIndex struct {
	graph *hnsw.Graph[int]
	flat  *FlatIP
}

// NewHNSWIndex builds the graph over the flat index's rows.
func NewHNSWIndex(flat *FlatIP) (*HNSWIndex, error) {
	if flat == nil || flat.Count() == 0 {
		return nil, fmt.Errorf("cannot build hnsw over empty index")
	}

	graph := hnsw.NewGraph[int]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	for i := 0; i < flat.Count(); i++ {
		graph.Add(hnsw.MakeNode(i, flat.Vector(i)))
	}
	return &HNSWIndex{graph: graph, flat: flat}, nil
}

// Search returns up to k approximate neighbors, exact-rescored and sorted
// like FlatIP results.
func (h *HNSWIndex) Search(q []float32, k int) ([]Hit, error) {
	if len(q) != h.flat.Dim() {
		return nil, fmt.Errorf("query has dim %d, want %d", len(q), h.flat.Dim())
	}
	if k <= 0 {
		return nil, nil
	}

	nodes := h.graph.Search(q, k)
	hits := make([]Hit, 0, len(nodes))
	for _, node := range nodes {
		row := h.flat.Vector(node.Key)
		var dot float32
		for j := range row {
			dot += q[j] * row[j]
		}
		hits = append(hits, Hit{Ord: node.Key, Score: dot})
	}
	sortHits(hits)
	return hits, nil
}

func sortHits(hits []Hit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			if b.Score > a.Score || (b.Score == a.Score && b.Ord < a.Ord) {
				hits[j-1], hits[j] = b, a
				continue
			}
			break
		}
	}
}
