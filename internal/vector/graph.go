package vector

import (
	"github.com/coder/hnsw"
)

// graphIndex wraps a coder/hnsw graph for the 100k–1M population band.
//
// The library does not support hard deletion without graph surgery, so
// Remove is lazy: the node stays in the graph and the owning Index filters
// removed positions out of results. Rebuilds reclaim the space.
type graphIndex struct {
	dim     int
	graph   *hnsw.Graph[uint64]
	present map[uint64]struct{}
}

const (
	graphM              = 32
	graphEfConstruction = 200
	graphMinEfSearch    = 64
)

func newGraphIndex(dim int) *graphIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = graphM
	g.EfSearch = graphMinEfSearch
	g.Ml = 0.25
	return &graphIndex{
		dim:     dim,
		graph:   g,
		present: make(map[uint64]struct{}),
	}
}

func (g *graphIndex) Kind() Variant       { return VariantGraph }
func (g *graphIndex) NeedsTraining() bool { return false }
func (g *graphIndex) Trained() bool       { return true }
func (g *graphIndex) Len() int            { return len(g.present) }

func (g *graphIndex) Add(pos uint64, vec []float32) {
	g.graph.Add(hnsw.MakeNode(pos, vec))
	g.present[pos] = struct{}{}
}

func (g *graphIndex) Remove(pos uint64) {
	// Lazy deletion: orphan the node rather than mutate the graph.
	delete(g.present, pos)
}

func (g *graphIndex) Search(q []float32, k int) []hit {
	if len(g.present) == 0 || k <= 0 {
		return nil
	}

	// efSearch scales with k, floored at the configured minimum.
	ef := k * 2
	if ef < graphMinEfSearch {
		ef = graphMinEfSearch
	}
	g.graph.EfSearch = ef

	// Over-fetch to cover lazily removed nodes still in the graph.
	fetch := k + (g.graph.Len() - len(g.present))
	nodes := g.graph.Search(q, fetch)

	hits := make([]hit, 0, k)
	for _, node := range nodes {
		if _, ok := g.present[node.Key]; !ok {
			continue
		}
		score := 1.0 - g.graph.Distance(q, node.Value)/2.0
		hits = append(hits, hit{pos: node.Key, score: score})
		if len(hits) == k {
			break
		}
	}
	return hits
}
