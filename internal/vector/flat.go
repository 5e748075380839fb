package vector

import "sort"

// flatIndex is exact brute-force search over all vectors. Used below the
// flat/IVF boundary where exact search is cheap.
type flatIndex struct {
	dim  int
	pos  []uint64
	vecs [][]float32
	// posIdx maps position to slice offset for removal.
	posIdx map[uint64]int
}

func newFlatIndex(dim int) *flatIndex {
	return &flatIndex{dim: dim, posIdx: make(map[uint64]int)}
}

func (f *flatIndex) Kind() Variant       { return VariantFlat }
func (f *flatIndex) NeedsTraining() bool { return false }
func (f *flatIndex) Trained() bool       { return true }
func (f *flatIndex) Len() int            { return len(f.pos) }

func (f *flatIndex) Add(pos uint64, vec []float32) {
	if i, ok := f.posIdx[pos]; ok {
		f.vecs[i] = vec
		return
	}
	f.posIdx[pos] = len(f.pos)
	f.pos = append(f.pos, pos)
	f.vecs = append(f.vecs, vec)
}

func (f *flatIndex) Remove(pos uint64) {
	i, ok := f.posIdx[pos]
	if !ok {
		return
	}
	last := len(f.pos) - 1
	f.pos[i] = f.pos[last]
	f.vecs[i] = f.vecs[last]
	f.posIdx[f.pos[i]] = i
	f.pos = f.pos[:last]
	f.vecs = f.vecs[:last]
	delete(f.posIdx, pos)
}

func (f *flatIndex) Search(q []float32, k int) []hit {
	if len(f.pos) == 0 || k <= 0 {
		return nil
	}
	hits := make([]hit, 0, len(f.pos))
	for i, v := range f.vecs {
		hits = append(hits, hit{pos: f.pos[i], score: dot(q, v)})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return hits[a].pos < hits[b].pos
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
