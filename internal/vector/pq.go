package vector

import (
	"math"
	"sort"
)

// Product quantization parameters for the composite variant.
const (
	pqSubquantizers  = 64
	pqCentroids      = 256 // 8 bits per code
	ivfpqClusters    = 4096
	ivfpqProbeLists  = 64
	ivfpqMinTraining = 10_000
)

// ivfpqIndex combines a coarse inverted-list quantizer with product-quantized
// codes, trading exactness for roughly 4x memory compression at the ≥1M
// population band. Scores are computed by asymmetric distance: per-query
// lookup tables of inner products between query sub-vectors and codebook
// centroids.
type ivfpqIndex struct {
	dim    int
	subDim int
	m      int

	coarse    [][]float32   // coarse centroids
	codebooks [][][]float32 // m codebooks of 256 sub-centroids
	lists     [][]uint64    // coarse cluster -> positions
	codes     map[uint64][]uint8
	assign    map[uint64]int

	pending   map[uint64][]float32
	minTrain  int
	isTrained bool
}

func newIVFPQIndex(dim int) *ivfpqIndex {
	m := pqSubquantizers
	// Subquantizer count must divide the dimension evenly.
	for m > 1 && dim%m != 0 {
		m /= 2
	}
	return &ivfpqIndex{
		dim:      dim,
		subDim:   dim / m,
		m:        m,
		codes:    make(map[uint64][]uint8),
		assign:   make(map[uint64]int),
		pending:  make(map[uint64][]float32),
		minTrain: ivfpqMinTraining,
	}
}

func (pq *ivfpqIndex) Kind() Variant       { return VariantIVFPQ }
func (pq *ivfpqIndex) NeedsTraining() bool { return true }
func (pq *ivfpqIndex) Trained() bool       { return pq.isTrained }

func (pq *ivfpqIndex) Len() int {
	if !pq.isTrained {
		return len(pq.pending)
	}
	return len(pq.codes)
}

func (pq *ivfpqIndex) trainingReady() bool {
	return !pq.isTrained && len(pq.pending) >= pq.minTrain
}

func (pq *ivfpqIndex) Add(pos uint64, vec []float32) {
	if !pq.isTrained {
		pq.pending[pos] = vec
		return
	}
	pq.insert(pos, vec)
}

func (pq *ivfpqIndex) insert(pos uint64, vec []float32) {
	if old, ok := pq.assign[pos]; ok {
		pq.removeFromList(old, pos)
	}
	c := nearestCentroid(vec, pq.coarse)
	pq.lists[c] = append(pq.lists[c], pos)
	pq.assign[pos] = c
	pq.codes[pos] = pq.encode(vec)
}

func (pq *ivfpqIndex) Remove(pos uint64) {
	if !pq.isTrained {
		delete(pq.pending, pos)
		return
	}
	if c, ok := pq.assign[pos]; ok {
		pq.removeFromList(c, pos)
		delete(pq.assign, pos)
		delete(pq.codes, pos)
	}
}

func (pq *ivfpqIndex) removeFromList(cluster int, pos uint64) {
	list := pq.lists[cluster]
	for i, p := range list {
		if p == pos {
			list[i] = list[len(list)-1]
			pq.lists[cluster] = list[:len(list)-1]
			return
		}
	}
}

// Train builds the coarse quantizer and the per-subspace codebooks from
// accumulated samples, then replays them.
func (pq *ivfpqIndex) Train() {
	samples := make([][]float32, 0, len(pq.pending))
	for _, v := range pq.pending {
		samples = append(samples, v)
	}

	pq.coarse = kmeans(samples, ivfpqClusters, pq.dim)
	pq.lists = make([][]uint64, len(pq.coarse))

	pq.codebooks = make([][][]float32, pq.m)
	for sub := 0; sub < pq.m; sub++ {
		subSamples := make([][]float32, len(samples))
		lo := sub * pq.subDim
		for i, s := range samples {
			subSamples[i] = s[lo : lo+pq.subDim]
		}
		pq.codebooks[sub] = kmeansRaw(subSamples, pqCentroids, pq.subDim)
	}
	pq.isTrained = true

	for pos, vec := range pq.pending {
		pq.insert(pos, vec)
	}
	pq.pending = make(map[uint64][]float32)
}

// encode maps a vector to m codebook indices.
func (pq *ivfpqIndex) encode(vec []float32) []uint8 {
	code := make([]uint8, pq.m)
	for sub := 0; sub < pq.m; sub++ {
		lo := sub * pq.subDim
		segment := vec[lo : lo+pq.subDim]
		best, bestScore := 0, float32(math.Inf(-1))
		for i, c := range pq.codebooks[sub] {
			if score := dot(segment, c); score > bestScore {
				best, bestScore = i, score
			}
		}
		code[sub] = uint8(best)
	}
	return code
}

func (pq *ivfpqIndex) Search(q []float32, k int) []hit {
	if !pq.isTrained || len(pq.codes) == 0 || k <= 0 {
		return nil
	}

	// Per-query lookup tables: table[sub][centroid] = q_sub · centroid.
	tables := make([][]float32, pq.m)
	for sub := 0; sub < pq.m; sub++ {
		lo := sub * pq.subDim
		segment := q[lo : lo+pq.subDim]
		table := make([]float32, len(pq.codebooks[sub]))
		for i, c := range pq.codebooks[sub] {
			table[i] = dot(segment, c)
		}
		tables[sub] = table
	}

	var hits []hit
	for _, c := range topCentroids(q, pq.coarse, ivfpqProbeLists) {
		for _, pos := range pq.lists[c] {
			code := pq.codes[pos]
			var score float32
			for sub, idx := range code {
				score += tables[sub][idx]
			}
			hits = append(hits, hit{pos: pos, score: score})
		}
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

// kmeansRaw is kmeans without the unit-normalization of centroids; sub-vector
// segments of unit vectors are not themselves unit length.
func kmeansRaw(samples [][]float32, k int, dim int) [][]float32 {
	if len(samples) == 0 || k <= 0 {
		return nil
	}
	centroids := kmeans(samples, k, dim)
	// kmeans normalizes centroids; recompute means without normalization.
	assign := make([]int, len(samples))
	for i, s := range samples {
		assign[i] = nearestCentroid(s, centroids)
	}
	counts := make([]int, len(centroids))
	sums := make([][]float32, len(centroids))
	for c := range sums {
		sums[c] = make([]float32, dim)
	}
	for i, s := range samples {
		c := assign[i]
		counts[c]++
		for d, x := range s {
			sums[c][d] += x
		}
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		for d := range centroids[c] {
			centroids[c][d] = sums[c][d] / float32(counts[c])
		}
	}
	return centroids
}
