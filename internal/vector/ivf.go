package vector

import (
	"math"
	"sort"
)

// ivfIndex is an inverted-list index: vectors are bucketed by their nearest
// coarse centroid and only nprobe buckets are scanned per query.
//
// Until trained, added vectors accumulate as training samples and the index
// reports itself untrained (searches return nothing, matching the contract
// that an untrained index yields empty results). The owning Index triggers
// Train once enough samples exist and replays accumulated vectors.
type ivfIndex struct {
	dim      int
	clusters int
	nprobe   int

	centroids [][]float32
	lists     [][]uint64 // cluster -> positions
	vecs      map[uint64][]float32
	assign    map[uint64]int // position -> cluster

	pending   map[uint64][]float32 // accumulated pre-training
	minTrain  int
	isTrained bool
}

// newIVFIndex sizes the coarse quantizer from the expected population:
// K ≈ 2·√N clamped to [100, 4096], probing min(K/10, 64) lists.
func newIVFIndex(dim, expectedN int) *ivfIndex {
	k := int(2 * math.Sqrt(float64(expectedN)))
	if k < 100 {
		k = 100
	}
	if k > 4096 {
		k = 4096
	}
	nprobe := k / 10
	if nprobe > 64 {
		nprobe = 64
	}
	if nprobe < 1 {
		nprobe = 1
	}
	minTrain := 10_000
	if n := expectedN / 10; n < minTrain {
		minTrain = n
	}
	if minTrain < 1 {
		minTrain = 1
	}
	return &ivfIndex{
		dim:      dim,
		clusters: k,
		nprobe:   nprobe,
		vecs:     make(map[uint64][]float32),
		assign:   make(map[uint64]int),
		pending:  make(map[uint64][]float32),
		minTrain: minTrain,
	}
}

func (iv *ivfIndex) Kind() Variant       { return VariantIVF }
func (iv *ivfIndex) NeedsTraining() bool { return true }
func (iv *ivfIndex) Trained() bool       { return iv.isTrained }

func (iv *ivfIndex) Len() int {
	if !iv.isTrained {
		return len(iv.pending)
	}
	return len(iv.vecs)
}

// trainingReady reports whether enough samples have accumulated.
func (iv *ivfIndex) trainingReady() bool {
	return !iv.isTrained && len(iv.pending) >= iv.minTrain
}

func (iv *ivfIndex) Add(pos uint64, vec []float32) {
	if !iv.isTrained {
		iv.pending[pos] = vec
		return
	}
	iv.insert(pos, vec)
}

func (iv *ivfIndex) insert(pos uint64, vec []float32) {
	if old, ok := iv.assign[pos]; ok {
		iv.removeFromList(old, pos)
	}
	c := nearestCentroid(vec, iv.centroids)
	iv.lists[c] = append(iv.lists[c], pos)
	iv.assign[pos] = c
	iv.vecs[pos] = vec
}

func (iv *ivfIndex) Remove(pos uint64) {
	if !iv.isTrained {
		delete(iv.pending, pos)
		return
	}
	if c, ok := iv.assign[pos]; ok {
		iv.removeFromList(c, pos)
		delete(iv.assign, pos)
		delete(iv.vecs, pos)
	}
}

func (iv *ivfIndex) removeFromList(cluster int, pos uint64) {
	list := iv.lists[cluster]
	for i, p := range list {
		if p == pos {
			list[i] = list[len(list)-1]
			iv.lists[cluster] = list[:len(list)-1]
			return
		}
	}
}

// Train clusters accumulated samples and replays them into the lists.
func (iv *ivfIndex) Train() {
	samples := make([][]float32, 0, len(iv.pending))
	for _, v := range iv.pending {
		samples = append(samples, v)
	}
	iv.centroids = kmeans(samples, iv.clusters, iv.dim)
	iv.clusters = len(iv.centroids)
	iv.lists = make([][]uint64, iv.clusters)
	iv.isTrained = true

	for pos, vec := range iv.pending {
		iv.insert(pos, vec)
	}
	iv.pending = make(map[uint64][]float32)
}

func (iv *ivfIndex) Search(q []float32, k int) []hit {
	if !iv.isTrained || len(iv.vecs) == 0 || k <= 0 {
		return nil
	}

	// Probe more lists for larger k so recall holds up.
	nprobe := iv.nprobe
	if k > 32 && nprobe < 2*iv.nprobe {
		nprobe *= 2
	}

	var hits []hit
	for _, c := range topCentroids(q, iv.centroids, nprobe) {
		for _, pos := range iv.lists[c] {
			hits = append(hits, hit{pos: pos, score: dot(q, iv.vecs[pos])})
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
