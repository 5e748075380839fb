package vector

import (
	"math"
	"math/rand"
)

const kmeansIterations = 10

// kmeans runs Lloyd's algorithm with a deterministic seed and returns the
// centroids. Inputs are assumed unit-normalized; assignment uses inner
// product, so the result is a spherical clustering.
func kmeans(samples [][]float32, k int, dim int) [][]float32 {
	if len(samples) == 0 || k <= 0 {
		return nil
	}
	if k > len(samples) {
		k = len(samples)
	}

	rng := rand.New(rand.NewSource(42))
	centroids := make([][]float32, k)
	perm := rng.Perm(len(samples))
	for i := 0; i < k; i++ {
		c := make([]float32, dim)
		copy(c, samples[perm[i]])
		centroids[i] = c
	}

	assign := make([]int, len(samples))
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, s := range samples {
			best, bestScore := 0, float32(math.Inf(-1))
			for c, centroid := range centroids {
				if score := dot(s, centroid); score > bestScore {
					best, bestScore = c, score
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
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
				// Re-seed empty cluster from a random sample.
				copy(centroids[c], samples[rng.Intn(len(samples))])
				continue
			}
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] / float32(counts[c])
			}
			centroids[c] = normalize(centroids[c])
		}

		if !changed {
			break
		}
	}
	return centroids
}

// nearestCentroid returns the index of the centroid with the highest inner
// product against v.
func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestScore := 0, float32(math.Inf(-1))
	for i, c := range centroids {
		if score := dot(v, c); score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// topCentroids returns the n centroid indices with the highest inner product
// against v, in descending order.
func topCentroids(v []float32, centroids [][]float32, n int) []int {
	type cs struct {
		idx   int
		score float32
	}
	scored := make([]cs, len(centroids))
	for i, c := range centroids {
		scored[i] = cs{idx: i, score: dot(v, c)}
	}
	// Partial selection sort; n is small (nprobe ≤ 64).
	if n > len(scored) {
		n = len(scored)
	}
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].score > scored[best].score {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].idx
	}
	return out
}
