// Package vector provides the persistent, self-optimizing vector index and
// the Qdrant-backed filterable store. The classical index auto-selects its
// ANN structure by population: brute-force flat for small sets, inverted
// lists for medium, an HNSW graph for large, and inverted lists with product
// quantization for very large sets.
package vector

import (
	"fmt"
	"math"
	"time"

	"github.com/ragweave/ragweave/internal/metadata"
)

// Variant identifies the ANN structure backing the index.
type Variant string

const (
	VariantFlat  Variant = "flat"
	VariantIVF   Variant = "ivf"
	VariantGraph Variant = "graph"
	VariantIVFPQ Variant = "ivfpq"
)

// Population thresholds for variant selection.
const (
	DefaultFlatMax  = 10_000
	DefaultIVFMax   = 100_000
	DefaultGraphMax = 1_000_000
)

// Config configures the self-optimizing index. Thresholds mirror the
// historical defaults and are all tunable.
type Config struct {
	// Dimension is the vector dimension. Required.
	Dimension int

	// Path is the index binary location; the payload blob is stored
	// alongside at Path + ".payload".
	Path string

	// FlatMax, IVFMax, GraphMax are the population boundaries between
	// variants. Zero values use the defaults.
	FlatMax  int
	IVFMax   int
	GraphMax int

	// SoftRebuildRatio schedules a rebuild when deleted/live exceeds it
	// (default 0.15). StartupRebuildRatio rebuilds immediately on load
	// (default 0.20).
	SoftRebuildRatio    float64
	StartupRebuildRatio float64

	// OverfetchFactor multiplies k when searching to compensate for
	// logically deleted entries (default 2).
	OverfetchFactor int

	// RebuildBatchSize is the reconstruction batch during rebuilds and
	// variant migrations (default 10000).
	RebuildBatchSize int

	// BackupKeep is how many timestamped backups to retain (default 5).
	BackupKeep int

	// BackupDir is where Backup() writes rotated copies. Empty disables
	// rotation (explicit Backup(path) still works).
	BackupDir string
}

// WithDefaults fills zero values with defaults.
func (c Config) WithDefaults() Config {
	if c.FlatMax == 0 {
		c.FlatMax = DefaultFlatMax
	}
	if c.IVFMax == 0 {
		c.IVFMax = DefaultIVFMax
	}
	if c.GraphMax == 0 {
		c.GraphMax = DefaultGraphMax
	}
	if c.SoftRebuildRatio == 0 {
		c.SoftRebuildRatio = 0.15
	}
	if c.StartupRebuildRatio == 0 {
		c.StartupRebuildRatio = 0.20
	}
	if c.OverfetchFactor == 0 {
		c.OverfetchFactor = 2
	}
	if c.RebuildBatchSize == 0 {
		c.RebuildBatchSize = 10_000
	}
	if c.BackupKeep == 0 {
		c.BackupKeep = 5
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("vector: dimension must be positive, got %d", c.Dimension)
	}
	return nil
}

// SearchResult is a single nearest-neighbor hit.
type SearchResult struct {
	VectorID   string
	Similarity float32
	Payload    metadata.Record
}

// Stats is a snapshot of index state.
type Stats struct {
	Variant      Variant
	Dimension    int
	Live         int
	Deleted      int
	DeletedRatio float64
	Trained      bool
	NextID       uint64
	SavedAt      time.Time
}

// hit is an internal search result by position.
type hit struct {
	pos   uint64
	score float32
}

// annIndex is the contract each variant implements. Implementations are not
// thread-safe; the Index serializes access through its own lock.
type annIndex interface {
	Kind() Variant
	// Add inserts a unit-normalized vector at the given position.
	// For trainable variants that are untrained, vectors accumulate as
	// training samples and are indexed during Train.
	Add(pos uint64, vec []float32)
	// Remove drops a position from the structure if supported. Variants
	// without cheap removal may ignore it; deleted positions are filtered
	// by the caller.
	Remove(pos uint64)
	// Search returns up to k hits sorted by descending score.
	Search(q []float32, k int) []hit
	NeedsTraining() bool
	Trained() bool
	Len() int
}

// normalize returns a unit-length copy of v. Zero vectors pass unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	copy(out, v)
	if sum == 0 {
		return out
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// dot computes the inner product. For unit vectors this is cosine similarity.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// hasBadValue reports whether a vector contains NaN or ±Inf.
func hasBadValue(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
