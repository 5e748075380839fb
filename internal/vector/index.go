package vector

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
)

// KeyDeletedAt is stamped on payloads at logical deletion.
const KeyDeletedAt = "deleted_at"

// Index is the persistent, self-optimizing vector index. It keeps raw
// vectors alongside the ANN structure so it can rebuild, migrate between
// variants, and recover from a corrupt structure without re-embedding.
//
// All public methods are safe for concurrent use: reads take the read lock,
// writes the write lock. The underlying variants are not thread-safe and are
// only touched under the lock.
type Index struct {
	mu     sync.RWMutex
	cfg    Config
	logger *slog.Logger
	meta   *metadata.Manager

	ann     annIndex
	vecs    map[uint64][]float32 // live + deleted raw vectors, unit-normalized
	idToPos map[string]uint64
	posToID map[uint64]string
	payload map[uint64]metadata.Record
	deleted map[uint64]struct{}
	nextID  uint64
	savedAt time.Time
}

// trainable is implemented by variants that require a training pass.
type trainable interface {
	trainingReady() bool
	Train()
}

// New creates an index, loading existing state from cfg.Path when present.
// A loaded index whose deleted ratio exceeds the startup threshold is rebuilt
// before New returns.
func New(cfg Config, logger *slog.Logger) (*Index, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeConfigInvalid, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	idx := &Index{
		cfg:     cfg,
		logger:  logger,
		meta:    metadata.NewManager(logger),
		vecs:    make(map[uint64][]float32),
		idToPos: make(map[string]uint64),
		posToID: make(map[uint64]string),
		payload: make(map[uint64]metadata.Record),
		deleted: make(map[uint64]struct{}),
	}
	idx.ann = idx.newVariant(idx.selectVariant(0), 0)

	if cfg.Path != "" {
		loaded, err := idx.loadFromDisk()
		if err != nil {
			return nil, err
		}
		if loaded {
			if ratio := idx.deletedRatioLocked(); ratio >= cfg.StartupRebuildRatio {
				idx.logger.Info("deleted ratio above startup threshold, rebuilding",
					slog.Float64("ratio", ratio))
				idx.rebuildLocked()
			}
		}
	}
	return idx, nil
}

// Dimension returns the configured vector dimension.
func (idx *Index) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cfg.Dimension
}

// AddVectors inserts or replaces vectors with their payloads. Inputs are
// validated up front; nothing is written unless the whole batch is valid.
// Payloads are flattened and stamped through the metadata manager, so
// persisted records never carry a nested metadata key.
func (idx *Index) AddVectors(ids []string, vectors [][]float32, payloads []metadata.Record) error {
	if len(ids) != len(vectors) {
		return ragerr.InvalidParameter(
			fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors)))
	}
	if payloads != nil && len(payloads) != len(ids) {
		return ragerr.InvalidParameter(
			fmt.Sprintf("payloads length mismatch: %d vs %d", len(payloads), len(ids)))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, vec := range vectors {
		if ids[i] == "" {
			return ragerr.InvalidParameter(fmt.Sprintf("empty vector id at position %d", i))
		}
		if len(vec) != idx.cfg.Dimension {
			return ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
				"vector %q has dimension %d, index expects %d", ids[i], len(vec), idx.cfg.Dimension)
		}
		if hasBadValue(vec) {
			return ragerr.InvalidParameter(fmt.Sprintf("vector %q contains NaN or Inf", ids[i]))
		}
	}

	for i, id := range ids {
		var p metadata.Record
		if payloads != nil {
			p = payloads[i]
		}
		merged, _ := idx.meta.Merge(false, p)
		merged[metadata.KeyVectorID] = id
		idx.addOneLocked(id, normalize(vectors[i]), idx.meta.PrepareForStorage(merged))
	}

	idx.maybeTrainLocked()
	idx.maybeMigrateLocked()
	return nil
}

func (idx *Index) addOneLocked(id string, vec []float32, payload metadata.Record) {
	pos, exists := idx.idToPos[id]
	if !exists {
		pos = idx.nextID
		idx.nextID++
		idx.idToPos[id] = pos
		idx.posToID[pos] = id
	}
	// Re-adding a deleted id resurrects it.
	delete(idx.deleted, pos)
	idx.vecs[pos] = vec
	idx.payload[pos] = payload
	idx.ann.Add(pos, vec)
}

// Search returns up to k live nearest neighbors. filter, when non-nil,
// requires payload equality on every key. The index over-fetches to
// compensate for logically deleted entries, widening until enough live
// matches are found or the structure is exhausted.
func (idx *Index) Search(query []float32, k int, filter map[string]any) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ragerr.InvalidParameter("k must be positive")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.cfg.Dimension {
		return nil, ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
			"query has dimension %d, index expects %d", len(query), idx.cfg.Dimension)
	}
	if hasBadValue(query) {
		return nil, ragerr.InvalidParameter("query contains NaN or Inf")
	}

	live := idx.liveCountLocked()
	if live == 0 {
		return nil, nil
	}
	q := normalize(query)

	total := len(idx.vecs)
	fetch := k * idx.cfg.OverfetchFactor
	for {
		hits := idx.searchStructureLocked(q, fetch)
		results := idx.collectLiveLocked(hits, k, filter)
		if len(results) >= k || fetch >= total {
			return results, nil
		}
		fetch *= 2
		if fetch > total {
			fetch = total
		}
	}
}

// searchStructureLocked queries the ANN structure, falling back to an exact
// scan while a trainable variant is still accumulating samples.
func (idx *Index) searchStructureLocked(q []float32, fetch int) []hit {
	if idx.ann.NeedsTraining() && !idx.ann.Trained() {
		return idx.exactScanLocked(q, fetch)
	}
	return idx.ann.Search(q, fetch)
}

func (idx *Index) exactScanLocked(q []float32, k int) []hit {
	scratch := newFlatIndex(idx.cfg.Dimension)
	for pos, vec := range idx.vecs {
		if _, dead := idx.deleted[pos]; dead {
			continue
		}
		scratch.Add(pos, vec)
	}
	return scratch.Search(q, k)
}

func (idx *Index) collectLiveLocked(hits []hit, k int, filter map[string]any) []SearchResult {
	results := make([]SearchResult, 0, k)
	for _, h := range hits {
		if _, dead := idx.deleted[h.pos]; dead {
			continue
		}
		p := idx.payload[h.pos]
		if !matchesFilter(p, filter) {
			continue
		}
		results = append(results, SearchResult{
			VectorID:   idx.posToID[h.pos],
			Similarity: h.score,
			Payload:    p.Clone(),
		})
		if len(results) == k {
			break
		}
	}
	return results
}

// matchesFilter checks payload equality on every filter key. Values of
// different dynamic types compare by their string forms so numeric filters
// match persisted JSON numbers.
func matchesFilter(p metadata.Record, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := p[k]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// SearchWithMetadata runs Search and shapes each result as a flat record
// with the score and identity fields the retrieval layer expects, including
// legacy aliases. The result never contains a nested metadata key.
func (idx *Index) SearchWithMetadata(query []float32, k int, filter map[string]any) ([]metadata.Record, error) {
	results, err := idx.Search(query, k, filter)
	if err != nil {
		return nil, err
	}
	out := make([]metadata.Record, len(results))
	for i, r := range results {
		rec := r.Payload.Clone()
		delete(rec, metadata.KeyNested)
		rec[metadata.KeyVectorID] = r.VectorID
		rec["similarity_score"] = r.Similarity
		rec["score"] = r.Similarity
		if text := rec.Text(); text != "" {
			rec["content"] = text
		}
		if ci := rec.ChunkIndex(); ci >= 0 {
			rec["chunk_id"] = ci
		}
		out[i] = rec
	}
	return out, nil
}

// GetMetadata returns the payload for a vector id. Deleted vectors are only
// visible when includeDeleted is set.
func (idx *Index) GetMetadata(id string, includeDeleted bool) (metadata.Record, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	pos, ok := idx.idToPos[id]
	if !ok {
		return nil, ragerr.NotFound(fmt.Sprintf("vector %q not found", id))
	}
	if _, dead := idx.deleted[pos]; dead && !includeDeleted {
		return nil, ragerr.NotFound(fmt.Sprintf("vector %q not found", id))
	}
	return idx.payload[pos].Clone(), nil
}

// UpdateMetadata merges updates into an existing live payload.
func (idx *Index) UpdateMetadata(id string, updates metadata.Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pos, ok := idx.idToPos[id]
	if !ok {
		return ragerr.NotFound(fmt.Sprintf("vector %q not found", id))
	}
	if _, dead := idx.deleted[pos]; dead {
		return ragerr.NotFound(fmt.Sprintf("vector %q is deleted", id))
	}

	merged, _ := idx.meta.Merge(false, idx.payload[pos], updates)
	merged[metadata.KeyVectorID] = id
	idx.payload[pos] = idx.meta.PrepareForStorage(merged)
	return nil
}

// DeleteVectors logically deletes the given ids and returns how many were
// newly deleted. Unknown and already-deleted ids are skipped. Crossing the
// soft rebuild threshold triggers an inline rebuild.
func (idx *Index) DeleteVectors(ids []string) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	deleted := 0
	for _, id := range ids {
		pos, ok := idx.idToPos[id]
		if !ok {
			continue
		}
		if _, dead := idx.deleted[pos]; dead {
			continue
		}
		idx.deleted[pos] = struct{}{}
		if p := idx.payload[pos]; p != nil {
			p[metadata.KeyDeleted] = true
			p[KeyDeletedAt] = now
		}
		idx.ann.Remove(pos)
		deleted++
	}

	if deleted > 0 {
		if ratio := idx.deletedRatioLocked(); ratio >= idx.cfg.SoftRebuildRatio {
			idx.logger.Info("deleted ratio above soft threshold, rebuilding",
				slog.Float64("ratio", ratio))
			idx.rebuildLocked()
		}
	}
	return deleted, nil
}

// FindVectorsByDocPath returns the ids of all live vectors whose payload
// references the given source, matching doc_path first, then filename, then
// file_path.
func (idx *Index) FindVectorsByDocPath(path string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.findByDocPathLocked(path)
}

func (idx *Index) findByDocPathLocked(path string) []string {
	var ids []string
	for _, key := range []string{metadata.KeyDocPath, metadata.KeyFilename, metadata.KeyFilePath} {
		for pos, p := range idx.payload {
			if _, dead := idx.deleted[pos]; dead {
				continue
			}
			if s, _ := p[key].(string); s == path {
				ids = append(ids, idx.posToID[pos])
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	return nil
}

// DeleteVectorsByDocPath logically deletes every vector belonging to a
// source document.
func (idx *Index) DeleteVectorsByDocPath(path string) (int, error) {
	idx.mu.RLock()
	ids := idx.findByDocPathLocked(path)
	idx.mu.RUnlock()
	if len(ids) == 0 {
		return 0, nil
	}
	return idx.DeleteVectors(ids)
}

// Clear drops all vectors, payloads, and deletion state.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.vecs = make(map[uint64][]float32)
	idx.idToPos = make(map[string]uint64)
	idx.posToID = make(map[uint64]string)
	idx.payload = make(map[uint64]metadata.Record)
	idx.deleted = make(map[uint64]struct{})
	idx.nextID = 0
	idx.ann = idx.newVariant(idx.selectVariant(0), 0)
	return nil
}

// Stats returns a snapshot of index state.
func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{
		Variant:      idx.ann.Kind(),
		Dimension:    idx.cfg.Dimension,
		Live:         idx.liveCountLocked(),
		Deleted:      len(idx.deleted),
		DeletedRatio: idx.deletedRatioLocked(),
		Trained:      idx.ann.Trained(),
		NextID:       idx.nextID,
		SavedAt:      idx.savedAt,
	}
}

// CheckDimensionCompatibility reports whether vectors of the given dimension
// can be added without migration.
func (idx *Index) CheckDimensionCompatibility(dim int) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if dim != idx.cfg.Dimension {
		return ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
			"dimension %d incompatible with index dimension %d", dim, idx.cfg.Dimension)
	}
	return nil
}

// MigrateToNewDimension re-embeds every live vector through transform into
// the new dimension. A backup is taken first when persistence is configured;
// on any transform failure the in-memory state is restored from it and the
// index is unchanged.
func (idx *Index) MigrateToNewDimension(newDim int, transform func(old []float32) ([]float32, error)) error {
	if newDim <= 0 {
		return ragerr.InvalidParameter("new dimension must be positive")
	}
	if transform == nil {
		return ragerr.InvalidParameter("transform must not be nil")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	backupPath := ""
	if idx.cfg.Path != "" {
		if err := idx.saveLocked(); err != nil {
			return err
		}
		p, err := idx.backupLocked()
		if err != nil {
			return err
		}
		backupPath = p
	}

	oldDim := idx.cfg.Dimension
	newVecs := make(map[uint64][]float32, len(idx.vecs))
	for pos, vec := range idx.vecs {
		if _, dead := idx.deleted[pos]; dead {
			continue
		}
		nv, err := transform(vec)
		if err != nil {
			if backupPath != "" {
				if rerr := idx.restoreLocked(backupPath); rerr != nil {
					return ragerr.StoreError(ragerr.ErrCodeStoreLoad,
						"dimension migration failed and backup restore failed", rerr)
				}
			}
			return ragerr.Wrap(ragerr.ErrCodeEmbeddingFailed, err)
		}
		if len(nv) != newDim {
			return ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
				"transform returned dimension %d, expected %d", len(nv), newDim)
		}
		newVecs[pos] = normalize(nv)
	}

	idx.cfg.Dimension = newDim
	idx.applyRebuiltLocked(newVecs)
	idx.logger.Info("migrated index dimension",
		slog.Int("from", oldDim), slog.Int("to", newDim), slog.Int("vectors", len(newVecs)))
	return nil
}

// ForceRebuildForNewDimension discards all vectors and resets the index to
// the new dimension. Used when no transform exists and content must be
// re-ingested.
func (idx *Index) ForceRebuildForNewDimension(newDim int) error {
	if newDim <= 0 {
		return ragerr.InvalidParameter("new dimension must be positive")
	}
	if err := idx.Clear(); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.cfg.Dimension = newDim
	idx.mu.Unlock()
	return nil
}

// ForceRebuild rebuilds the ANN structure immediately, compacting deleted
// entries regardless of the threshold.
func (idx *Index) ForceRebuild() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rebuildLocked()
}

func (idx *Index) liveCountLocked() int {
	return len(idx.vecs) - len(idx.deleted)
}

func (idx *Index) deletedRatioLocked() float64 {
	if len(idx.vecs) == 0 {
		return 0
	}
	return float64(len(idx.deleted)) / float64(len(idx.vecs))
}

// selectVariant picks the ANN structure for a population.
func (idx *Index) selectVariant(n int) Variant {
	switch {
	case n < idx.cfg.FlatMax:
		return VariantFlat
	case n < idx.cfg.IVFMax:
		return VariantIVF
	case n < idx.cfg.GraphMax:
		return VariantGraph
	default:
		return VariantIVFPQ
	}
}

func (idx *Index) newVariant(v Variant, expectedN int) annIndex {
	switch v {
	case VariantIVF:
		return newIVFIndex(idx.cfg.Dimension, expectedN)
	case VariantGraph:
		return newGraphIndex(idx.cfg.Dimension)
	case VariantIVFPQ:
		return newIVFPQIndex(idx.cfg.Dimension)
	default:
		return newFlatIndex(idx.cfg.Dimension)
	}
}

func (idx *Index) maybeTrainLocked() {
	if t, ok := idx.ann.(trainable); ok && t.trainingReady() {
		start := time.Now()
		t.Train()
		idx.logger.Info("trained index structure",
			slog.String("variant", string(idx.ann.Kind())),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// maybeMigrateLocked rebuilds into a different variant when the live
// population has crossed a band boundary.
func (idx *Index) maybeMigrateLocked() {
	want := idx.selectVariant(idx.liveCountLocked())
	if want == idx.ann.Kind() {
		return
	}
	idx.logger.Info("population crossed variant boundary, migrating",
		slog.String("from", string(idx.ann.Kind())),
		slog.String("to", string(want)),
		slog.Int("live", idx.liveCountLocked()))
	idx.rebuildLocked()
}

// rebuildLocked reconstructs the ANN structure from live vectors in batches,
// compacting positions and dropping deleted entries for good.
func (idx *Index) rebuildLocked() {
	live := make([]uint64, 0, idx.liveCountLocked())
	for pos := range idx.vecs {
		if _, dead := idx.deleted[pos]; !dead {
			live = append(live, pos)
		}
	}

	newVecs := make(map[uint64][]float32, len(live))
	for _, pos := range live {
		newVecs[pos] = idx.vecs[pos]
	}
	idx.applyRebuiltLocked(newVecs)
}

// applyRebuiltLocked replaces index contents with the given live vectors,
// renumbering positions densely and rebuilding the ANN structure in batches.
func (idx *Index) applyRebuiltLocked(liveVecs map[uint64][]float32) {
	start := time.Now()
	n := len(liveVecs)
	ann := idx.newVariant(idx.selectVariant(n), n)

	newIDToPos := make(map[string]uint64, n)
	newPosToID := make(map[uint64]string, n)
	newPayload := make(map[uint64]metadata.Record, n)
	newRaw := make(map[uint64][]float32, n)

	var next uint64
	batch := 0
	for oldPos, vec := range liveVecs {
		id := idx.posToID[oldPos]
		p := idx.payload[oldPos]

		pos := next
		next++
		newIDToPos[id] = pos
		newPosToID[pos] = id
		newPayload[pos] = p
		newRaw[pos] = vec
		ann.Add(pos, vec)

		batch++
		if batch == idx.cfg.RebuildBatchSize {
			batch = 0
			if t, ok := ann.(trainable); ok && t.trainingReady() {
				t.Train()
			}
		}
	}
	if t, ok := ann.(trainable); ok && t.trainingReady() {
		t.Train()
	}

	idx.ann = ann
	idx.vecs = newRaw
	idx.idToPos = newIDToPos
	idx.posToID = newPosToID
	idx.payload = newPayload
	idx.deleted = make(map[uint64]struct{})
	idx.nextID = next

	idx.logger.Info("rebuilt index",
		slog.String("variant", string(ann.Kind())),
		slog.Int("vectors", n),
		slog.Duration("elapsed", time.Since(start)))
}
