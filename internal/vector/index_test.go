package vector

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
)

const testDim = 8

// axisVec returns a unit vector along the given axis with a small unique
// perturbation so vectors are distinct but ordering stays predictable.
func axisVec(axis int, bump float32) []float32 {
	v := make([]float32, testDim)
	v[axis] = 1
	v[(axis+1)%testDim] = bump
	return v
}

func newTestIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	if cfg.Dimension == 0 {
		cfg.Dimension = testDim
	}
	idx, err := New(cfg, nil)
	require.NoError(t, err)
	return idx
}

func addN(t *testing.T, idx *Index, n int, axis int) []string {
	t.Helper()
	ids := make([]string, n)
	vecs := make([][]float32, n)
	payloads := make([]metadata.Record, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("doc_chunk_%d", i)
		vecs[i] = axisVec(axis, float32(i+1)/float32(n+1))
		payloads[i] = metadata.Record{
			metadata.KeyText:       fmt.Sprintf("chunk %d", i),
			metadata.KeyDocID:      "doc",
			metadata.KeyChunkIndex: i,
			metadata.KeyDocPath:    "notes/doc.md",
		}
	}
	require.NoError(t, idx.AddVectors(ids, vecs, payloads))
	return ids
}

func TestAddAndSearchFlat(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 5, 0)

	results, err := idx.Search(axisVec(0, 0.9), 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Highest bump is closest to the 0.9-bump query.
	assert.Equal(t, "doc_chunk_4", results[0].VectorID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
	assert.Equal(t, "chunk 4", results[0].Payload.Text())
}

func TestAddVectorsValidation(t *testing.T) {
	idx := newTestIndex(t, Config{})

	tests := []struct {
		name string
		ids  []string
		vecs [][]float32
		code string
	}{
		{
			name: "length mismatch",
			ids:  []string{"a", "b"},
			vecs: [][]float32{axisVec(0, 0)},
			code: ragerr.ErrCodeInvalidParameter,
		},
		{
			name: "wrong dimension",
			ids:  []string{"a"},
			vecs: [][]float32{{1, 2}},
			code: ragerr.ErrCodeDimensionMismatch,
		},
		{
			name: "nan component",
			ids:  []string{"a"},
			vecs: [][]float32{{float32(math.NaN()), 0, 0, 0, 0, 0, 0, 0}},
			code: ragerr.ErrCodeInvalidParameter,
		},
		{
			name: "empty id",
			ids:  []string{""},
			vecs: [][]float32{axisVec(0, 0)},
			code: ragerr.ErrCodeInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.AddVectors(tt.ids, tt.vecs, nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, ragerr.GetCode(err))
		})
	}

	// Nothing was written by the failed batches.
	assert.Equal(t, 0, idx.Stats().Live)
}

func TestSearchDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 3, 0)

	_, err := idx.Search([]float32{1, 0}, 2, nil)
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, Config{})
	results, err := idx.Search(axisVec(0, 0), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLogicalDeleteHidesFromSearch(t *testing.T) {
	idx := newTestIndex(t, Config{SoftRebuildRatio: 0.99})
	ids := addN(t, idx, 5, 0)

	n, err := idx.DeleteVectors(ids[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Deleting again is a no-op.
	n, err = idx.DeleteVectors(ids[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	results, err := idx.Search(axisVec(0, 0.5), 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotContains(t, []string{ids[0], ids[1]}, r.VectorID)
	}
}

func TestDeletedMetadataVisibility(t *testing.T) {
	idx := newTestIndex(t, Config{SoftRebuildRatio: 0.99})
	ids := addN(t, idx, 3, 0)

	_, err := idx.DeleteVectors(ids[:1])
	require.NoError(t, err)

	_, err = idx.GetMetadata(ids[0], false)
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeNotFound, ragerr.GetCode(err))

	rec, err := idx.GetMetadata(ids[0], true)
	require.NoError(t, err)
	assert.Equal(t, true, rec[metadata.KeyDeleted])
	assert.NotEmpty(t, rec[KeyDeletedAt])
}

func TestSoftRebuildCompactsDeleted(t *testing.T) {
	idx := newTestIndex(t, Config{SoftRebuildRatio: 0.15})
	ids := addN(t, idx, 10, 0)

	// 2/10 deleted crosses the 15% threshold and triggers a rebuild.
	_, err := idx.DeleteVectors(ids[:2])
	require.NoError(t, err)

	stats := idx.Stats()
	assert.Equal(t, 8, stats.Live)
	assert.Equal(t, 0, stats.Deleted)
	assert.Equal(t, 0.0, stats.DeletedRatio)

	results, err := idx.Search(axisVec(0, 0.5), 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 8)
}

func TestResurrectDeletedID(t *testing.T) {
	idx := newTestIndex(t, Config{SoftRebuildRatio: 0.99})
	ids := addN(t, idx, 3, 0)

	_, err := idx.DeleteVectors(ids[:1])
	require.NoError(t, err)

	require.NoError(t, idx.AddVectors(ids[:1], [][]float32{axisVec(0, 0.5)},
		[]metadata.Record{{metadata.KeyText: "revived"}}))

	rec, err := idx.GetMetadata(ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, "revived", rec.Text())
	assert.Equal(t, 3, idx.Stats().Live)
}

func TestSearchFilter(t *testing.T) {
	idx := newTestIndex(t, Config{})
	require.NoError(t, idx.AddVectors(
		[]string{"a_chunk_0", "b_chunk_0"},
		[][]float32{axisVec(0, 0.1), axisVec(0, 0.2)},
		[]metadata.Record{
			{metadata.KeyText: "alpha", metadata.KeyDocID: "a"},
			{metadata.KeyText: "beta", metadata.KeyDocID: "b"},
		}))

	results, err := idx.Search(axisVec(0, 0.15), 5, map[string]any{metadata.KeyDocID: "b"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b_chunk_0", results[0].VectorID)
}

func TestSearchWithMetadataShape(t *testing.T) {
	idx := newTestIndex(t, Config{})
	require.NoError(t, idx.AddVectors(
		[]string{"d_chunk_3"},
		[][]float32{axisVec(0, 0.1)},
		[]metadata.Record{{
			metadata.KeyText:       "hello",
			metadata.KeyChunkIndex: 3,
			metadata.KeyNested:     map[string]any{"author": "kb"},
		}}))

	recs, err := idx.SearchWithMetadata(axisVec(0, 0.1), 1, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "d_chunk_3", rec[metadata.KeyVectorID])
	assert.Equal(t, rec["similarity_score"], rec["score"])
	assert.Equal(t, "hello", rec["content"])
	assert.Equal(t, 3, rec["chunk_id"])
	// Nested metadata was flattened at add time, never returned nested.
	assert.NotContains(t, rec, metadata.KeyNested)
	assert.Equal(t, "kb", rec["author"])
}

func TestUpdateMetadata(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 2, 0)

	require.NoError(t, idx.UpdateMetadata("doc_chunk_0", metadata.Record{"reviewed": true}))
	rec, err := idx.GetMetadata("doc_chunk_0", false)
	require.NoError(t, err)
	assert.Equal(t, true, rec["reviewed"])
	assert.Equal(t, "chunk 0", rec.Text())

	err = idx.UpdateMetadata("missing", metadata.Record{"x": 1})
	assert.Equal(t, ragerr.ErrCodeNotFound, ragerr.GetCode(err))
}

func TestDeleteByDocPath(t *testing.T) {
	idx := newTestIndex(t, Config{SoftRebuildRatio: 0.99})
	addN(t, idx, 4, 0)
	require.NoError(t, idx.AddVectors(
		[]string{"other_chunk_0"},
		[][]float32{axisVec(1, 0.1)},
		[]metadata.Record{{metadata.KeyText: "x", metadata.KeyDocPath: "notes/other.md"}}))

	found := idx.FindVectorsByDocPath("notes/doc.md")
	assert.Len(t, found, 4)

	n, err := idx.DeleteVectorsByDocPath("notes/doc.md")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Empty(t, idx.FindVectorsByDocPath("notes/doc.md"))
	assert.Len(t, idx.FindVectorsByDocPath("notes/other.md"), 1)
}

func TestVariantSelectionBoundaries(t *testing.T) {
	idx := newTestIndex(t, Config{FlatMax: 10, IVFMax: 100, GraphMax: 1000})

	tests := []struct {
		n    int
		want Variant
	}{
		{0, VariantFlat},
		{9, VariantFlat},
		{10, VariantIVF},
		{99, VariantIVF},
		{100, VariantGraph},
		{999, VariantGraph},
		{1000, VariantIVFPQ},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idx.selectVariant(tt.n), "n=%d", tt.n)
	}
}

func TestMigrationFlatToIVF(t *testing.T) {
	idx := newTestIndex(t, Config{FlatMax: 8, IVFMax: 10_000})
	addN(t, idx, 20, 0)

	stats := idx.Stats()
	assert.Equal(t, VariantIVF, stats.Variant)
	assert.True(t, stats.Trained)
	assert.Equal(t, 20, stats.Live)

	results, err := idx.Search(axisVec(0, 0.9), 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	assert.Equal(t, "doc_chunk_19", results[0].VectorID)
}

func TestMigrationFlatToGraph(t *testing.T) {
	idx := newTestIndex(t, Config{FlatMax: 4, IVFMax: 8})
	addN(t, idx, 12, 0)

	stats := idx.Stats()
	assert.Equal(t, VariantGraph, stats.Variant)

	results, err := idx.Search(axisVec(0, 0.9), 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "doc_chunk_11", results[0].VectorID)
}

func TestClear(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 5, 0)
	require.NoError(t, idx.Clear())

	stats := idx.Stats()
	assert.Equal(t, 0, stats.Live)
	assert.Equal(t, uint64(0), stats.NextID)
	results, err := idx.Search(axisVec(0, 0.1), 3, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionCompatibilityAndForceRebuild(t *testing.T) {
	idx := newTestIndex(t, Config{})
	require.NoError(t, idx.CheckDimensionCompatibility(testDim))
	err := idx.CheckDimensionCompatibility(16)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))

	addN(t, idx, 3, 0)
	require.NoError(t, idx.ForceRebuildForNewDimension(16))
	assert.Equal(t, 16, idx.Dimension())
	assert.Equal(t, 0, idx.Stats().Live)
}

func TestMigrateToNewDimension(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 4, 0)

	widen := func(old []float32) ([]float32, error) {
		out := make([]float32, 16)
		copy(out, old)
		return out, nil
	}
	require.NoError(t, idx.MigrateToNewDimension(16, widen))
	assert.Equal(t, 16, idx.Dimension())
	assert.Equal(t, 4, idx.Stats().Live)

	q := make([]float32, 16)
	q[0] = 1
	results, err := idx.Search(q, 2, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "index.bin"), SoftRebuildRatio: 0.99, StartupRebuildRatio: 0.99}

	idx := newTestIndex(t, cfg)
	ids := addN(t, idx, 6, 0)
	_, err := idx.DeleteVectors(ids[:1])
	require.NoError(t, err)
	require.NoError(t, idx.Save())

	reloaded := newTestIndex(t, cfg)
	stats := reloaded.Stats()
	assert.Equal(t, 5, stats.Live)
	assert.Equal(t, 1, stats.Deleted)
	assert.False(t, stats.SavedAt.IsZero())

	rec, err := reloaded.GetMetadata(ids[2], false)
	require.NoError(t, err)
	assert.Equal(t, "chunk 2", rec.Text())

	results, err := reloaded.Search(axisVec(0, 0.5), 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestLoadRebuildsAboveStartupThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "index.bin"), SoftRebuildRatio: 0.99}

	idx := newTestIndex(t, cfg)
	ids := addN(t, idx, 10, 0)
	_, err := idx.DeleteVectors(ids[:3])
	require.NoError(t, err)
	require.NoError(t, idx.Save())

	// 30% deleted exceeds the default 20% startup threshold.
	reloaded := newTestIndex(t, cfg)
	stats := reloaded.Stats()
	assert.Equal(t, 7, stats.Live)
	assert.Equal(t, 0, stats.Deleted)
}

func TestLoadWithCorruptPayloadSidecar(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "index.bin")}

	idx := newTestIndex(t, cfg)
	ids := addN(t, idx, 3, 0)
	require.NoError(t, idx.Save())
	require.NoError(t, os.WriteFile(cfg.Path+payloadSuffix, []byte("{garbage"), 0o644))

	reloaded := newTestIndex(t, cfg)
	assert.Equal(t, 3, reloaded.Stats().Live)

	// Vectors survive; payloads degrade to minimal records.
	rec, err := reloaded.GetMetadata(ids[0], false)
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec[metadata.KeyVectorID])
}

func TestBackupRotationAndRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Path:       filepath.Join(dir, "index.bin"),
		BackupDir:  filepath.Join(dir, "backups"),
		BackupKeep: 2,
	}

	idx := newTestIndex(t, cfg)
	addN(t, idx, 3, 0)

	var last string
	for i := 0; i < 4; i++ {
		p, err := idx.Backup()
		require.NoError(t, err)
		last = p
	}

	backups, err := filepath.Glob(filepath.Join(cfg.BackupDir, "*.bak"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)

	require.NoError(t, idx.Clear())
	assert.Equal(t, 0, idx.Stats().Live)
	require.NoError(t, idx.Restore(last))
	assert.Equal(t, 3, idx.Stats().Live)
}

func TestConsistencyCheckAndRepair(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 3, 0)

	rep := idx.CheckConsistency(false)
	assert.True(t, rep.Healthy())
	assert.Equal(t, 3, rep.Checked)

	// Damage the payload map directly.
	idx.mu.Lock()
	delete(idx.payload, idx.idToPos["doc_chunk_1"])
	idx.mu.Unlock()

	rep = idx.CheckConsistency(false)
	assert.False(t, rep.Healthy())

	rep = idx.CheckConsistency(true)
	assert.Equal(t, 1, rep.Repaired)
	assert.True(t, idx.CheckConsistency(false).Healthy())
}

func TestConcurrentAddAndSearch(t *testing.T) {
	idx := newTestIndex(t, Config{})
	addN(t, idx, 10, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := idx.Search(axisVec(0, 0.5), 3, nil)
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("conc_chunk_%d", i)
		err := idx.AddVectors([]string{id}, [][]float32{axisVec(1, float32(i)/100)},
			[]metadata.Record{{metadata.KeyText: "c"}})
		assert.NoError(t, err)
	}
	<-done
	assert.Equal(t, 60, idx.Stats().Live)
}
