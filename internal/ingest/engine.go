// Package ingest orchestrates the document pipeline: validate, extract,
// chunk, embed, store, and index, with per-stage verification and progress
// tracking. The engine owns all writes to the vector index and the ledger.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ragweave/ragweave/internal/chunk"
	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/embed"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/events"
	"github.com/ragweave/ragweave/internal/metadata"
	"github.com/ragweave/ragweave/internal/progress"
	"github.com/ragweave/ragweave/internal/vector"
	"github.com/ragweave/ragweave/internal/verify"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Skip reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonNoContent = "no_content"
	ReasonNoChunks  = "no_chunks"
)

// Result is the structured outcome of one ingestion. Failures are reported
// here rather than thrown across a batch boundary.
type Result struct {
	Status            string   `json:"status"`
	Reason            string   `json:"reason,omitempty"`
	DocID             string   `json:"doc_id,omitempty"`
	Path              string   `json:"path,omitempty"`
	ChunksCreated     int      `json:"chunks_created"`
	VectorsStored     int      `json:"vectors_stored"`
	IsUpdate          bool     `json:"is_update"`
	OldVectorsDeleted int      `json:"old_vectors_deleted"`
	DuplicateFileID   string   `json:"duplicate_file_id,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	Err               error    `json:"-"`
}

// Filterable receives a mirror of every index write so server-side
// filtered queries see the same vectors as the classical index. Satisfied
// by *vector.FilterableStore; nil disables mirroring.
type Filterable interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []metadata.Record) error
	Delete(ctx context.Context, ids []string) error
}

// Options wires an engine. Index, Embedder, and Store are required.
type Options struct {
	Config     config.IngestConfig
	Index      *vector.Index
	Embedder   embed.Embedder
	Store      *Store
	Filterable Filterable
	Meta       *metadata.Manager
	Tracker    *progress.Tracker
	Bus        *events.Bus
	Registry   *Registry
	Logger     *slog.Logger
}

// Engine runs the ingestion pipeline.
type Engine struct {
	cfg        config.IngestConfig
	idx        *vector.Index
	embedder   embed.Embedder
	store      *Store
	filterable Filterable
	meta       *metadata.Manager
	tracker    *progress.Tracker
	bus        *events.Bus
	registry   *Registry
	chunker    *chunk.TextChunker
	logger     *slog.Logger
	dumpDir    string
}

// NewEngine creates an engine from options, filling defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Index == nil || opts.Embedder == nil || opts.Store == nil {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid,
			"ingest engine requires an index, an embedder, and a store", nil)
	}
	if opts.Meta == nil {
		opts.Meta = metadata.NewManager(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracker == nil {
		t, err := progress.NewTracker("", opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Tracker = t
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Config.ChunkSize, opts.Config.ChunkOverlap)
	}
	dumpDir := ""
	if opts.Config.DumpStageOutput && opts.Config.DataDir != "" {
		dumpDir = filepath.Join(opts.Config.DataDir, "stage_dumps")
	}
	return &Engine{
		cfg:        opts.Config,
		idx:        opts.Index,
		embedder:   opts.Embedder,
		store:      opts.Store,
		filterable: opts.Filterable,
		meta:       opts.Meta,
		tracker:    opts.Tracker,
		bus:        opts.Bus,
		registry:   opts.Registry,
		chunker:    chunk.NewTextChunker(opts.Config.ChunkSize, opts.Config.ChunkOverlap),
		logger:     opts.Logger,
		dumpDir:    dumpDir,
	}, nil
}

// Tracker exposes the engine's progress tracker.
func (e *Engine) Tracker() *progress.Tracker { return e.tracker }

// Registry exposes the processor registry for custom adapters.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) fail(path string, err error) Result {
	e.tracker.Fail(path, err)
	e.logger.Error("ingestion failed",
		slog.String("file", path), slog.String("error", err.Error()))
	return Result{Status: StatusFailed, Path: path, Err: err}
}

func (e *Engine) skip(path, reason, duplicateID string) Result {
	e.tracker.Complete(path)
	e.logger.Info("ingestion skipped",
		slog.String("file", path), slog.String("reason", reason))
	return Result{Status: StatusSkipped, Path: path, Reason: reason, DuplicateFileID: duplicateID}
}

// IngestFile runs the full pipeline for one file. userMeta overrides
// file-derived metadata on every chunk; nil is fine.
func (e *Engine) IngestFile(ctx context.Context, path string, userMeta metadata.Record) Result {
	e.tracker.Track(path)
	v := verify.New(path, e.bus, e.logger, e.dumpDir)

	e.tracker.SetStage(path, progress.StageValidating)
	v.Begin(verify.StageValidation)
	info, err := os.Stat(path)
	if err != nil {
		return e.fail(path, ragerr.New(ragerr.ErrCodeFileNotFound, path, err))
	}
	e.tracker.SetSize(path, info.Size())
	maxBytes := int64(e.cfg.MaxFileSizeMB) << 20
	proc := e.registry.For(path)
	v.CheckValidation(info.Size(), maxBytes, proc != nil)
	if !v.Report().Passed {
		return e.fail(path, ragerr.Newf(ragerr.ErrCodeIngestionFailed,
			"validation failed: %s", strings.Join(v.Report().Stages[0].Errors, "; ")))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return e.fail(path, ragerr.New(ragerr.ErrCodeFilePermission, path, err))
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if prior, ok := e.store.FindByHash(hash); ok {
		return e.skip(path, ReasonDuplicate, prior.FileID)
	}

	// Update semantics: a changed file keeps its doc identity so the new
	// vectors rebind the old ids.
	docID := ""
	isUpdate := false
	oldDeleted := 0
	if prior, ok := e.store.FindByPath(path); ok {
		docID = prior.DocID
	}
	if old := e.idx.FindVectorsByDocPath(path); len(old) > 0 {
		n, derr := e.idx.DeleteVectors(old)
		if derr != nil {
			return e.fail(path, derr)
		}
		if e.filterable != nil {
			if derr := e.filterable.Delete(ctx, old); derr != nil {
				return e.fail(path, derr)
			}
		}
		isUpdate = true
		oldDeleted = n
	}

	e.tracker.SetStage(path, progress.StageExtracting)
	v.Begin(verify.StageExtraction)
	pres, err := proc.Process(ctx, path, content)
	if err != nil {
		return e.fail(path, err)
	}

	fileMeta := metadata.Record{
		metadata.KeyDocPath:    path,
		metadata.KeyFilename:   filepath.Base(path),
		metadata.KeyFilePath:   path,
		metadata.KeyProcessor:  proc.Name(),
		metadata.KeyCreatedAt:  info.ModTime().UTC().Format(time.RFC3339),
		metadata.KeyIngestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if docID == "" {
		seed, _ := e.meta.Merge(false, fileMeta, userMeta)
		docID = e.meta.GenerateDocID(seed)
	}

	res := e.ingestContent(ctx, path, v, pres, fileMeta, userMeta, docID)
	if res.Status != StatusSuccess {
		return res
	}

	res.IsUpdate = isUpdate
	res.OldVectorsDeleted = oldDeleted
	if err := e.store.Put(FileRecord{
		FileID:     hash,
		DocID:      docID,
		Path:       path,
		SizeBytes:  info.Size(),
		ChunkCount: res.ChunksCreated,
		VectorIDs:  e.idx.FindVectorsByDocPath(path),
		Processor:  proc.Name(),
		IngestedAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("ledger write failed after indexing",
			slog.String("file", path), slog.String("error", err.Error()))
		res.Warnings = append(res.Warnings, "ledger write failed: "+err.Error())
	}
	return res
}

// IngestText indexes raw text without file I/O. The doc id defaults to
// meta's doc_path, then title, then "text_document".
func (e *Engine) IngestText(ctx context.Context, text string, userMeta metadata.Record) Result {
	docID := "text_document"
	if userMeta != nil {
		if p, _ := userMeta[metadata.KeyDocPath].(string); p != "" {
			docID = e.meta.GenerateDocID(metadata.Record{metadata.KeyDocPath: p})
		} else if t, _ := userMeta[metadata.KeyTitle].(string); t != "" {
			docID = e.meta.GenerateDocID(metadata.Record{metadata.KeyTitle: t})
		}
	}

	label := "text:" + docID
	e.tracker.Track(label)
	v := verify.New(label, e.bus, e.logger, e.dumpDir)

	fileMeta := metadata.Record{
		metadata.KeySourceType: "text",
		metadata.KeyIngestedAt: time.Now().UTC().Format(time.RFC3339),
	}
	v.Begin(verify.StageExtraction)
	res := e.ingestContent(ctx, label, v, ProcessResult{Text: text}, fileMeta, userMeta, docID)
	if res.Status != StatusSuccess {
		return res
	}

	sum := sha256.Sum256([]byte(text))
	if err := e.store.Put(FileRecord{
		FileID:     hex.EncodeToString(sum[:]),
		DocID:      docID,
		Path:       label,
		SizeBytes:  int64(len(text)),
		ChunkCount: res.ChunksCreated,
		Processor:  "text",
		IngestedAt: time.Now().UTC(),
	}); err != nil {
		res.Warnings = append(res.Warnings, "ledger write failed: "+err.Error())
	}
	return res
}

// ingestContent runs the shared tail of the pipeline: chunk, verify, embed,
// store, index.
func (e *Engine) ingestContent(ctx context.Context, path string, v *verify.Verifier,
	pres ProcessResult, fileMeta, userMeta metadata.Record, docID string) Result {

	sourceText := pres.Text
	chunks := pres.Chunks
	generic := len(chunks) == 0
	if generic {
		if strings.TrimSpace(sourceText) == "" {
			return e.skip(path, ReasonNoContent, "")
		}
		v.CheckExtraction(sourceText)
		chunks = e.chunker.Split(sourceText)
	} else if sourceText != "" {
		v.CheckExtraction(sourceText)
	}

	e.tracker.SetStage(path, progress.StageChunking)
	v.Begin(verify.StageChunking)
	if len(chunks) == 0 {
		return e.skip(path, ReasonNoChunks, "")
	}
	texts := make([]string, len(chunks))
	for i, ck := range chunks {
		texts[i] = ck.Text
	}
	// Specialized processors own their chunk sizes; the window bound only
	// applies to the generic splitter.
	boundSize, boundOverlap := 0, 0
	if generic {
		boundSize, boundOverlap = e.chunker.Size, e.chunker.Overlap
	}
	v.CheckChunking(texts, len(sourceText), boundSize, boundOverlap)

	v.Begin(verify.StageMetadata)
	records := make([]metadata.Record, len(chunks))
	vectorIDs := make([]string, len(chunks))
	for i, ck := range chunks {
		chunkMeta := metadata.Record{
			metadata.KeyDocID:       docID,
			metadata.KeyChunkIndex:  i,
			metadata.KeyText:        ck.Text,
			metadata.KeyChunkSize:   len(ck.Text),
			metadata.KeyTotalChunks: len(chunks),
			metadata.KeyChunkMethod: ck.Method,
		}
		for k, val := range ck.Attrs {
			chunkMeta[k] = val
		}

		merged, _ := e.meta.Merge(false, fileMeta, pres.Attrs, userMeta, chunkMeta)
		if merged.Text() == "" || merged.DocID() == "" {
			// A broken merge never loses the chunk.
			merged = e.meta.MinimalRecord(docID, i, ck.Text)
		}
		merged[metadata.KeyDocID] = docID
		merged[metadata.KeyChunkIndex] = i
		merged[metadata.KeyVectorID] = e.meta.GenerateVectorID(docID, i)
		merged[metadata.KeyEmbedModel] = e.embedder.ModelName()
		records[i] = merged
		vectorIDs[i] = merged[metadata.KeyVectorID].(string)
	}
	v.CheckMetadata(records, len(chunks))

	e.tracker.SetStage(path, progress.StageEmbedding)
	v.Begin(verify.StageEmbedding)
	batchSize := embed.DefaultBatchSize
	vectors := make([][]float32, 0, len(texts))
	totalBatches := (len(texts) + batchSize - 1) / batchSize
	for b := 0; b < totalBatches; b++ {
		lo, hi := b*batchSize, (b+1)*batchSize
		if hi > len(texts) {
			hi = len(texts)
		}
		batch, err := e.embedder.EmbedBatch(ctx, texts[lo:hi])
		if err != nil {
			return e.fail(path, ragerr.New(ragerr.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embedding batch %d/%d", b+1, totalBatches), err))
		}
		vectors = append(vectors, batch...)
		e.tracker.SetBatches(path, b+1, totalBatches)
	}
	v.CheckEmbedding(vectors, len(chunks), e.embedder.Dimensions())

	if rep := v.Report(); !rep.Passed {
		return e.fail(path, ragerr.Newf(ragerr.ErrCodeIngestionFailed,
			"verification failed at %v", rep.FailedStages()))
	}

	e.tracker.SetStage(path, progress.StageStoring)
	v.Begin(verify.StageStorage)
	if err := e.idx.AddVectors(vectorIDs, vectors, records); err != nil {
		return e.fail(path, err)
	}
	if e.filterable != nil {
		if err := e.filterable.Upsert(ctx, vectorIDs, vectors, records); err != nil {
			return e.fail(path, ragerr.New(ragerr.ErrCodeStoreSave,
				"mirroring vectors to the filterable store", err))
		}
	}
	v.CheckStorage(vectorIDs, len(chunks))

	e.tracker.SetStage(path, progress.StageIndexing)
	v.Begin(verify.StageIndex)
	v.CheckIndex(func(id string) bool {
		_, err := e.idx.GetMetadata(id, false)
		return err == nil
	}, vectorIDs)

	e.tracker.SetStage(path, progress.StageFinalizing)
	rep := v.Report()
	res := Result{
		Status:        StatusSuccess,
		Path:          path,
		DocID:         docID,
		ChunksCreated: len(chunks),
		VectorsStored: len(vectorIDs),
	}
	if !rep.Passed {
		// Post-storage check failures flag the result but the vectors stay.
		for _, s := range rep.Stages {
			res.Warnings = append(res.Warnings, s.Errors...)
		}
	}
	e.tracker.Complete(path)
	return res
}

// IngestDirectory walks dir recursively, ingesting files matched by the
// glob patterns (against the base name; nil means every supported file).
// Files are processed sequentially; per-file failures do not stop the batch.
func (e *Engine) IngestDirectory(ctx context.Context, dir string, patterns []string) ([]Result, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if len(patterns) == 0 {
			if e.registry.For(p) != nil {
				paths = append(paths, p)
			}
			return nil
		}
		for _, pat := range patterns {
			if ok, _ := filepath.Match(pat, d.Name()); ok {
				paths = append(paths, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeFileNotFound, dir, err)
	}

	if len(paths) > 0 {
		e.tracker.CreateBatch(filepath.Clean(dir), paths)
	}
	results := make([]Result, 0, len(paths))
	for _, p := range paths {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, e.IngestFile(ctx, p, nil))
	}
	return results, nil
}

// DeleteFile logically deletes a file's vectors and drops its ledger
// entries. Matching follows doc_path, then filename, then file_path.
func (e *Engine) DeleteFile(ctx context.Context, path string) (int, error) {
	ids := e.idx.FindVectorsByDocPath(path)
	n, err := e.idx.DeleteVectors(ids)
	if err != nil {
		return 0, err
	}
	if e.filterable != nil && len(ids) > 0 {
		if err := e.filterable.Delete(ctx, ids); err != nil {
			e.logger.Warn("filterable store delete failed",
				slog.String("file", path), slog.String("error", err.Error()))
		}
	}
	if _, _, err := e.store.Delete(path); err != nil {
		e.logger.Warn("ledger delete failed",
			slog.String("file", path), slog.String("error", err.Error()))
	}
	if e.bus != nil {
		e.bus.Publish(events.New(events.TypeFileDeleted, map[string]any{
			"file_path":       path,
			"vectors_deleted": n,
		}))
	}
	return n, nil
}
