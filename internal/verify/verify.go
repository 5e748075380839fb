// Package verify implements per-stage verification for the ingestion
// pipeline. Each stage of a file's journey is checked against its invariants
// as it completes, so a corrupt extraction or a short embedding batch is
// caught at the stage that produced it instead of surfacing as a bad search
// result weeks later.
package verify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ragweave/ragweave/internal/events"
	"github.com/ragweave/ragweave/internal/metadata"
)

// Stage identifies a verified pipeline stage.
type Stage string

const (
	StageValidation Stage = "validation"
	StageExtraction Stage = "extraction"
	StageChunking   Stage = "chunking"
	StageMetadata   Stage = "metadata"
	StageEmbedding  Stage = "embedding"
	StageStorage    Stage = "storage"
	StageIndex      Stage = "index"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageValidation, StageExtraction, StageChunking, StageMetadata,
	StageEmbedding, StageStorage, StageIndex,
}

// CheckResult is the outcome of verifying one stage.
type CheckResult struct {
	Stage    Stage          `json:"stage"`
	Passed   bool           `json:"passed"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
}

// Report summarizes a file's verified run.
type Report struct {
	FilePath string        `json:"file_path"`
	Passed   bool          `json:"passed"`
	Stages   []CheckResult `json:"stages"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// FailedStages returns the names of failing stages.
func (r Report) FailedStages() []Stage {
	var out []Stage
	for _, s := range r.Stages {
		if !s.Passed {
			out = append(out, s.Stage)
		}
	}
	return out
}

// Verifier checks one file's pipeline run stage by stage. Not safe for
// concurrent use; create one per file.
type Verifier struct {
	filePath string
	logger   *slog.Logger
	bus      *events.Bus
	dumpDir  string // empty disables stage dumps

	started time.Time
	results []CheckResult
}

// New creates a verifier for a file. bus may be nil; dumpDir empty disables
// per-stage JSON dumps.
func New(filePath string, bus *events.Bus, logger *slog.Logger, dumpDir string) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		filePath: filePath,
		logger:   logger,
		bus:      bus,
		dumpDir:  dumpDir,
		started:  time.Now(),
	}
}

// Begin marks entry into a stage, publishing the stage-start event so bus
// subscribers can pair it with the completion that follows.
func (v *Verifier) Begin(stage Stage) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(events.New(events.TypeStageStarted, map[string]any{
		"file_path": v.filePath,
		"stage":     string(stage),
	}))
}

// record finalizes a stage check: logs, publishes, and optionally dumps.
func (v *Verifier) record(res CheckResult) {
	res.Passed = len(res.Errors) == 0
	v.results = append(v.results, res)

	attrs := []any{
		slog.String("file", v.filePath),
		slog.String("stage", string(res.Stage)),
		slog.Bool("passed", res.Passed),
	}
	if res.Passed {
		v.logger.Debug("stage verified", attrs...)
	} else {
		v.logger.Warn("stage verification failed",
			append(attrs, slog.String("errors", strings.Join(res.Errors, "; ")))...)
	}

	if v.bus != nil {
		v.bus.Publish(events.New(events.TypeStageCompleted, map[string]any{
			"file_path": v.filePath,
			"stage":     string(res.Stage),
			"passed":    res.Passed,
			"errors":    res.Errors,
			"warnings":  res.Warnings,
		}))
		if !res.Passed {
			v.bus.Publish(events.New(events.TypeProcessingError, map[string]any{
				"file_path": v.filePath,
				"stage":     string(res.Stage),
				"errors":    res.Errors,
			}))
		}
	}

	if v.dumpDir != "" {
		v.dumpStage(res)
	}
}

func (v *Verifier) dumpStage(res CheckResult) {
	if err := os.MkdirAll(v.dumpDir, 0o755); err != nil {
		v.logger.Warn("creating dump directory", slog.String("error", err.Error()))
		return
	}
	name := fmt.Sprintf("%s.%s.json",
		strings.ReplaceAll(filepath.Base(v.filePath), string(filepath.Separator), "_"), res.Stage)
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(v.dumpDir, name), data, 0o644); err != nil {
		v.logger.Warn("writing stage dump", slog.String("error", err.Error()))
	}
}

// CheckValidation verifies the source file against size and type limits.
func (v *Verifier) CheckValidation(sizeBytes int64, maxBytes int64, supported bool) {
	start := time.Now()
	res := CheckResult{Stage: StageValidation, Details: map[string]any{
		"size_bytes": sizeBytes,
	}}
	if sizeBytes == 0 {
		res.Errors = append(res.Errors, "file is empty")
	}
	if maxBytes > 0 && sizeBytes > maxBytes {
		res.Errors = append(res.Errors, fmt.Sprintf("file size %d exceeds limit %d", sizeBytes, maxBytes))
	}
	if !supported {
		res.Errors = append(res.Errors, "no processor supports this file type")
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// CheckExtraction verifies extracted text is non-empty and mostly printable.
func (v *Verifier) CheckExtraction(text string) {
	start := time.Now()
	res := CheckResult{Stage: StageExtraction, Details: map[string]any{
		"text_bytes": len(text),
	}}
	if strings.TrimSpace(text) == "" {
		res.Errors = append(res.Errors, "extraction produced no text")
	} else if ratio := controlCharRatio(text); ratio > 0.2 {
		res.Errors = append(res.Errors,
			fmt.Sprintf("extraction looks binary: %.0f%% control characters", ratio*100))
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// controlCharRatio is the fraction of non-whitespace control bytes.
func controlCharRatio(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	control := 0
	for _, b := range []byte(text) {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return float64(control) / float64(len(text))
}

// CheckChunking verifies the chunk set covers the text and respects size
// bounds.
func (v *Verifier) CheckChunking(chunks []string, sourceLen, chunkSize, overlap int) {
	start := time.Now()
	res := CheckResult{Stage: StageChunking, Details: map[string]any{
		"chunks": len(chunks),
	}}
	if len(chunks) == 0 {
		res.Errors = append(res.Errors, "chunking produced no chunks")
	}
	total := 0
	for i, c := range chunks {
		if strings.TrimSpace(c) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("chunk %d is empty", i))
		}
		// Splitting never exceeds the configured size plus one overlap.
		if chunkSize > 0 && len(c) > chunkSize+overlap {
			res.Errors = append(res.Errors,
				fmt.Sprintf("chunk %d length %d exceeds bound %d", i, len(c), chunkSize+overlap))
		}
		total += len(c)
	}
	if sourceLen > 0 && total < sourceLen/2 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("chunks cover %d of %d source bytes", total, sourceLen))
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// CheckMetadata verifies one record per chunk, each flat and carrying the
// canonical identity fields.
func (v *Verifier) CheckMetadata(records []metadata.Record, chunkCount int) {
	start := time.Now()
	res := CheckResult{Stage: StageMetadata, Details: map[string]any{
		"records": len(records),
	}}
	if len(records) != chunkCount {
		res.Errors = append(res.Errors,
			fmt.Sprintf("%d metadata records for %d chunks", len(records), chunkCount))
	}
	for i, rec := range records {
		if _, nested := rec[metadata.KeyNested]; nested {
			res.Errors = append(res.Errors, fmt.Sprintf("record %d carries a nested metadata key", i))
		}
		if rec.DocID() == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("record %d missing doc_id", i))
		}
		if id, _ := rec[metadata.KeyVectorID].(string); id == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("record %d missing vector_id", i))
		}
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// CheckEmbedding verifies one finite vector of the expected dimension per
// chunk.
func (v *Verifier) CheckEmbedding(vectors [][]float32, chunkCount, dimension int) {
	start := time.Now()
	res := CheckResult{Stage: StageEmbedding, Details: map[string]any{
		"vectors":   len(vectors),
		"dimension": dimension,
	}}
	if len(vectors) != chunkCount {
		res.Errors = append(res.Errors,
			fmt.Sprintf("%d vectors for %d chunks", len(vectors), chunkCount))
	}
	for i, vec := range vectors {
		if dimension > 0 && len(vec) != dimension {
			res.Errors = append(res.Errors,
				fmt.Sprintf("vector %d has dimension %d, expected %d", i, len(vec), dimension))
			continue
		}
		for _, x := range vec {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				res.Errors = append(res.Errors, fmt.Sprintf("vector %d contains NaN or Inf", i))
				break
			}
		}
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// CheckStorage verifies every chunk landed in the store.
func (v *Verifier) CheckStorage(storedIDs []string, chunkCount int) {
	start := time.Now()
	res := CheckResult{Stage: StageStorage, Details: map[string]any{
		"stored": len(storedIDs),
	}}
	if len(storedIDs) != chunkCount {
		res.Errors = append(res.Errors,
			fmt.Sprintf("stored %d of %d chunks", len(storedIDs), chunkCount))
	}
	seen := make(map[string]struct{}, len(storedIDs))
	for _, id := range storedIDs {
		if id == "" {
			res.Errors = append(res.Errors, "empty vector id in storage result")
			continue
		}
		if _, dup := seen[id]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate vector id %q", id))
		}
		seen[id] = struct{}{}
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// CheckIndex verifies the index is queryable after the write: the stored
// ids resolve to live entries.
func (v *Verifier) CheckIndex(lookup func(id string) bool, storedIDs []string) {
	start := time.Now()
	res := CheckResult{Stage: StageIndex, Details: map[string]any{
		"checked": len(storedIDs),
	}}
	for _, id := range storedIDs {
		if !lookup(id) {
			res.Errors = append(res.Errors, fmt.Sprintf("vector %q not retrievable after store", id))
		}
	}
	res.Elapsed = time.Since(start)
	v.record(res)
}

// Report finalizes the run.
func (v *Verifier) Report() Report {
	rep := Report{
		FilePath: v.filePath,
		Passed:   true,
		Stages:   v.results,
		Elapsed:  time.Since(v.started),
	}
	for _, r := range v.results {
		if !r.Passed {
			rep.Passed = false
			break
		}
	}
	return rep
}
