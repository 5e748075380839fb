// Package progress tracks per-file ingestion progress across weighted
// pipeline stages, persists state so interrupted runs resume cleanly, and
// samples system metrics for status reporting.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// rateWindow is the sliding window over which throughput rates are derived.
const rateWindow = time.Minute

// Stage identifies a pipeline stage for progress accounting.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageValidating Stage = "validating"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageStoring    Stage = "storing"
	StageIndexing   Stage = "indexing"
	StageFinalizing Stage = "finalizing"
)

// stageOrder is the pipeline order; stageWeights apportion overall progress
// by expected cost. Weights sum to 1.
var stageOrder = []Stage{
	StageQueued, StageValidating, StageExtracting, StageChunking,
	StageEmbedding, StageStoring, StageIndexing, StageFinalizing,
}

var stageWeights = map[Stage]float64{
	StageQueued:     0.05,
	StageValidating: 0.10,
	StageExtracting: 0.20,
	StageChunking:   0.15,
	StageEmbedding:  0.25,
	StageStoring:    0.15,
	StageIndexing:   0.05,
	StageFinalizing: 0.05,
}

// State is a file's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// FileProgress is a snapshot of one file's progress.
type FileProgress struct {
	Path          string    `json:"path"`
	State         State     `json:"state"`
	Stage         Stage     `json:"stage"`
	StageProgress float64   `json:"stage_progress"` // 0..1 within the stage
	Overall       float64   `json:"overall"`        // 0..1, monotone
	BatchesDone   int       `json:"batches_done"`
	BatchesTotal  int       `json:"batches_total"`
	SizeBytes     int64     `json:"size_bytes,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SystemMetrics is a point-in-time resource sample. Throughput rates are
// derived from completions inside the last rateWindow.
type SystemMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	DiskPercent    float64 `json:"disk_percent"`
	DiskFreeGB     float64 `json:"disk_free_gb"`
	Goroutines     int     `json:"goroutines"`
	FilesPerMinute float64 `json:"files_per_minute"`
	MBPerMinute    float64 `json:"mb_per_minute"`
}

// BatchProgress aggregates the files of a named batch.
type BatchProgress struct {
	ID        string  `json:"id"`
	Files     int     `json:"files"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Overall   float64 `json:"overall"` // mean of member overall progress
}

// Callback receives a file snapshot. Callbacks run synchronously under the
// tracker's dispatch and are panic-isolated.
type Callback func(FileProgress)

// Tracker tracks progress for many files concurrently. When a save path is
// configured, state is persisted after every mutation via temp+rename.
type Tracker struct {
	mu          sync.Mutex
	files       map[string]*FileProgress
	batches     map[string][]string
	completions []completion
	path        string
	logger      *slog.Logger

	stageCallbacks    []Callback
	progressCallbacks []Callback
	doneCallbacks     []Callback
}

// NewTracker creates a tracker. path empty disables persistence; an existing
// state file is loaded with previously running files reset to pending.
func NewTracker(path string, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		files:   make(map[string]*FileProgress),
		batches: make(map[string][]string),
		path:    path,
		logger:  logger,
	}
	if path != "" {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OnStageChange registers a callback fired when a file enters a new stage.
func (t *Tracker) OnStageChange(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stageCallbacks = append(t.stageCallbacks, cb)
}

// OnProgress registers a callback fired on intra-stage progress updates.
func (t *Tracker) OnProgress(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallbacks = append(t.progressCallbacks, cb)
}

// OnDone registers a callback fired when a file completes or fails.
func (t *Tracker) OnDone(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doneCallbacks = append(t.doneCallbacks, cb)
}

func (t *Tracker) fire(cbs []Callback, snap FileProgress) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("progress callback panicked",
						slog.String("file", snap.Path), slog.Any("panic", r))
				}
			}()
			cb(snap)
		}()
	}
}

// Track registers a file and marks it queued.
func (t *Tracker) Track(path string) {
	t.mu.Lock()
	now := time.Now().UTC()
	fp := &FileProgress{
		Path:      path,
		State:     StateRunning,
		Stage:     StageQueued,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.files[path] = fp
	snap := *fp
	cbs := t.stageCallbacks
	t.saveLocked()
	t.mu.Unlock()

	t.fire(cbs, snap)
}

// SetStage advances a file to a stage. Overall progress accumulates the
// weights of all earlier stages and never moves backwards.
func (t *Tracker) SetStage(path string, stage Stage) {
	t.mu.Lock()
	fp, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	fp.Stage = stage
	fp.StageProgress = 0
	fp.BatchesDone, fp.BatchesTotal = 0, 0
	fp.UpdatedAt = time.Now().UTC()
	t.recalcLocked(fp)
	snap := *fp
	cbs := t.stageCallbacks
	t.saveLocked()
	t.mu.Unlock()

	t.fire(cbs, snap)
}

// SetBatches records intra-stage batch progress.
func (t *Tracker) SetBatches(path string, done, total int) {
	t.mu.Lock()
	fp, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	fp.BatchesDone, fp.BatchesTotal = done, total
	if total > 0 {
		fp.StageProgress = float64(done) / float64(total)
		if fp.StageProgress > 1 {
			fp.StageProgress = 1
		}
	}
	fp.UpdatedAt = time.Now().UTC()
	t.recalcLocked(fp)
	snap := *fp
	cbs := t.progressCallbacks
	t.saveLocked()
	t.mu.Unlock()

	t.fire(cbs, snap)
}

// SetSize records a file's size once known, feeding the MB/min rate.
func (t *Tracker) SetSize(path string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.files[path]
	if !ok {
		return
	}
	fp.SizeBytes = bytes
	fp.UpdatedAt = time.Now().UTC()
}

// CreateBatch names a group of files so their progress can be read as one
// aggregate. Members not yet tracked are registered as pending.
func (t *Tracker) CreateBatch(id string, files []string) {
	t.mu.Lock()
	members := make([]string, 0, len(files))
	now := time.Now().UTC()
	for _, path := range files {
		members = append(members, path)
		if _, ok := t.files[path]; !ok {
			t.files[path] = &FileProgress{
				Path:      path,
				State:     StatePending,
				Stage:     StageQueued,
				StartedAt: now,
				UpdatedAt: now,
			}
		}
	}
	t.batches[id] = members
	t.saveLocked()
	t.mu.Unlock()
}

// BatchProgress aggregates a batch's members. The second return is false
// for an unknown batch id.
func (t *Tracker) BatchProgress(id string) (BatchProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.batches[id]
	if !ok {
		return BatchProgress{}, false
	}
	bp := BatchProgress{ID: id, Files: len(members)}
	var sum float64
	for _, path := range members {
		fp, ok := t.files[path]
		if !ok {
			continue
		}
		sum += fp.Overall
		switch fp.State {
		case StateCompleted:
			bp.Completed++
		case StateFailed:
			bp.Failed++
		}
	}
	if len(members) > 0 {
		bp.Overall = sum / float64(len(members))
	}
	return bp, true
}

// recalcLocked recomputes overall progress, clamped monotone.
func (t *Tracker) recalcLocked(fp *FileProgress) {
	var overall float64
	for _, s := range stageOrder {
		if s == fp.Stage {
			overall += stageWeights[s] * fp.StageProgress
			break
		}
		overall += stageWeights[s]
	}
	if overall > fp.Overall {
		fp.Overall = overall
	}
}

// Complete marks a file done.
func (t *Tracker) Complete(path string) {
	t.finish(path, StateCompleted, "")
}

// Fail marks a file failed with an error message.
func (t *Tracker) Fail(path string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(path, StateFailed, msg)
}

func (t *Tracker) finish(path string, state State, errMsg string) {
	t.mu.Lock()
	fp, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	fp.State = state
	fp.Error = errMsg
	if state == StateCompleted {
		fp.Stage = StageFinalizing
		fp.StageProgress = 1
		fp.Overall = 1
		t.completions = append(t.completions, completion{At: time.Now().UTC(), Bytes: fp.SizeBytes})
		t.pruneCompletionsLocked(time.Now().UTC())
	}
	fp.UpdatedAt = time.Now().UTC()
	snap := *fp
	cbs := t.doneCallbacks
	t.saveLocked()
	t.mu.Unlock()

	t.fire(cbs, snap)
}

// Get returns a file's snapshot.
func (t *Tracker) Get(path string) (FileProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.files[path]
	if !ok {
		return FileProgress{}, false
	}
	return *fp, true
}

// Snapshot returns all tracked files sorted by path.
func (t *Tracker) Snapshot() []FileProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileProgress, 0, len(t.files))
	for _, fp := range t.files {
		out = append(out, *fp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}

// Pending returns paths loaded from a previous run that have not finished.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for path, fp := range t.files {
		if fp.State == StatePending {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// Metrics samples current system resource usage and ingestion throughput.
func (t *Tracker) Metrics() SystemMetrics {
	m := SystemMetrics{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsedMB = vm.Used / (1 << 20)
	}
	dir := t.path
	if dir == "" {
		dir, _ = os.Getwd()
	} else {
		dir = filepath.Dir(dir)
	}
	if du, err := disk.Usage(dir); err == nil {
		m.DiskPercent = du.UsedPercent
		m.DiskFreeGB = float64(du.Free) / (1 << 30)
	}

	t.mu.Lock()
	now := time.Now().UTC()
	t.pruneCompletionsLocked(now)
	var bytes int64
	for _, c := range t.completions {
		bytes += c.Bytes
	}
	m.FilesPerMinute = float64(len(t.completions)) * float64(time.Minute) / float64(rateWindow)
	m.MBPerMinute = float64(bytes) / (1 << 20) * float64(time.Minute) / float64(rateWindow)
	t.mu.Unlock()
	return m
}

// completion is one finished file inside the rate window.
type completion struct {
	At    time.Time `json:"at"`
	Bytes int64     `json:"bytes"`
}

func (t *Tracker) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	keep := t.completions[:0]
	for _, c := range t.completions {
		if c.At.After(cutoff) {
			keep = append(keep, c)
		}
	}
	t.completions = keep
}

// persisted is the on-disk shape.
type persisted struct {
	Version int                 `json:"version"`
	SavedAt time.Time           `json:"saved_at"`
	Files   []*FileProgress     `json:"files"`
	Batches map[string][]string `json:"batches,omitempty"`
}

func (t *Tracker) saveLocked() {
	if t.path == "" {
		return
	}
	p := persisted{Version: 1, SavedAt: time.Now().UTC()}
	if len(t.batches) > 0 {
		p.Batches = t.batches
	}
	for _, fp := range t.files {
		p.Files = append(p.Files, fp)
	}
	sort.Slice(p.Files, func(a, b int) bool { return p.Files[a].Path < p.Files[b].Path })

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		t.logger.Warn("marshaling progress state", slog.String("error", err.Error()))
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Warn("creating progress directory", slog.String("error", err.Error()))
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Warn("writing progress state", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Warn("replacing progress state", slog.String("error", err.Error()))
	}
}

// load restores a previous run. Files that were mid-flight come back as
// pending so the caller can requeue them; their progress resets since a
// partial stage cannot be trusted across a restart.
func (t *Tracker) load() error {
	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading progress state: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		t.logger.Warn("progress state corrupt, starting fresh", slog.String("error", err.Error()))
		return nil
	}

	for _, fp := range p.Files {
		if fp == nil || fp.Path == "" {
			continue
		}
		if fp.State == StateRunning {
			fp.State = StatePending
			fp.Stage = StageQueued
			fp.StageProgress = 0
			fp.Overall = 0
			fp.BatchesDone, fp.BatchesTotal = 0, 0
		}
		t.files[fp.Path] = fp
	}
	for id, members := range p.Batches {
		t.batches[id] = members
	}
	return nil
}
