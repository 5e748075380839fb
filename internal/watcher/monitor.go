package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ragweave/ragweave/internal/events"
	"github.com/ragweave/ragweave/internal/ingest"
)

// DefaultMaxConcurrent bounds simultaneous pipeline runs.
const DefaultMaxConcurrent = 3

// FileStatus is a monitored file's lifecycle state.
type FileStatus string

const (
	StatusQueued     FileStatus = "queued"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
	StatusDeleted    FileStatus = "deleted"
)

// FileState is the monitor's view of one watched file.
type FileState struct {
	ModTime time.Time
	Size    int64
	Hash    string
	Status  FileStatus
}

// MonitorOptions wires a Monitor.
type MonitorOptions struct {
	Engine        *ingest.Engine
	Watcher       Watcher
	Bus           *events.Bus
	Logger        *slog.Logger
	MaxConcurrent int

	// Include restricts processing to base names matching these globs.
	Include []string
}

// Monitor consumes watcher events and drives the ingestion engine: queueing,
// bounded concurrency, in-flight collapse, and deletion routing. Events are
// published on the bus for any subscriber.
type Monitor struct {
	engine  *ingest.Engine
	watcher Watcher
	bus     *events.Bus
	logger  *slog.Logger
	sem     *semaphore.Weighted
	include []string

	mu       sync.Mutex
	state    map[string]FileState
	inflight map[string]struct{}
	wg       sync.WaitGroup
	root     string
}

// NewMonitor creates a monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Monitor{
		engine:   opts.Engine,
		watcher:  opts.Watcher,
		bus:      opts.Bus,
		logger:   opts.Logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		include:  opts.Include,
		state:    make(map[string]FileState),
		inflight: make(map[string]struct{}),
	}
}

// Run watches root until the context ends, dispatching every batch. It
// returns after in-flight pipelines drain.
func (m *Monitor) Run(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	m.root = abs

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- m.watcher.Start(ctx, abs)
	}()

	m.logger.Info("watching folder", slog.String("root", abs))

	for {
		select {
		case <-ctx.Done():
			_ = m.watcher.Stop()
			m.wg.Wait()
			return ctx.Err()
		case err := <-watchErr:
			m.wg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case batch, ok := <-m.watcher.Events():
			if !ok {
				m.wg.Wait()
				return nil
			}
			for _, ev := range batch {
				m.dispatch(ctx, ev)
			}
		case err, ok := <-m.watcher.Errors():
			if ok && err != nil {
				m.logger.Warn("watcher error", slog.String("error", err.Error()))
			}
		}
	}
}

// State returns a copy of the file-state map.
func (m *Monitor) State() map[string]FileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FileState, len(m.state))
	for k, v := range m.state {
		out[k] = v
	}
	return out
}

func (m *Monitor) dispatch(ctx context.Context, ev FileEvent) {
	if ev.IsDir {
		return
	}
	abs := filepath.Join(m.root, ev.Path)

	switch ev.Operation {
	case OpDelete, OpRename:
		m.handleDelete(ctx, abs)
		return
	}

	if !m.included(ev.Path) {
		return
	}
	if m.engine.Registry().For(abs) == nil {
		return
	}

	m.mu.Lock()
	if _, busy := m.inflight[abs]; busy {
		// A run for this path is already in flight; the re-scan pass picks
		// up whatever lands after it.
		m.mu.Unlock()
		return
	}

	info, err := os.Stat(abs)
	if err != nil {
		m.mu.Unlock()
		return
	}
	hash := hashFile(abs)
	if prev, ok := m.state[abs]; ok && prev.Hash == hash && prev.Status == StatusCompleted {
		m.mu.Unlock()
		return
	}

	m.inflight[abs] = struct{}{}
	m.state[abs] = FileState{
		ModTime: info.ModTime(),
		Size:    info.Size(),
		Hash:    hash,
		Status:  StatusQueued,
	}
	m.mu.Unlock()

	m.publish(events.TypeFileQueued, abs, nil)

	m.wg.Add(1)
	go m.process(ctx, abs)
}

func (m *Monitor) process(ctx context.Context, abs string) {
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.clearInflight(abs, StatusQueued)
		return
	}
	defer m.sem.Release(1)

	m.setStatus(abs, StatusProcessing)
	m.publish(events.TypeProcessingStarted, abs, nil)

	res := m.engine.IngestFile(ctx, abs, nil)
	switch res.Status {
	case ingest.StatusFailed:
		m.clearInflight(abs, StatusFailed)
		data := map[string]any{}
		if res.Err != nil {
			data["error"] = res.Err.Error()
		}
		m.publish(events.TypeProcessingFailed, abs, data)
	default:
		m.clearInflight(abs, StatusCompleted)
		m.publish(events.TypeProcessingCompleted, abs, map[string]any{
			"status":         res.Status,
			"doc_id":         res.DocID,
			"chunks_created": res.ChunksCreated,
			"vectors_stored": res.VectorsStored,
			"is_update":      res.IsUpdate,
		})
	}
}

func (m *Monitor) handleDelete(ctx context.Context, abs string) {
	n, err := m.engine.DeleteFile(ctx, abs)
	if err != nil {
		m.logger.Warn("deleting file vectors",
			slog.String("file", abs), slog.String("error", err.Error()))
		return
	}
	m.setStatus(abs, StatusDeleted)
	if n > 0 {
		m.logger.Info("file deleted from index",
			slog.String("file", abs), slog.Int("vectors", n))
	}
}

func (m *Monitor) included(relPath string) bool {
	if len(m.include) == 0 {
		return true
	}
	base := filepath.Base(relPath)
	for _, pat := range m.include {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func (m *Monitor) setStatus(abs string, status FileStatus) {
	m.mu.Lock()
	st := m.state[abs]
	st.Status = status
	m.state[abs] = st
	m.mu.Unlock()
}

func (m *Monitor) clearInflight(abs string, status FileStatus) {
	m.mu.Lock()
	delete(m.inflight, abs)
	st := m.state[abs]
	st.Status = status
	m.state[abs] = st
	m.mu.Unlock()
}

func (m *Monitor) publish(t events.Type, path string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["file_path"] = path
	m.bus.Publish(events.New(t, data))
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
