// Package watcher detects file additions, modifications, and deletions in
// watched folders and feeds them to the ingestion engine with bounded
// concurrency. fsnotify is the primary mechanism with interval polling as a
// fallback; rapid events are debounced before dispatch.
package watcher

import (
	"context"
	"time"
)

// Operation is a file system operation type.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a detected file system event. Path is relative to the
// watched root.
type FileEvent struct {
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Watcher is the file watching contract. Events are emitted in debounced
// batches.
type Watcher interface {
	Start(ctx context.Context, path string) error
	Stop() error
	Events() <-chan []FileEvent
	Errors() <-chan error
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is how long to coalesce rapid events (default 200ms).
	DebounceWindow time.Duration

	// PollInterval is the re-scan interval for polling mode (default 5s).
	PollInterval time.Duration

	// EventBufferSize is the event channel buffer (default 1000).
	EventBufferSize int

	// Include restricts processing to base names matching these globs.
	// Empty means every file the engine has a processor for.
	Include []string

	// Exclude holds ignore patterns to skip (see the ignore package).
	Exclude []string
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 1000
	}
	return o
}
