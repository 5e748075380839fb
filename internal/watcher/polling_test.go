package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPoller(t *testing.T, dir string) (*PollingWatcher, context.CancelFunc) {
	t.Helper()
	p := NewPollingWatcher(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx, dir)
	// Let the baseline scan land before mutating the tree.
	time.Sleep(60 * time.Millisecond)
	return p, cancel
}

func awaitEvent(t *testing.T, p *PollingWatcher, want Operation, path string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			require.True(t, ok)
			if ev.Operation == want && ev.Path == path {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", want, path)
		}
	}
}

func TestPollingDetectsCreate(t *testing.T) {
	dir := t.TempDir()
	p, cancel := startPoller(t, dir)
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	awaitEvent(t, p, OpCreate, "new.txt")
}

func TestPollingDetectsModify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	p, cancel := startPoller(t, dir)
	defer cancel()

	require.NoError(t, os.WriteFile(path, []byte("longer content"), 0o644))
	awaitEvent(t, p, OpModify, "f.txt")
}

func TestPollingDetectsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	p, cancel := startPoller(t, dir)
	defer cancel()

	require.NoError(t, os.Remove(path))
	awaitEvent(t, p, OpDelete, "f.txt")
}

func TestPollingStopIsIdempotent(t *testing.T) {
	p := NewPollingWatcher(20 * time.Millisecond)
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
}
