package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragweave/ragweave/internal/config"
	ragerr "github.com/ragweave/ragweave/internal/errors"
)

func checkpointStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{"file": fs, "sqlite": sq}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			state := NewState("thread-1")
			state.AddMessage("user", "hello", string(IntentGreeting))
			state.TopicEntities = []string{"Building A"}
			state.TurnCount = 1
			require.NoError(t, store.Put(ctx, state))

			got, err := store.Get(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, PhaseGreeting, got.Phase)
			assert.Equal(t, 1, got.TurnCount)
			require.Len(t, got.Messages, 1)
			assert.Equal(t, "hello", got.Messages[0].Content)
			assert.Equal(t, []string{"Building A"}, got.TopicEntities)

			// Overwrites are idempotent.
			got.Phase = PhaseUnderstanding
			require.NoError(t, store.Put(ctx, got))
			again, err := store.Get(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, PhaseUnderstanding, again.Phase)
		})
	}
}

func TestCheckpointUnknownThread(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			require.Error(t, err)
			assert.Equal(t, ragerr.ErrCodeThreadUnknown, ragerr.GetCode(err))
		})
	}
}

func TestCheckpointListAndDelete(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, NewState("alpha")))
			require.NoError(t, store.Put(ctx, NewState("beta")))

			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)

			require.NoError(t, store.Delete(ctx, "alpha"))
			err = store.Delete(ctx, "alpha")
			require.Error(t, err)
			assert.Equal(t, ragerr.ErrCodeThreadUnknown, ragerr.GetCode(err))

			ids, err = store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"beta"}, ids)
		})
	}
}

func TestCheckpointRejectsBadThreadID(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(context.Background(), "../escape")
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeInvalidParameter, ragerr.GetCode(err))

	err = fs.Put(context.Background(), NewState("bad/id"))
	require.Error(t, err)
}

func TestNewStoreBackendSelection(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(config.ChatConfig{CheckpointBackend: "file", CheckpointDir: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(config.ChatConfig{
		CheckpointBackend: "sqlite",
		SQLitePath:        filepath.Join(dir, "c.db"),
	})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = NewStore(config.ChatConfig{CheckpointBackend: "etcd"})
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeConfigInvalid, ragerr.GetCode(err))
}
