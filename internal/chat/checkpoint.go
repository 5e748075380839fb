package chat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ragweave/ragweave/internal/config"
	ragerr "github.com/ragweave/ragweave/internal/errors"
)

// Store persists conversation state per thread. Overwrites are idempotent;
// Get for an unknown thread returns ErrCodeThreadUnknown.
type Store interface {
	Get(ctx context.Context, threadID string) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// NewStore builds the configured checkpoint backend.
func NewStore(cfg config.ChatConfig) (Store, error) {
	switch strings.ToLower(cfg.CheckpointBackend) {
	case "", "file":
		return NewFileStore(cfg.CheckpointDir)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword), nil
	default:
		return nil, ragerr.Newf(ragerr.ErrCodeConfigInvalid,
			"unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

var validThreadID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateThreadID rejects thread identifiers that cannot serve as file or
// key names.
func ValidateThreadID(threadID string) error {
	if !validThreadID.MatchString(threadID) {
		return ragerr.Newf(ragerr.ErrCodeInvalidParameter,
			"thread id must match %s", validThreadID.String())
	}
	return nil
}

// FileStore keeps one JSON file per thread under a directory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "checkpoint directory is required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot create checkpoint directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, threadID+".json")
}

func (s *FileStore) Get(_ context.Context, threadID string) (*State, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(threadID))
	if os.IsNotExist(err) {
		return nil, ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot read checkpoint", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeStoreCorrupt, "checkpoint is not valid JSON", err)
	}
	return &state, nil
}

func (s *FileStore) Put(_ context.Context, state *State) error {
	if err := ValidateThreadID(state.ThreadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot encode checkpoint", err)
	}
	target := s.path(state.ThreadID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot write checkpoint", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot finalize checkpoint", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(threadID))
	if os.IsNotExist(err) {
		return ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot delete checkpoint", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot list checkpoints", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
