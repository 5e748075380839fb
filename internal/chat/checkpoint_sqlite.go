package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id  TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStore persists checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "sqlite checkpoint path is required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot create checkpoint directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot open checkpoint database", err)
	}
	// SQLite allows one writer; more connections just contend.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot apply checkpoint schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, threadID string) (*State, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint query failed", err)
	}
	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeStoreCorrupt, "checkpoint is not valid JSON", err)
	}
	return &state, nil
}

func (s *SQLiteStore) Put(ctx context.Context, state *State) error {
	if err := ValidateThreadID(state.ThreadID); err != nil {
		return err
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "cannot encode checkpoint", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		state.ThreadID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint write failed", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint delete failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ragerr.Newf(ragerr.ErrCodeThreadUnknown, "no checkpoint for thread %s", threadID)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint list failed", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint scan failed", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeCheckpointFailed, "checkpoint iteration failed", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
