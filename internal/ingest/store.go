package ingest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

// Ledger file names under the data directory.
const (
	filesLedger    = "files_metadata.json"
	chunksLedger   = "chunks_metadata.json"
	mappingsLedger = "vector_mappings.json"
	ledgerLockName = "ingest.lock"
)

// FileRecord is one ingested file in the ledger. FileID is the SHA-256 of
// the file bytes, which doubles as the duplicate-detection key.
type FileRecord struct {
	FileID     string    `json:"file_id"`
	DocID      string    `json:"doc_id"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ChunkCount int       `json:"chunk_count"`
	VectorIDs  []string  `json:"vector_ids"`
	Processor  string    `json:"processor"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ChunkEntry locates one chunk in the chunk ledger, keyed by vector id.
type ChunkEntry struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Path       string `json:"path"`
}

// Store is the ingestion ledger: which files are ingested, under which
// hashes, and which vectors they own. Guarded by a process-wide mutex and a
// cross-process file lock so two ragweave processes cannot interleave writes.
type Store struct {
	mu     sync.Mutex
	dir    string
	lock   *flock.Flock
	logger *slog.Logger

	files    map[string]FileRecord // by FileID
	chunks   map[string]ChunkEntry // by vector id
	mappings map[string][]string   // doc id -> vector ids
}

// OpenStore opens or creates the ledger under dir, acquiring the directory
// lock. A held lock means another process owns the data directory.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ragerr.New(ragerr.ErrCodeStoreLoad, "creating data directory", err)
	}

	lock := flock.New(filepath.Join(dir, ledgerLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeStoreLoad, "acquiring data directory lock", err)
	}
	if !ok {
		return nil, ragerr.New(ragerr.ErrCodeResourceExhausted,
			"data directory is locked by another process", nil)
	}

	s := &Store{
		dir:      dir,
		lock:     lock,
		logger:   logger,
		files:    make(map[string]FileRecord),
		chunks:   make(map[string]ChunkEntry),
		mappings: make(map[string][]string),
	}
	if err := s.load(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) load() error {
	if err := readJSON(filepath.Join(s.dir, filesLedger), &s.files); err != nil {
		return err
	}
	if err := readJSON(filepath.Join(s.dir, chunksLedger), &s.chunks); err != nil {
		return err
	}
	return readJSON(filepath.Join(s.dir, mappingsLedger), &s.mappings)
}

// readJSON loads a ledger file into target; a missing file is an empty
// ledger, a corrupt one is an error the caller surfaces.
func readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return ragerr.New(ragerr.ErrCodeStoreLoad, "reading "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return ragerr.New(ragerr.ErrCodeStoreCorrupt, "parsing "+filepath.Base(path), err)
	}
	return nil
}

func (s *Store) saveLocked() error {
	for name, v := range map[string]any{
		filesLedger:    s.files,
		chunksLedger:   s.chunks,
		mappingsLedger: s.mappings,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return ragerr.New(ragerr.ErrCodeStoreSave, "marshaling "+name, err)
		}
		path := filepath.Join(s.dir, name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return ragerr.New(ragerr.ErrCodeStoreSave, "writing "+name, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return ragerr.New(ragerr.ErrCodeStoreSave, "replacing "+name, err)
		}
	}
	return nil
}

// FindByHash returns the record whose content hash matches.
func (s *Store) FindByHash(hash string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[hash]
	return rec, ok
}

// FindByPath returns the record for a source path.
func (s *Store) FindByPath(path string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.files {
		if rec.Path == path {
			return rec, true
		}
	}
	return FileRecord{}, false
}

// Put records an ingested file, replacing any earlier entry for the same
// path and rebinding the doc's chunk entries.
func (s *Store) Put(rec FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An update re-ingests under a new hash; drop the stale entry.
	for id, old := range s.files {
		if old.Path == rec.Path && id != rec.FileID {
			delete(s.files, id)
		}
	}
	for vid, ce := range s.chunks {
		if ce.DocID == rec.DocID {
			delete(s.chunks, vid)
		}
	}

	s.files[rec.FileID] = rec
	for i, vid := range rec.VectorIDs {
		s.chunks[vid] = ChunkEntry{DocID: rec.DocID, ChunkIndex: i, Path: rec.Path}
	}
	s.mappings[rec.DocID] = append([]string(nil), rec.VectorIDs...)

	return s.saveLocked()
}

// Delete removes a file's ledger entries by path, returning the removed
// record when one existed.
func (s *Store) Delete(path string) (FileRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found FileRecord
	var ok bool
	for id, rec := range s.files {
		if rec.Path == path {
			found, ok = rec, true
			delete(s.files, id)
		}
	}
	if !ok {
		return FileRecord{}, false, nil
	}

	for vid, ce := range s.chunks {
		if ce.DocID == found.DocID {
			delete(s.chunks, vid)
		}
	}
	delete(s.mappings, found.DocID)

	return found, true, s.saveLocked()
}

// VectorsForDoc returns the vector ids mapped to a doc id.
func (s *Store) VectorsForDoc(docID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mappings[docID]...)
}

// Files returns all ledger records.
func (s *Store) Files() []FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileRecord, 0, len(s.files))
	for _, rec := range s.files {
		out = append(out, rec)
	}
	return out
}
