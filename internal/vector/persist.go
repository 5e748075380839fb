package vector

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"log/slog"

	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
)

const payloadSuffix = ".payload"

// indexSnapshot is the gob-persisted core: vectors, identity maps, and
// deletion state. Payload records live in a JSON sidecar so a corrupt
// payload file costs metadata, not vectors.
type indexSnapshot struct {
	Version   int
	Dimension int
	NextID    uint64
	IDToPos   map[string]uint64
	Deleted   []uint64
	Vectors   map[uint64][]float32
	SavedAt   time.Time
}

const snapshotVersion = 1

// Save persists the index atomically: temp file plus rename for both the
// index binary and the payload sidecar.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

func (idx *Index) saveLocked() error {
	if idx.cfg.Path == "" {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "no index path configured", nil)
	}
	if err := os.MkdirAll(filepath.Dir(idx.cfg.Path), 0o755); err != nil {
		return ragerr.Wrap(ragerr.ErrCodeStoreSave, err)
	}

	now := time.Now().UTC()
	snap := indexSnapshot{
		Version:   snapshotVersion,
		Dimension: idx.cfg.Dimension,
		NextID:    idx.nextID,
		IDToPos:   idx.idToPos,
		Vectors:   idx.vecs,
		SavedAt:   now,
	}
	for pos := range idx.deleted {
		snap.Deleted = append(snap.Deleted, pos)
	}

	if err := writeAtomic(idx.cfg.Path, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(snap)
	}); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "writing index snapshot", err)
	}

	payloads := make(map[string]metadata.Record, len(idx.payload))
	for pos, p := range idx.payload {
		payloads[strconv.FormatUint(pos, 10)] = p
	}
	if err := writeAtomic(idx.cfg.Path+payloadSuffix, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(payloads)
	}); err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "writing payload sidecar", err)
	}

	idx.savedAt = now
	return nil
}

// writeAtomic writes via a temp file in the target directory then renames.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// loadFromDisk restores state from cfg.Path. Returns false when no snapshot
// exists. A corrupt snapshot falls back to the most recent readable backup;
// a corrupt or missing payload sidecar degrades to minimal records rather
// than failing the load.
func (idx *Index) loadFromDisk() (bool, error) {
	if _, err := os.Stat(idx.cfg.Path); os.IsNotExist(err) {
		return false, nil
	}

	snap, err := readSnapshot(idx.cfg.Path)
	if err != nil {
		idx.logger.Error("index snapshot corrupt, trying backups",
			slog.String("path", idx.cfg.Path), slog.String("error", err.Error()))
		snap, err = idx.loadFromBackups()
		if err != nil {
			return false, ragerr.StoreError(ragerr.ErrCodeStoreCorrupt,
				fmt.Sprintf("index snapshot %s unreadable and no usable backup", idx.cfg.Path), err)
		}
	}

	if snap.Dimension != 0 && snap.Dimension != idx.cfg.Dimension {
		return false, ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
			"stored index dimension %d differs from configured %d", snap.Dimension, idx.cfg.Dimension)
	}

	idx.applySnapshotLocked(snap, idx.loadPayloads(idx.cfg.Path+payloadSuffix, snap))
	return true, nil
}

func readSnapshot(path string) (*indexSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap indexSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	if snap.IDToPos == nil || snap.Vectors == nil {
		return nil, fmt.Errorf("snapshot missing core maps")
	}
	return &snap, nil
}

// loadPayloads reads the sidecar, synthesizing minimal records for any
// position it cannot recover.
func (idx *Index) loadPayloads(path string, snap *indexSnapshot) map[uint64]metadata.Record {
	out := make(map[uint64]metadata.Record, len(snap.Vectors))

	raw := make(map[string]metadata.Record)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			idx.logger.Warn("payload sidecar corrupt, using minimal records",
				slog.String("path", path), slog.String("error", err.Error()))
			raw = nil
		}
	} else if !os.IsNotExist(err) {
		idx.logger.Warn("payload sidecar unreadable", slog.String("error", err.Error()))
	}

	posToID := make(map[uint64]string, len(snap.IDToPos))
	for id, pos := range snap.IDToPos {
		posToID[pos] = id
	}

	for pos := range snap.Vectors {
		if p, ok := raw[strconv.FormatUint(pos, 10)]; ok {
			out[pos] = idx.meta.RecoverFromStorage(p)
			continue
		}
		id := posToID[pos]
		out[pos] = metadata.Record{metadata.KeyVectorID: id, metadata.KeyText: ""}
	}
	return out
}

// applySnapshotLocked installs snapshot state and replays live vectors into
// a freshly selected variant.
func (idx *Index) applySnapshotLocked(snap *indexSnapshot, payloads map[uint64]metadata.Record) {
	idx.idToPos = snap.IDToPos
	idx.posToID = make(map[uint64]string, len(snap.IDToPos))
	for id, pos := range snap.IDToPos {
		idx.posToID[pos] = id
	}
	idx.vecs = snap.Vectors
	idx.payload = payloads
	idx.deleted = make(map[uint64]struct{}, len(snap.Deleted))
	for _, pos := range snap.Deleted {
		idx.deleted[pos] = struct{}{}
	}
	idx.nextID = snap.NextID
	idx.savedAt = snap.SavedAt

	live := idx.liveCountLocked()
	ann := idx.newVariant(idx.selectVariant(live), live)
	for pos, vec := range idx.vecs {
		if _, dead := idx.deleted[pos]; dead {
			continue
		}
		ann.Add(pos, vec)
	}
	if t, ok := ann.(trainable); ok && t.trainingReady() {
		t.Train()
	}
	idx.ann = ann

	idx.logger.Info("loaded index",
		slog.String("variant", string(ann.Kind())),
		slog.Int("live", live),
		slog.Int("deleted", len(idx.deleted)))
}

// Backup copies the current on-disk snapshot into the backup directory with
// a timestamped name and rotates old backups down to the configured count.
func (idx *Index) Backup() (string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.saveLocked(); err != nil {
		return "", err
	}
	return idx.backupLocked()
}

func (idx *Index) backupLocked() (string, error) {
	if idx.cfg.BackupDir == "" {
		return "", ragerr.StoreError(ragerr.ErrCodeStoreSave, "no backup directory configured", nil)
	}
	if err := os.MkdirAll(idx.cfg.BackupDir, 0o755); err != nil {
		return "", ragerr.Wrap(ragerr.ErrCodeStoreSave, err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	base := filepath.Base(idx.cfg.Path)
	dst := filepath.Join(idx.cfg.BackupDir, fmt.Sprintf("%s.%s.bak", base, stamp))

	if err := copyFile(idx.cfg.Path, dst); err != nil {
		return "", ragerr.StoreError(ragerr.ErrCodeStoreSave, "copying index backup", err)
	}
	if err := copyFile(idx.cfg.Path+payloadSuffix, dst+payloadSuffix); err != nil && !os.IsNotExist(err) {
		return "", ragerr.StoreError(ragerr.ErrCodeStoreSave, "copying payload backup", err)
	}

	idx.rotateBackupsLocked()
	return dst, nil
}

// rotateBackupsLocked deletes the oldest backups beyond BackupKeep.
func (idx *Index) rotateBackupsLocked() {
	backups := idx.listBackupsLocked()
	if len(backups) <= idx.cfg.BackupKeep {
		return
	}
	// listBackupsLocked sorts newest first.
	for _, old := range backups[idx.cfg.BackupKeep:] {
		if err := os.Remove(old); err != nil {
			idx.logger.Warn("removing old backup", slog.String("path", old), slog.String("error", err.Error()))
		}
		os.Remove(old + payloadSuffix)
	}
}

// listBackupsLocked returns backup paths sorted newest first.
func (idx *Index) listBackupsLocked() []string {
	pattern := filepath.Join(idx.cfg.BackupDir, filepath.Base(idx.cfg.Path)+".*.bak")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches))) // timestamps sort lexically
	return matches
}

// loadFromBackups tries each backup newest first and returns the first
// readable snapshot.
func (idx *Index) loadFromBackups() (*indexSnapshot, error) {
	var lastErr error
	for _, b := range idx.listBackupsLocked() {
		snap, err := readSnapshot(b)
		if err != nil {
			lastErr = err
			continue
		}
		idx.logger.Info("recovered index from backup", slog.String("path", b))
		return snap, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no backups found")
	}
	return nil, lastErr
}

// Restore replaces the in-memory and on-disk state from a backup path.
func (idx *Index) Restore(backupPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.restoreLocked(backupPath)
}

func (idx *Index) restoreLocked(backupPath string) error {
	snap, err := readSnapshot(backupPath)
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreLoad,
			fmt.Sprintf("reading backup %s", backupPath), err)
	}
	idx.cfg.Dimension = snap.Dimension
	idx.applySnapshotLocked(snap, idx.loadPayloads(backupPath+payloadSuffix, snap))
	if idx.cfg.Path != "" {
		return idx.saveLocked()
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
