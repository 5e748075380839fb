package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDocIDCacheSize bounds the doc-id cache.
const DefaultDocIDCacheSize = 4096

var titleSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manager produces canonical flat records from any combination of
// user-supplied overrides, per-document metadata, and per-chunk metadata.
// Safe for concurrent use.
type Manager struct {
	logger *slog.Logger
	cache  *lru.Cache[string, string]
}

// NewManager creates a metadata manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, string](DefaultDocIDCacheSize)
	return &Manager{logger: logger, cache: cache}
}

// GenerateDocID derives a deterministic document identifier from metadata.
// Priority: existing doc_id → doc_path → file_path stem → filename stem →
// content hash → title → timestamp fallback.
func (m *Manager) GenerateDocID(meta Record) string {
	if id, _ := meta[KeyDocID].(string); id != "" {
		return id
	}

	if key := sourceKey(meta); key != "" {
		if cached, ok := m.cache.Get(key); ok {
			return cached
		}
		id := deriveDocID(meta)
		m.cache.Add(key, id)
		return id
	}
	return deriveDocID(meta)
}

// sourceKey identifies the document source for caching purposes.
func sourceKey(meta Record) string {
	for _, k := range []string{KeyDocPath, KeyFilePath, KeyFilename} {
		if s, _ := meta[k].(string); s != "" {
			return k + ":" + s
		}
	}
	return ""
}

func deriveDocID(meta Record) string {
	if p, _ := meta[KeyDocPath].(string); p != "" {
		return pathStem(p)
	}
	if p, _ := meta[KeyFilePath].(string); p != "" {
		return pathStem(filepath.Base(p))
	}
	if f, _ := meta[KeyFilename].(string); f != "" {
		return pathStem(f)
	}
	if text, _ := meta[KeyText].(string); text != "" {
		sum := sha256.Sum256([]byte(text))
		return "doc_hash_" + hex.EncodeToString(sum[:])[:8]
	}
	if title, _ := meta[KeyTitle].(string); title != "" {
		// Truncation must land on a rune boundary or the sanitizer eats
		// the split character.
		if r := []rune(title); len(r) > 50 {
			title = string(r[:50])
		}
		s := titleSanitizer.ReplaceAllString(title, "_")
		s = strings.Trim(s, "_")
		if s != "" {
			return s
		}
	}
	return fmt.Sprintf("doc_%s", time.Now().UTC().Format("20060102_150405.000000"))
}

// pathStem normalizes separators and strips the extension from a path.
func pathStem(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimSuffix(p, filepath.Ext(p))
	p = strings.Trim(p, "/")
	return strings.ReplaceAll(p, "/", "_")
}

// GenerateVectorID builds the canonical per-chunk identifier.
func (m *Manager) GenerateVectorID(docID string, chunkIndex int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, chunkIndex)
}

// Merge combines metadata dicts into one flat record. Later dicts override
// earlier on key clash, except that an empty later value never clobbers a
// non-empty earlier one. Nested "metadata" sub-maps are flattened with
// top-level keys taking precedence.
//
// Validation problems are attached as warnings unless strict is true, in
// which case an invalid merge returns the validation alongside the record
// and the caller decides whether to reject.
func (m *Manager) Merge(strict bool, metas ...Record) (Record, Validation) {
	out := Record{}
	for _, meta := range metas {
		if meta == nil {
			continue
		}
		for k, v := range meta {
			if k == KeyNested {
				continue // handled below so top level wins
			}
			m.setMerged(out, k, v)
		}
		if nested := nestedMap(meta[KeyNested]); nested != nil {
			m.logger.Warn("flattening nested metadata key", slog.Int("keys", len(nested)))
			for k, v := range nested {
				if _, exists := out[k]; exists && !isEmptyValue(out[k]) {
					continue // top level takes precedence
				}
				m.setMerged(out, k, v)
			}
		}
	}

	val := m.Validate(out)
	if !strict {
		// Non-strict callers get problems as warnings only.
		val.Warnings = append(val.Warnings, val.Errors...)
		val.Errors = nil
	}
	return out, val
}

func (m *Manager) setMerged(out Record, k string, v any) {
	if existing, ok := out[k]; ok && !isEmptyValue(existing) && isEmptyValue(v) {
		return // keep earlier non-empty value
	}
	out[k] = v
}

// nestedMap coerces the legacy nested metadata shapes.
func nestedMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case Record:
		return t
	default:
		return nil
	}
}

// Validate checks a record against the schema rules.
func (m *Manager) Validate(meta Record) Validation {
	var v Validation

	if text, _ := meta[KeyText].(string); text == "" {
		v.Errors = append(v.Errors, "missing required field: text")
	} else if len(text) > MaxTextBytes {
		v.Warnings = append(v.Warnings, fmt.Sprintf("text exceeds %d bytes", MaxTextBytes))
	}

	if raw, ok := meta[KeyChunkIndex]; ok {
		if n, ok := coerceInt(raw); !ok || n < 0 {
			v.Errors = append(v.Errors, "chunk_index must be a non-negative integer")
		}
	}

	if _, ok := meta[KeyNested]; ok {
		v.Errors = append(v.Errors, "nested metadata key is forbidden at top level")
	}

	for deprecated := range deprecatedToPreferred {
		if _, ok := meta[deprecated]; ok {
			v.Warnings = append(v.Warnings, "deprecated key: "+deprecated)
		}
	}

	for preferred, aliases := range conflictGroups {
		if _, ok := meta[preferred]; !ok {
			continue
		}
		for _, alias := range aliases {
			if _, ok := meta[alias]; ok {
				v.Conflicts = append(v.Conflicts, preferred+" vs "+alias)
			}
		}
	}

	return v
}

// PrepareForStorage produces the persisted shape of a record: schema version
// stamped, required fields defaulted, and non-serializable values coerced.
// The input record is not mutated.
func (m *Manager) PrepareForStorage(meta Record) Record {
	out := make(Record, len(meta)+2)
	for k, v := range meta {
		if k == KeyNested {
			continue
		}
		out[k] = coerceSerializable(v)
	}

	if _, ok := out[KeyText]; !ok {
		out[KeyText] = ""
	}
	if out.DocID() == "" {
		out[KeyDocID] = m.GenerateDocID(out)
	}
	out[KeySchemaVersion] = CurrentSchemaVersion
	out[KeyStoredAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}

// RecoverFromStorage migrates a stored record back into the canonical shape.
// Legacy records (schema version absent or 0) have nested metadata flattened,
// deprecated keys mapped to their preferred names, and chunk_index coerced.
func (m *Manager) RecoverFromStorage(stored Record) Record {
	out := stored.Clone()

	version, _ := coerceInt(out[KeySchemaVersion])
	if version >= CurrentSchemaVersion {
		if n, ok := coerceInt(out[KeyChunkIndex]); ok {
			out[KeyChunkIndex] = n
		}
		return out
	}

	// Legacy migration path.
	if nested := nestedMap(out[KeyNested]); nested != nil {
		m.logger.Warn("migrating legacy nested metadata", slog.Int("keys", len(nested)))
		delete(out, KeyNested)
		for k, v := range nested {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}

	for deprecated, preferred := range deprecatedToPreferred {
		v, ok := out[deprecated]
		if !ok {
			continue
		}
		if _, exists := out[preferred]; !exists {
			out[preferred] = v
		}
		delete(out, deprecated)
	}

	if n, ok := coerceInt(out[KeyChunkIndex]); ok {
		out[KeyChunkIndex] = n
	}
	out[KeySchemaVersion] = CurrentSchemaVersion
	return out
}

// MinimalRecord builds the fallback record used when a per-chunk merge
// fails. The chunk is still indexed rather than lost.
func (m *Manager) MinimalRecord(docID string, chunkIndex int, text string) Record {
	return Record{
		KeyDocID:      docID,
		KeyChunkIndex: chunkIndex,
		KeyText:       text,
		KeyVectorID:   m.GenerateVectorID(docID, chunkIndex),
	}
}
