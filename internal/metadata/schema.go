// Package metadata normalizes, validates, and merges chunk metadata into a
// canonical flat record. Storage never sees a nested "metadata" key.
package metadata

import (
	"fmt"
	"time"
)

// Record is a flat metadata mapping. Values must be JSON-serializable after
// PrepareForStorage.
type Record map[string]any

// Well-known semantic fields.
const (
	KeyVectorID      = "vector_id"
	KeyDocID         = "doc_id"
	KeyChunkIndex    = "chunk_index"
	KeyText          = "text"
	KeyDocPath       = "doc_path"
	KeyFilename      = "filename"
	KeyFilePath      = "file_path"
	KeyChunkSize     = "chunk_size"
	KeyTotalChunks   = "total_chunks"
	KeySourceType    = "source_type"
	KeyCreatedAt     = "created_at"
	KeyIngestedAt    = "ingested_at"
	KeyProcessor     = "processor"
	KeyChunkMethod   = "chunking_method"
	KeyEmbedModel    = "embedding_model"
	KeyTitle         = "title"
	KeyAuthor        = "author"
	KeyDescription   = "description"
	KeyTags          = "tags"
	KeyDeleted       = "deleted"
	KeyVersion       = "version"
	KeySchemaVersion = "_schema_version"
	KeyStoredAt      = "_stored_at"

	// KeyNested is forbidden at the top level of any persisted record.
	KeyNested = "metadata"
)

// CurrentSchemaVersion is stamped by PrepareForStorage.
const CurrentSchemaVersion = 1

// conflictGroups maps each preferred key to its deprecated aliases.
var conflictGroups = map[string][]string{
	KeyFilename:   {"file_name"},
	KeyDocID:      {"document_id"},
	KeyText:       {"content"},
	KeyChunkIndex: {"chunk_id"},
}

// deprecatedToPreferred is the reverse lookup of conflictGroups.
var deprecatedToPreferred = func() map[string]string {
	m := make(map[string]string)
	for preferred, aliases := range conflictGroups {
		for _, a := range aliases {
			m[a] = preferred
		}
	}
	return m
}()

// MaxTextBytes is the warning threshold for oversized chunk text.
const MaxTextBytes = 100 * 1024

// Validation is the outcome of validating a record.
type Validation struct {
	Errors    []string
	Warnings  []string
	Conflicts []string
}

// Valid reports whether the record has no hard errors.
func (v Validation) Valid() bool { return len(v.Errors) == 0 }

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Text returns the chunk text, or empty string.
func (r Record) Text() string {
	s, _ := r[KeyText].(string)
	return s
}

// DocID returns the document identifier, or empty string.
func (r Record) DocID() string {
	s, _ := r[KeyDocID].(string)
	return s
}

// ChunkIndex returns the chunk index, coercing numeric representations.
// Returns -1 when absent or non-numeric.
func (r Record) ChunkIndex() int {
	n, ok := coerceInt(r[KeyChunkIndex])
	if !ok {
		return -1
	}
	return n
}

// Deleted reports the logical-deletion flag.
func (r Record) Deleted() bool {
	b, _ := r[KeyDeleted].(bool)
	return b
}

// isEmptyValue reports whether a metadata value counts as empty for merge
// precedence purposes.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case Record:
		return len(t) == 0
	default:
		return false
	}
}

// coerceInt converts common numeric encodings of chunk_index to int.
func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// coerceSerializable converts values that do not round-trip through JSON
// into their string forms. Timestamps become ISO 8601.
func coerceSerializable(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	default:
		return v
	}
}
