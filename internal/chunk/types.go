// Package chunk splits extracted document text into retrievable units.
package chunk

// Default window sizes in characters.
const (
	DefaultChunkSize = 1500
	DefaultOverlap   = 200
)

// Chunk is one retrievable span of a document.
type Chunk struct {
	Index  int            // 0-based, dense within the document
	Text   string
	Method string         // chunking method that produced it
	Attrs  map[string]any // flat processor attributes, may be nil
}

// Chunker splits plain text into chunks.
type Chunker interface {
	Split(text string) []Chunk
	Method() string
}
