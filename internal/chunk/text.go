package chunk

import "strings"

// TextChunker splits plain text into overlapping windows, preferring to cut
// at paragraph, then sentence, then word boundaries.
type TextChunker struct {
	Size    int
	Overlap int
}

// NewTextChunker returns a chunker with the given window. Zero values take
// the package defaults; an overlap at or above the size is clamped.
func NewTextChunker(size, overlap int) *TextChunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		overlap = size / 4
	}
	return &TextChunker{Size: size, Overlap: overlap}
}

func (c *TextChunker) Method() string { return "sliding_window" }

// Split produces dense, 0-indexed chunks covering the text.
func (c *TextChunker) Split(text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.cutAt(text, start, end)
		}

		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			chunks = append(chunks, Chunk{
				Index:  len(chunks),
				Text:   piece,
				Method: c.Method(),
			})
		}

		if end == len(text) {
			break
		}
		next := end - c.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// cutAt picks the best boundary at or before end, searching the trailing
// fifth of the window.
func (c *TextChunker) cutAt(text string, start, end int) int {
	window := text[start:end]
	floor := len(window) - len(window)/5

	if i := strings.LastIndex(window, "\n\n"); i >= floor {
		return start + i
	}
	for _, sep := range []string{". ", ".\n", "! ", "? "} {
		if i := strings.LastIndex(window, sep); i >= floor {
			return start + i + 1
		}
	}
	if i := strings.LastIndexAny(window, " \n\t"); i >= floor {
		return start + i
	}
	return end
}
