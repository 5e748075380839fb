package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ragweave/ragweave/internal/chunk"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
)

// ProcessResult is a processor's output. Specialized processors return
// Chunks directly; generic ones return Text and the engine applies the
// configured chunker.
type ProcessResult struct {
	Text   string
	Chunks []chunk.Chunk
	Attrs  metadata.Record // document-level attributes, may be nil
}

// Processor turns a file into text or chunks.
type Processor interface {
	Name() string
	CanProcess(path string) bool
	Process(ctx context.Context, path string, content []byte) (ProcessResult, error)
}

// Registry resolves a processor for a path. First match wins; later
// registrations take precedence over the built-ins.
type Registry struct {
	procs []Processor
}

// NewRegistry builds the default registry: markdown, csv, and the generic
// text fallback.
func NewRegistry(chunkSize, overlap int) *Registry {
	return &Registry{procs: []Processor{
		&markdownProcessor{chunker: chunk.NewMarkdownChunker(chunkSize, overlap)},
		&csvProcessor{},
		&textProcessor{},
	}}
}

// Register adds a processor ahead of the built-ins.
func (r *Registry) Register(p Processor) {
	r.procs = append([]Processor{p}, r.procs...)
}

// For returns the first processor claiming the path, or nil.
func (r *Registry) For(path string) Processor {
	for _, p := range r.procs {
		if p.CanProcess(path) {
			return p
		}
	}
	return nil
}

type markdownProcessor struct {
	chunker *chunk.MarkdownChunker
}

func (p *markdownProcessor) Name() string { return "markdown" }

func (p *markdownProcessor) CanProcess(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return true
	}
	return false
}

func (p *markdownProcessor) Process(_ context.Context, _ string, content []byte) (ProcessResult, error) {
	text := string(content)
	return ProcessResult{
		Text:   text,
		Chunks: p.chunker.Split(text),
		Attrs:  metadata.Record{metadata.KeySourceType: "markdown"},
	}, nil
}

// csvRowsPerChunk groups tabular rows so each chunk stays readable and the
// header travels with every group.
const csvRowsPerChunk = 20

type csvProcessor struct{}

func (p *csvProcessor) Name() string { return "csv" }

func (p *csvProcessor) CanProcess(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return true
	}
	return false
}

func (p *csvProcessor) Process(_ context.Context, path string, content []byte) (ProcessResult, error) {
	r := csv.NewReader(strings.NewReader(string(content)))
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		r.Comma = '\t'
	}
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return ProcessResult{}, ragerr.New(ragerr.ErrCodeFileCorrupt,
			fmt.Sprintf("parsing %s: %v", filepath.Base(path), err), err)
	}
	if len(rows) == 0 {
		return ProcessResult{Attrs: metadata.Record{metadata.KeySourceType: "tabular"}}, nil
	}

	header := strings.Join(rows[0], " | ")
	body := rows[1:]

	var chunks []chunk.Chunk
	for start := 0; start < len(body); start += csvRowsPerChunk {
		end := start + csvRowsPerChunk
		if end > len(body) {
			end = len(body)
		}
		var b strings.Builder
		b.WriteString(header)
		b.WriteByte('\n')
		for _, row := range body[start:end] {
			b.WriteString(strings.Join(row, " | "))
			b.WriteByte('\n')
		}
		chunks = append(chunks, chunk.Chunk{
			Index:  len(chunks),
			Text:   strings.TrimRight(b.String(), "\n"),
			Method: "csv_rows",
			Attrs: map[string]any{
				"row_start": start + 1,
				"row_end":   end,
			},
		})
	}

	// Header-only files still index the header itself.
	if len(chunks) == 0 {
		chunks = append(chunks, chunk.Chunk{Index: 0, Text: header, Method: "csv_rows"})
	}

	return ProcessResult{
		Chunks: chunks,
		Attrs:  metadata.Record{metadata.KeySourceType: "tabular"},
	}, nil
}

// textExtensions are the formats the generic extractor accepts. Extensionless
// files are accepted too.
var textExtensions = map[string]bool{
	".txt": true, ".text": true, ".log": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	"": true,
}

type textProcessor struct{}

func (p *textProcessor) Name() string { return "text" }

func (p *textProcessor) CanProcess(path string) bool {
	return textExtensions[strings.ToLower(filepath.Ext(path))]
}

func (p *textProcessor) Process(_ context.Context, _ string, content []byte) (ProcessResult, error) {
	return ProcessResult{
		Text:  string(content),
		Attrs: metadata.Record{metadata.KeySourceType: "text"},
	}, nil
}
