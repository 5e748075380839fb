package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/ragweave/ragweave/internal/metadata"
	"github.com/ragweave/ragweave/internal/vector"
)

// Structured intents are listing, counting, and status lookups. They route
// to the filterable store when one is configured; otherwise a classical
// fallback scans index metadata.

type structuredKind int

const (
	kindList structuredKind = iota
	kindCount
)

type structuredQuery struct {
	Kind       structuredKind
	Status     string
	IncidentID string
}

var (
	listPattern     = regexp.MustCompile(`(?i)\b(?:list|show|enumerate)\s+(?:all|every|the)\b`)
	countPattern    = regexp.MustCompile(`(?i)\bhow many\b`)
	statusPattern   = regexp.MustCompile(`(?i)\bwith status\s+"?([\w-]+)"?`)
	incidentPattern = regexp.MustCompile(`\bINC\d{6}\b`)
)

// detectStructured classifies a query as structured and extracts its
// filter terms.
func detectStructured(query string) (structuredQuery, bool) {
	var sq structuredQuery
	matched := false

	switch {
	case countPattern.MatchString(query):
		sq.Kind = kindCount
		matched = true
	case listPattern.MatchString(query):
		sq.Kind = kindList
		matched = true
	}
	if m := statusPattern.FindStringSubmatch(query); m != nil {
		sq.Status = strings.ToLower(m[1])
		matched = true
	}
	if m := incidentPattern.FindString(query); m != "" {
		sq.IncidentID = m
		matched = true
	}
	return sq, matched
}

const structuredScanLimit = 200

func (e *Engine) answerStructured(ctx context.Context, req Request, sq structuredQuery) (Answer, error) {
	var (
		sources []Source
		count   uint64
		err     error
	)
	if e.store != nil {
		sources, count, err = e.structuredViaStore(ctx, sq)
	} else {
		sources, count, err = e.structuredViaScan(ctx, req, sq)
	}
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Strategy: "structured", Structured: true, Sources: sources}
	switch sq.Kind {
	case kindCount:
		ans.Text = fmt.Sprintf("%d matching documents.", count)
		if sq.Status != "" {
			ans.Text = fmt.Sprintf("%d documents with status %q.", count, sq.Status)
		}
		ans.Extractive = true
		return ans, nil
	default:
		if len(sources) == 0 {
			ans.Text = "No documents match that filter."
			ans.Extractive = true
			return ans, nil
		}
		if text := listingAnswer(sources); text != "" {
			ans.Text = text
			ans.Extractive = true
			return ans, nil
		}
		synth := e.synthesize(ctx, req, sources)
		ans.Text = synth.Text
		ans.Extractive = synth.Extractive
		return ans, nil
	}
}

// listingAnswer enumerates every incident id found across the scanned
// sources, grouped by the file each id came from. Empty when the sources
// carry no incident ids, which sends the answer through synthesis instead.
func listingAnswer(sources []Source) string {
	type group struct {
		path string
		ids  []string
	}
	var groups []group
	byPath := make(map[string]int)
	seen := make(map[string]struct{})
	total := 0
	for _, s := range sources {
		for _, id := range incidentPattern.FindAllString(s.Text, -1) {
			key := s.DocPath + "\x00" + id
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			gi, ok := byPath[s.DocPath]
			if !ok {
				gi = len(groups)
				byPath[s.DocPath] = gi
				groups = append(groups, group{path: s.DocPath})
			}
			groups[gi].ids = append(groups[gi].ids, id)
			total++
		}
	}
	if total == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d incident%s across %d file%s:\n",
		total, plural(total), len(groups), plural(len(groups)))
	for _, g := range groups {
		fmt.Fprintf(&b, "\n%s:\n", g.path)
		for _, id := range g.ids {
			fmt.Fprintf(&b, "  - %s\n", id)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func (sq structuredQuery) storeFilter() *vector.Filter {
	var f *vector.Filter
	if sq.Status != "" {
		f = vector.Eq("status", sq.Status)
	}
	if sq.IncidentID != "" {
		inc := vector.Eq("incident_ids", sq.IncidentID)
		if f == nil {
			f = inc
		} else {
			f.Must = append(f.Must, inc.Must...)
		}
	}
	return f
}

func (e *Engine) structuredViaStore(ctx context.Context, sq structuredQuery) ([]Source, uint64, error) {
	f := sq.storeFilter()
	if sq.Kind == kindCount {
		n, err := e.store.Count(ctx, f)
		return nil, n, err
	}

	records, _, err := e.store.Scroll(ctx, f, structuredScanLimit, "")
	if err != nil {
		return nil, 0, err
	}
	sources := recordsToSources(records, sq)
	return sources, uint64(countDocs(sources)), nil
}

// structuredViaScan is the classical fallback: embed the query, fetch a
// wide result set with a metadata filter, and post-filter by incident ID.
func (e *Engine) structuredViaScan(ctx context.Context, req Request, sq structuredQuery) ([]Source, uint64, error) {
	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, 0, err
	}
	var filter map[string]any
	if sq.Status != "" {
		filter = map[string]any{"status": sq.Status}
	}
	hits, err := e.index.Search(vec, structuredScanLimit, filter)
	if err != nil {
		return nil, 0, err
	}

	records := make([]metadata.Record, 0, len(hits))
	for _, h := range hits {
		records = append(records, h.Payload)
	}
	sources := recordsToSources(records, sq)
	return sources, uint64(countDocs(sources)), nil
}

// recordsToSources converts payload records into one source per chunk,
// applying the incident-ID post-filter and deduplicating by vector id.
// Listing answers need every chunk, not a per-document collapse, so that
// ids scattered across a file all surface.
func recordsToSources(records []metadata.Record, sq structuredQuery) []Source {
	type chunkSource struct {
		src Source
		idx int
	}
	seen := make(map[string]struct{})
	out := make([]chunkSource, 0, len(records))
	for _, rec := range records {
		text, _ := rec[metadata.KeyText].(string)
		if text == "" {
			continue
		}
		if sq.IncidentID != "" && !strings.Contains(text, sq.IncidentID) {
			continue
		}
		if vid, _ := rec[metadata.KeyVectorID].(string); vid != "" {
			if _, dup := seen[vid]; dup {
				continue
			}
			seen[vid] = struct{}{}
		}
		path, _ := rec[metadata.KeyDocPath].(string)
		if path == "" {
			path, _ = rec[metadata.KeyFilename].(string)
		}
		out = append(out, chunkSource{
			src: Source{DocPath: path, Text: text, Score: 1},
			idx: chunkIndexOf(rec),
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].src.DocPath != out[b].src.DocPath {
			return out[a].src.DocPath < out[b].src.DocPath
		}
		return out[a].idx < out[b].idx
	})
	sources := make([]Source, len(out))
	for i, cs := range out {
		sources[i] = cs.src
	}
	return sources
}

// chunkIndexOf tolerates the numeric widenings a round-trip through JSON
// payloads produces.
func chunkIndexOf(rec metadata.Record) int {
	switch v := rec[metadata.KeyChunkIndex].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func countDocs(sources []Source) int {
	paths := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		paths[s.DocPath] = struct{}{}
	}
	return len(paths)
}

// DocTypeBreakdown reports document counts by type from the filterable
// store, used by status reporting. Returns nil when no store is wired.
func (e *Engine) DocTypeBreakdown(ctx context.Context) map[string]uint64 {
	if e.store == nil {
		return nil
	}
	counts, err := e.store.AggregateByDocType(ctx)
	if err != nil {
		e.logger.Warn("doc type aggregation failed", slog.String("error", err.Error()))
		return nil
	}
	return counts
}
