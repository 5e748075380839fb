package vector

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
)

// incidentPattern extracts incident ticket references from chunk text.
var incidentPattern = regexp.MustCompile(`INC\d{6}`)

// StoreConfig configures the Qdrant-backed filterable store.
type StoreConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
}

// WithDefaults fills zero values.
func (c StoreConfig) WithDefaults() StoreConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "ragweave"
	}
	return c
}

// Condition is one server-side payload constraint. Exactly one of the
// matcher fields should be set.
type Condition struct {
	Field string

	// Equals matches exact payload equality (string, int, or bool).
	Equals any
	// AnyOf matches when the field equals any of the keywords.
	AnyOf []string
	// Gte/Lte bound a numeric field; either may be nil.
	Gte *float64
	Lte *float64
	// TextContains runs a full-text match against an indexed text field.
	TextContains string
}

// Filter is a conjunction of conditions; all must hold.
type Filter struct {
	Must []Condition
}

// Eq builds a single-condition equality filter.
func Eq(field string, value any) *Filter {
	return &Filter{Must: []Condition{{Field: field, Equals: value}}}
}

// FilterableStore is the managed-backend variant of the index: vectors and
// payloads live in a Qdrant collection, and filtering, scrolling, counting,
// and aggregation happen server-side instead of by client scan.
type FilterableStore struct {
	cfg    StoreConfig
	client *qdrant.Client
	logger *slog.Logger
}

// NewFilterableStore connects to Qdrant and ensures the collection exists
// with cosine distance at the configured dimension.
func NewFilterableStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (*FilterableStore, error) {
	cfg = cfg.WithDefaults()
	if cfg.Dimension <= 0 {
		return nil, ragerr.InvalidParameter("store dimension must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrCodeDependencyDown, err)
	}

	s := &FilterableStore{cfg: cfg, client: client, logger: logger}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *FilterableStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrCodeDependencyDown, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave,
			fmt.Sprintf("creating collection %s", s.cfg.Collection), err)
	}
	s.logger.Info("created qdrant collection",
		slog.String("collection", s.cfg.Collection), slog.Int("dimension", s.cfg.Dimension))
	return nil
}

// Close releases the underlying gRPC connection.
func (s *FilterableStore) Close() error {
	return s.client.Close()
}

// pointID maps our string vector ids onto Qdrant's UUID id space
// deterministically; the original id stays in the payload.
func pointID(vectorID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(vectorID)).String())
}

// Upsert writes vectors with enriched payloads. Payloads gain derived
// fields: doc_type classified from the chunk text, extracted incident_ids,
// and a has_incident flag, so structured queries can filter on them
// server-side.
func (s *FilterableStore) Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []metadata.Record) error {
	if len(ids) != len(vectors) || (payloads != nil && len(payloads) != len(ids)) {
		return ragerr.InvalidParameter("ids, vectors, and payloads must have equal length")
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != s.cfg.Dimension {
			return ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
				"vector %q has dimension %d, store expects %d", id, len(vectors[i]), s.cfg.Dimension)
		}
		var p metadata.Record
		if payloads != nil {
			p = payloads[i]
		}
		enriched := enrichPayload(p)
		enriched[metadata.KeyVectorID] = id

		points[i] = &qdrant.PointStruct{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: qdrant.NewValueMap(map[string]any(enriched)),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "upserting points", err)
	}
	return nil
}

// enrichPayload returns a copy of p with derived filterable fields.
func enrichPayload(p metadata.Record) metadata.Record {
	out := metadata.Record{}
	for k, v := range p {
		if k == metadata.KeyNested {
			continue
		}
		out[k] = v
	}

	if _, ok := out["doc_type"]; !ok {
		out["doc_type"] = deriveDocType(out)
	}

	incidents := incidentPattern.FindAllString(out.Text(), -1)
	if len(incidents) > 0 {
		seen := make(map[string]struct{}, len(incidents))
		unique := make([]string, 0, len(incidents))
		for _, inc := range incidents {
			if _, dup := seen[inc]; dup {
				continue
			}
			seen[inc] = struct{}{}
			unique = append(unique, inc)
		}
		out["incident_ids"] = unique
	}
	out["has_incident"] = len(incidents) > 0
	return out
}

// Ticket taxonomy patterns. First match wins; a chunk with no ticket
// signal classifies as "other".
var docTypePatterns = []struct {
	docType string
	re      *regexp.Regexp
}{
	{"incident", regexp.MustCompile(`(?i)\bINC\d{4,}\b|\bincidents?\b`)},
	{"change", regexp.MustCompile(`(?i)\bCHG\d{4,}\b|\bchange\s+(?:request|window)s?\b`)},
	{"problem", regexp.MustCompile(`(?i)\bPRB\d{4,}\b|\bproblem\s+(?:record|ticket)s?\b`)},
	{"request", regexp.MustCompile(`(?i)\b(?:REQ|RITM)\d{4,}\b|\bservice\s+requests?\b`)},
	{"task", regexp.MustCompile(`(?i)\b(?:SC)?TASK\d{4,}\b`)},
}

// deriveDocType classifies a chunk into the ticket taxonomy by its text.
func deriveDocType(p metadata.Record) string {
	text := p.Text()
	if title, _ := p[metadata.KeyTitle].(string); title != "" {
		text += " " + title
	}
	for _, c := range docTypePatterns {
		if c.re.MatchString(text) {
			return c.docType
		}
	}
	return "other"
}

// buildFilter translates the filter AST into Qdrant conditions.
func buildFilter(f *Filter) (*qdrant.Filter, error) {
	if f == nil || len(f.Must) == 0 {
		return nil, nil
	}
	must := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		if c.Field == "" {
			return nil, ragerr.InvalidParameter("filter condition missing field")
		}
		switch {
		case c.Equals != nil:
			cond, err := equalsCondition(c.Field, c.Equals)
			if err != nil {
				return nil, err
			}
			must = append(must, cond)
		case len(c.AnyOf) > 0:
			must = append(must, qdrant.NewMatchKeywords(c.Field, c.AnyOf...))
		case c.Gte != nil || c.Lte != nil:
			must = append(must, qdrant.NewRange(c.Field, &qdrant.Range{Gte: c.Gte, Lte: c.Lte}))
		case c.TextContains != "":
			must = append(must, qdrant.NewMatchText(c.Field, c.TextContains))
		default:
			return nil, ragerr.InvalidParameter(
				fmt.Sprintf("filter condition on %q has no matcher", c.Field))
		}
	}
	return &qdrant.Filter{Must: must}, nil
}

func equalsCondition(field string, value any) (*qdrant.Condition, error) {
	switch v := value.(type) {
	case string:
		return qdrant.NewMatch(field, v), nil
	case bool:
		return qdrant.NewMatchBool(field, v), nil
	case int:
		return qdrant.NewMatchInt(field, int64(v)), nil
	case int64:
		return qdrant.NewMatchInt(field, v), nil
	case float64:
		// Qdrant has no float equality match; use a degenerate range.
		return qdrant.NewRange(field, &qdrant.Range{Gte: &v, Lte: &v}), nil
	default:
		return nil, ragerr.InvalidParameter(
			fmt.Sprintf("unsupported equality type %T for field %q", value, field))
	}
}

// Search returns the k nearest neighbors passing the filter.
func (s *FilterableStore) Search(ctx context.Context, query []float32, k int, f *Filter) ([]SearchResult, error) {
	if k <= 0 {
		return nil, ragerr.InvalidParameter("k must be positive")
	}
	if len(query) != s.cfg.Dimension {
		return nil, ragerr.Newf(ragerr.ErrCodeDimensionMismatch,
			"query has dimension %d, store expects %d", len(query), s.cfg.Dimension)
	}
	qf, err := buildFilter(f)
	if err != nil {
		return nil, err
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, ragerr.StoreError(ragerr.ErrCodeStoreSearch, "querying collection", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, pt := range points {
		rec := payloadToRecord(pt.Payload)
		vid, _ := rec[metadata.KeyVectorID].(string)
		if vid == "" {
			vid = pt.Id.GetUuid()
		}
		results = append(results, SearchResult{
			VectorID:   vid,
			Similarity: pt.Score,
			Payload:    rec,
		})
	}
	return results, nil
}

// Scroll pages through points matching the filter in id order. cursor is
// opaque: pass "" for the first page and the returned cursor for the next;
// an empty returned cursor means the listing is exhausted.
func (s *FilterableStore) Scroll(ctx context.Context, f *Filter, limit int, cursor string) ([]metadata.Record, string, error) {
	if limit <= 0 {
		return nil, "", ragerr.InvalidParameter("limit must be positive")
	}
	qf, err := buildFilter(f)
	if err != nil {
		return nil, "", err
	}

	req := &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint32(limit + 1)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewIDUUID(cursor)
	}

	points, err := s.client.Scroll(ctx, req)
	if err != nil {
		return nil, "", ragerr.StoreError(ragerr.ErrCodeStoreSearch, "scrolling collection", err)
	}

	next := ""
	if len(points) > limit {
		next = points[limit].Id.GetUuid()
		points = points[:limit]
	}

	records := make([]metadata.Record, len(points))
	for i, pt := range points {
		records[i] = payloadToRecord(pt.Payload)
	}
	return records, next, nil
}

// Delete removes points by vector id.
func (s *FilterableStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pids...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "deleting points", err)
	}
	return nil
}

// DeleteByFilter removes every point matching the filter.
func (s *FilterableStore) DeleteByFilter(ctx context.Context, f *Filter) error {
	qf, err := buildFilter(f)
	if err != nil {
		return err
	}
	if qf == nil {
		return ragerr.InvalidParameter("refusing to delete with an empty filter")
	}
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(qf),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return ragerr.StoreError(ragerr.ErrCodeStoreSave, "deleting by filter", err)
	}
	return nil
}

// Count returns the exact number of points matching the filter.
func (s *FilterableStore) Count(ctx context.Context, f *Filter) (uint64, error) {
	qf, err := buildFilter(f)
	if err != nil {
		return 0, err
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         qf,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, ragerr.StoreError(ragerr.ErrCodeStoreSearch, "counting points", err)
	}
	return n, nil
}

// AggregateByDocType returns point counts per doc_type using a server-side
// facet.
func (s *FilterableStore) AggregateByDocType(ctx context.Context) (map[string]uint64, error) {
	hits, err := s.client.Facet(ctx, &qdrant.FacetCounts{
		CollectionName: s.cfg.Collection,
		Key:            "doc_type",
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, ragerr.StoreError(ragerr.ErrCodeStoreSearch, "faceting doc_type", err)
	}
	out := make(map[string]uint64, len(hits))
	for _, h := range hits {
		out[h.Value.GetStringValue()] = h.Count
	}
	return out, nil
}

// payloadToRecord converts a Qdrant payload back into a flat record.
func payloadToRecord(payload map[string]*qdrant.Value) metadata.Record {
	rec := make(metadata.Record, len(payload))
	for k, v := range payload {
		rec[k] = valueToAny(v)
	}
	return rec
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_ListValue:
		out := make([]any, 0, len(k.ListValue.Values))
		for _, item := range k.ListValue.Values {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.Fields))
		for f, item := range k.StructValue.Fields {
			out[f] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}
