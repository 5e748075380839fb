// Package query turns a processed conversation query into an answer: dense
// retrieval with layered fallback strategies, structured lookups for
// listing and counting intents, and LLM synthesis with an extractive
// degradation path.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/embed"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/llm"
	"github.com/ragweave/ragweave/internal/metadata"
	"github.com/ragweave/ragweave/internal/quality"
	"github.com/ragweave/ragweave/internal/vector"
)

// Source is one retrieved passage backing an answer.
type Source struct {
	DocPath string  `json:"doc_path"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
}

// Answer is the engine's response to a request.
type Answer struct {
	Text       string   `json:"text"`
	Sources    []Source `json:"sources,omitempty"`
	Strategy   string   `json:"strategy"`
	Extractive bool     `json:"extractive"`
	Structured bool     `json:"structured"`
	MergedFrom int      `json:"merged_from,omitempty"`
}

// Request carries the query plus the conversational hints the orchestrator
// has extracted.
type Request struct {
	// Query is the user's verbatim question.
	Query string
	// Enhanced is the processed query after contextual enrichment; empty
	// means no enrichment happened.
	Enhanced string
	// TopicEntities are harvested from recent turns, most recent first.
	TopicEntities []string
	// Intent is the classified intent label; it shapes the prompt.
	Intent string
	// Concise asks for a short answer (short follow-up turns).
	Concise bool
	// Tabular asks for a structured table answer (correlation intents).
	Tabular bool
	// History is recent conversation lines for prompt context.
	History []string
}

// Options wires the engine's collaborators. Index and Embedder are
// required; Store and Client are optional and absence degrades gracefully.
type Options struct {
	Config config.QueryConfig
	LLM    config.LLMConfig
	Index  *vector.Index
	Store  *vector.FilterableStore
	Client llm.Client

	Embedder embed.Embedder
	Logger   *slog.Logger
}

// Engine answers requests against the vector index.
type Engine struct {
	cfg      config.QueryConfig
	llmCfg   config.LLMConfig
	index    *vector.Index
	store    *vector.FilterableStore
	client   llm.Client
	embedder embed.Embedder
	resolver *quality.ConflictResolver
	logger   *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Index == nil {
		return nil, ragerr.New(ragerr.ErrCodeInvalidParameter, "query engine requires a vector index", nil)
	}
	if opts.Embedder == nil {
		return nil, ragerr.New(ragerr.ErrCodeInvalidParameter, "query engine requires an embedder", nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.TopK <= 0 {
		opts.Config.TopK = 5
	}
	if opts.LLM.MaxContextChars <= 0 {
		opts.LLM.MaxContextChars = 12_000
	}
	return &Engine{
		cfg:      opts.Config,
		llmCfg:   opts.LLM,
		index:    opts.Index,
		store:    opts.Store,
		client:   opts.Client,
		embedder: opts.Embedder,
		resolver: quality.NewConflictResolver(opts.Logger),
		logger:   opts.Logger.With(slog.String("component", "query")),
	}, nil
}

var aboutPattern = regexp.MustCompile(`(?i)\babout\s+(.+)$`)

// strategies returns the ordered dense retrieval candidates for a request.
// Blank and duplicate query strings are skipped.
func strategies(req Request) []struct{ name, query string } {
	var out []struct{ name, query string }
	seen := make(map[string]struct{})
	add := func(name, q string) {
		q = strings.TrimSpace(q)
		if q == "" {
			return
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, struct{ name, query string }{name, q})
	}

	add("enhanced", req.Enhanced)
	add("original", req.Query)
	if m := aboutPattern.FindStringSubmatch(req.Query); m != nil {
		add("topic_substring", m[1])
	}
	for _, entity := range req.TopicEntities {
		add("topic_entity", entity)
	}
	return out
}

// Retrieve runs the dense strategies in order and returns the first
// non-empty result set along with the strategy that produced it.
func (e *Engine) Retrieve(ctx context.Context, req Request) ([]Source, string, error) {
	for _, s := range strategies(req) {
		vec, err := e.embedder.Embed(ctx, s.query)
		if err != nil {
			return nil, "", ragerr.New(ragerr.ErrCodeEmbeddingFailed, "query embedding failed", err)
		}
		hits, err := e.index.Search(vec, e.cfg.TopK, nil)
		if err != nil {
			return nil, "", err
		}
		sources := e.toSources(hits)
		if len(sources) > 0 {
			e.logger.Debug("retrieval strategy hit",
				slog.String("strategy", s.name),
				slog.Int("results", len(sources)))
			return sources, s.name, nil
		}
	}
	return nil, "none", nil
}

func (e *Engine) toSources(hits []vector.SearchResult) []Source {
	var out []Source
	for _, h := range hits {
		if float64(h.Similarity) < e.cfg.MinRelevance {
			continue
		}
		text, _ := h.Payload[metadata.KeyText].(string)
		if text == "" {
			continue
		}
		path, _ := h.Payload[metadata.KeyDocPath].(string)
		if path == "" {
			path, _ = h.Payload[metadata.KeyFilename].(string)
		}
		out = append(out, Source{DocPath: path, Text: text, Score: float64(h.Similarity)})
	}
	return out
}

// Answer resolves a request end to end. Structured intents route to the
// filterable store or the classical fallback; everything else runs dense
// retrieval followed by synthesis.
func (e *Engine) Answer(ctx context.Context, req Request) (Answer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Answer{}, ragerr.New(ragerr.ErrCodeQueryEmpty, "query must not be empty", nil)
	}

	if sq, ok := detectStructured(req.Query); ok {
		return e.answerStructured(ctx, req, sq)
	}

	sources, strategy, err := e.Retrieve(ctx, req)
	if err != nil {
		return Answer{}, err
	}
	if len(sources) == 0 {
		return Answer{
			Text:       "I could not find anything relevant in the indexed documents for that question.",
			Strategy:   strategy,
			Extractive: true,
		}, nil
	}

	res := e.resolveAttempts([][]Source{sources})
	ans := e.synthesize(ctx, req, res.sources)
	ans.Strategy = strategy
	ans.MergedFrom = res.mergedFrom
	return ans, nil
}

type resolved struct {
	sources    []Source
	mergedFrom int
}

// resolveAttempts funnels one or more retrieval attempts through the
// conflict resolver, deduplicating and trimming.
func (e *Engine) resolveAttempts(attempts [][]Source) resolved {
	items := make([][]quality.RetrievedItem, len(attempts))
	for i, attempt := range attempts {
		for _, s := range attempt {
			items[i] = append(items[i], quality.RetrievedItem{
				Content: s.Text,
				Source:  s.DocPath,
				Score:   s.Score,
			})
		}
	}
	res := e.resolver.Resolve(items)
	out := make([]Source, 0, len(res.Items))
	for _, it := range res.Items {
		out = append(out, Source{DocPath: it.Source, Text: it.Content, Score: it.Score})
	}
	return resolved{sources: out, mergedFrom: res.MergedFrom}
}

// synthesize produces the answer text from the retrieved sources, via the
// LLM when configured and extractively otherwise.
func (e *Engine) synthesize(ctx context.Context, req Request, sources []Source) Answer {
	if e.client == nil {
		return e.extractive(sources)
	}

	system, user := buildPrompt(req, sources, e.llmCfg.MaxContextChars)
	text, err := e.client.Complete(ctx, system, user)
	if err != nil {
		e.logger.Warn("llm synthesis failed, answering extractively",
			slog.String("error", err.Error()))
		return e.extractive(sources)
	}
	return Answer{Text: text, Sources: sources}
}

// extractive answers from the top source with explicit attribution.
func (e *Engine) extractive(sources []Source) Answer {
	if len(sources) == 0 {
		return Answer{Text: "No relevant content found.", Extractive: true}
	}
	top := sources[0]
	text := top.Text
	if len(text) > 600 {
		text = text[:600] + "…"
	}
	attribution := top.DocPath
	if attribution == "" {
		attribution = "indexed document"
	}
	return Answer{
		Text:       fmt.Sprintf("Based on %s:\n\n%s", attribution, text),
		Sources:    sources,
		Extractive: true,
	}
}
