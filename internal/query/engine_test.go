package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/embed"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
	"github.com/ragweave/ragweave/internal/vector"
)

type fakeLLM struct {
	reply string
	err   error
	last  string
}

func (f *fakeLLM) Complete(_ context.Context, _, user string) (string, error) {
	f.last = user
	return f.reply, f.err
}

func (f *fakeLLM) ModelName() string { return "fake" }

func newTestIndex(t *testing.T, docs map[string]string) *vector.Index {
	t.Helper()
	idx, err := vector.New(vector.Config{Dimension: embed.StaticDimensions}, nil)
	require.NoError(t, err)

	emb := embed.NewStaticEmbedder()
	i := 0
	for path, text := range docs {
		vec, err := emb.Embed(context.Background(), text)
		require.NoError(t, err)
		rec := metadata.Record{
			metadata.KeyText:    text,
			metadata.KeyDocPath: path,
		}
		if strings.Contains(path, "open") {
			rec["status"] = "open"
		}
		id := fmt.Sprintf("doc_%d_chunk_0", i)
		require.NoError(t, idx.AddVectors([]string{id}, [][]float32{vec}, []metadata.Record{rec}))
		i++
	}
	return idx
}

func newTestEngine(t *testing.T, idx *vector.Index, client *fakeLLM, minRelevance float64) *Engine {
	t.Helper()
	opts := Options{
		Config:   config.QueryConfig{TopK: 5, MinRelevance: minRelevance},
		LLM:      config.LLMConfig{MaxContextChars: 2000},
		Index:    idx,
		Embedder: embed.NewStaticEmbedder(),
	}
	if client != nil {
		opts.Client = client
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e
}

func TestRetrieveStrategyOrder(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"hvac.md": "Chiller maintenance schedule for Building A",
	})
	// Only exact text matches clear the threshold, so earlier strategies
	// come back empty and the topic entity wins.
	e := newTestEngine(t, idx, nil, 0.99)

	sources, strategy, err := e.Retrieve(context.Background(), Request{
		Query:         "something entirely unrelated",
		TopicEntities: []string{"Chiller maintenance schedule for Building A"},
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "topic_entity", strategy)
	assert.Equal(t, "hvac.md", sources[0].DocPath)
}

func TestRetrieveEnhancedFirst(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"hvac.md": "Chiller maintenance schedule for Building A",
	})
	e := newTestEngine(t, idx, nil, 0.99)

	_, strategy, err := e.Retrieve(context.Background(), Request{
		Query:    "tell me more",
		Enhanced: "Chiller maintenance schedule for Building A",
	})
	require.NoError(t, err)
	assert.Equal(t, "enhanced", strategy)
}

func TestRetrieveAboutSubstring(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"pumps.md": "pump impeller wear limits",
	})
	e := newTestEngine(t, idx, nil, 0.99)

	_, strategy, err := e.Retrieve(context.Background(), Request{
		Query: "what do the docs say about pump impeller wear limits",
	})
	require.NoError(t, err)
	assert.Equal(t, "topic_substring", strategy)
}

func TestRetrieveNoResults(t *testing.T) {
	idx, err := vector.New(vector.Config{Dimension: embed.StaticDimensions}, nil)
	require.NoError(t, err)
	e := newTestEngine(t, idx, nil, 0)

	sources, strategy, err := e.Retrieve(context.Background(), Request{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.Equal(t, "none", strategy)
}

func TestAnswerExtractiveWithoutLLM(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"boiler.md": "Boiler pressure must stay below 60 psi",
	})
	e := newTestEngine(t, idx, nil, 0.99)

	ans, err := e.Answer(context.Background(), Request{
		Query: "Boiler pressure must stay below 60 psi",
	})
	require.NoError(t, err)
	assert.True(t, ans.Extractive)
	assert.Contains(t, ans.Text, "boiler.md")
	assert.Contains(t, ans.Text, "60 psi")
	require.Len(t, ans.Sources, 1)
}

func TestAnswerUsesLLM(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"boiler.md": "Boiler pressure must stay below 60 psi",
	})
	client := &fakeLLM{reply: "Keep it under 60 psi."}
	e := newTestEngine(t, idx, client, 0.99)

	ans, err := e.Answer(context.Background(), Request{
		Query:   "Boiler pressure must stay below 60 psi",
		Concise: true,
	})
	require.NoError(t, err)
	assert.False(t, ans.Extractive)
	assert.Equal(t, "Keep it under 60 psi.", ans.Text)
	assert.Contains(t, client.last, "boiler.md")
	assert.Contains(t, client.last, conciseInstruction)
}

func TestAnswerFallsBackWhenLLMFails(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"boiler.md": "Boiler pressure must stay below 60 psi",
	})
	client := &fakeLLM{err: errors.New("backend down")}
	e := newTestEngine(t, idx, client, 0.99)

	ans, err := e.Answer(context.Background(), Request{
		Query: "Boiler pressure must stay below 60 psi",
	})
	require.NoError(t, err)
	assert.True(t, ans.Extractive)
	assert.Contains(t, ans.Text, "boiler.md")
}

func TestAnswerEmptyQuery(t *testing.T) {
	idx := newTestIndex(t, nil)
	e := newTestEngine(t, idx, nil, 0)

	_, err := e.Answer(context.Background(), Request{Query: "   "})
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeQueryEmpty, ragerr.GetCode(err))
}

func TestAnswerNoHits(t *testing.T) {
	idx, err := vector.New(vector.Config{Dimension: embed.StaticDimensions}, nil)
	require.NoError(t, err)
	e := newTestEngine(t, idx, nil, 0)

	ans, err := e.Answer(context.Background(), Request{Query: "where is the manual"})
	require.NoError(t, err)
	assert.True(t, ans.Extractive)
	assert.Contains(t, ans.Text, "could not find")
}

func TestDetectStructured(t *testing.T) {
	tests := []struct {
		query    string
		want     bool
		kind     structuredKind
		status   string
		incident string
	}{
		{"list all open incidents", true, kindList, "", ""},
		{"how many reports are there", true, kindCount, "", ""},
		{"show all tickets with status open", true, kindList, "open", ""},
		{"how many tickets with status closed", true, kindCount, "closed", ""},
		{"what happened in INC123456", true, kindList, "", "INC123456"},
		{"what is the boiler pressure", false, kindList, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			sq, ok := detectStructured(tt.query)
			require.Equal(t, tt.want, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, sq.Kind)
			assert.Equal(t, tt.status, sq.Status)
			assert.Equal(t, tt.incident, sq.IncidentID)
		})
	}
}

func TestStructuredCountViaScan(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"open/a.md": "Ticket one remains unresolved",
		"open/b.md": "Ticket two remains unresolved",
		"done/c.md": "Ticket three was closed out",
	})
	e := newTestEngine(t, idx, nil, 0)

	ans, err := e.Answer(context.Background(), Request{
		Query: "how many tickets with status open",
	})
	require.NoError(t, err)
	assert.True(t, ans.Structured)
	assert.Contains(t, ans.Text, `2 documents with status "open"`)
}

func TestStructuredIncidentLookup(t *testing.T) {
	idx := newTestIndex(t, map[string]string{
		"log1.md": "Incident INC123456 resolved after a filter swap",
		"log2.md": "Routine inspection, nothing to report",
	})
	e := newTestEngine(t, idx, nil, 0)

	ans, err := e.Answer(context.Background(), Request{
		Query: "show all notes for INC123456",
	})
	require.NoError(t, err)
	assert.True(t, ans.Structured)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "log1.md", ans.Sources[0].DocPath)
	assert.Contains(t, ans.Text, "INC123456")
}

func TestStructuredListEnumeratesIncidents(t *testing.T) {
	idx, err := vector.New(vector.Config{Dimension: embed.StaticDimensions}, nil)
	require.NoError(t, err)
	emb := embed.NewStaticEmbedder()

	chunks := []struct {
		path string
		idx  int
		text string
	}{
		{"reports/march.md", 0, "Incident INC030001: chiller failure in Building A"},
		{"reports/march.md", 1, "Incident INC030002: pump trip during the night shift"},
		{"reports/april.md", 0, "Incident INC030003: sensor drift on floor two"},
	}
	for i, c := range chunks {
		vec, err := emb.Embed(context.Background(), c.text)
		require.NoError(t, err)
		id := fmt.Sprintf("rep_%d_chunk_%d", i, c.idx)
		rec := metadata.Record{
			metadata.KeyText:       c.text,
			metadata.KeyDocPath:    c.path,
			metadata.KeyChunkIndex: c.idx,
			metadata.KeyVectorID:   id,
		}
		require.NoError(t, idx.AddVectors([]string{id}, [][]float32{vec}, []metadata.Record{rec}))
	}
	e := newTestEngine(t, idx, nil, 0)

	ans, err := e.Answer(context.Background(), Request{Query: "list all incidents"})
	require.NoError(t, err)
	assert.True(t, ans.Structured)
	assert.True(t, ans.Extractive)
	// Every id appears, grouped under the file it came from.
	assert.Contains(t, ans.Text, "INC030001")
	assert.Contains(t, ans.Text, "INC030002")
	assert.Contains(t, ans.Text, "INC030003")
	assert.Contains(t, ans.Text, "reports/march.md")
	assert.Contains(t, ans.Text, "reports/april.md")
	assert.Len(t, ans.Sources, 3)
}

func TestBuildPromptBudget(t *testing.T) {
	sources := []Source{
		{DocPath: "a.md", Text: strings.Repeat("x", 100)},
		{DocPath: "b.md", Text: strings.Repeat("y", 100)},
	}
	_, user := buildPrompt(Request{Query: "q"}, sources, 120)

	assert.Contains(t, user, strings.Repeat("x", 100))
	assert.Contains(t, user, strings.Repeat("y", 20))
	assert.NotContains(t, user, strings.Repeat("y", 21))
}

func TestBuildPromptTabular(t *testing.T) {
	_, user := buildPrompt(Request{Query: "compare floors", Tabular: true}, nil, 1000)
	assert.Contains(t, user, tabularInstruction)
}
