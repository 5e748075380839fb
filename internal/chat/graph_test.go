package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragweave/ragweave/internal/config"
	"github.com/ragweave/ragweave/internal/embed"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/metadata"
	"github.com/ragweave/ragweave/internal/query"
	"github.com/ragweave/ragweave/internal/vector"
)

func newTestGraph(t *testing.T) (*Graph, Store) {
	t.Helper()

	idx, err := vector.New(vector.Config{Dimension: embed.StaticDimensions}, nil)
	require.NoError(t, err)

	emb := embed.NewStaticEmbedder()
	docs := map[string]string{
		"boiler.md": "Boiler pressure must stay below 60 psi in Building A",
		"pumps.md":  "Condensate pump service interval is 90 days",
	}
	i := 0
	for path, text := range docs {
		vec, err := emb.Embed(context.Background(), text)
		require.NoError(t, err)
		rec := metadata.Record{metadata.KeyText: text, metadata.KeyDocPath: path}
		id := fmt.Sprintf("doc_%d_chunk_0", i)
		require.NoError(t, idx.AddVectors([]string{id}, [][]float32{vec}, []metadata.Record{rec}))
		i++
	}

	engine, err := query.NewEngine(query.Options{
		Config:   config.QueryConfig{TopK: 3, MinRelevance: 0},
		LLM:      config.LLMConfig{MaxContextChars: 2000},
		Index:    idx,
		Embedder: emb,
	})
	require.NoError(t, err)

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	g, err := NewGraph(Options{
		Config: config.ChatConfig{MaxClarifications: 2},
		Query:  config.QueryConfig{QualityThreshold: 0.6},
		Store:  store,
		Engine: engine,
	})
	require.NoError(t, err)
	return g, store
}

func TestConverseGreeting(t *testing.T) {
	g, store := newTestGraph(t)

	turn, err := g.Converse(context.Background(), "t1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, IntentGreeting, turn.Intent)
	assert.Equal(t, greetingResponse, turn.Response)
	assert.Equal(t, PhaseUnderstanding, turn.Phase)
	assert.False(t, turn.Ended)

	state, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, PhaseUnderstanding, state.Phase)
	assert.Equal(t, 1, state.TurnCount)
	assert.Len(t, state.Messages, 2)
}

func TestConverseQuestionRetrieves(t *testing.T) {
	g, _ := newTestGraph(t)

	turn, err := g.Converse(context.Background(), "t1", "what is the boiler pressure limit")
	require.NoError(t, err)
	assert.Equal(t, IntentQuestion, turn.Intent)
	assert.NotEmpty(t, turn.Sources)
	assert.Contains(t, turn.Response, "psi")
	require.NotNil(t, turn.Validation)
	assert.Len(t, turn.Validation.Checks, 5)
}

func TestMessagesCarryUniqueIDs(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	_, err := g.Converse(ctx, "t1", "hello there")
	require.NoError(t, err)
	_, err = g.Converse(ctx, "t1", "what is the boiler pressure limit")
	require.NoError(t, err)

	state, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, state.Messages, 4)
	seen := make(map[string]struct{})
	for _, m := range state.Messages {
		require.NotEmpty(t, m.ID)
		_, dup := seen[m.ID]
		assert.False(t, dup)
		seen[m.ID] = struct{}{}
	}
}

func TestAssistantMessageQualityFields(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	turn, err := g.Converse(ctx, "t1", "what is the boiler pressure limit")
	require.NoError(t, err)
	require.NotNil(t, turn.Validation)

	state, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Equal(t, turn.Validation.MeanConfidence, last.Confidence)
	assert.Equal(t, turn.Validation.QualityScore(), last.QualityScore)
	assert.Greater(t, last.QualityScore, 0.0)
}

func TestConflictingMessageIDs(t *testing.T) {
	state := NewState("t1")
	state.AddMessage("assistant", "Boiler pressure must stay below 60 psi in Building A", "")
	state.Messages[0].Validated = true
	id := state.Messages[0].ID

	got := conflictingMessageIDs(state, "Boiler pressure must not stay below 60 psi in Building A")
	assert.Equal(t, []string{id}, got)
	assert.Empty(t, conflictingMessageIDs(state, "The cafeteria opens at nine"))
}

func TestConverseGoodbyeEndsThread(t *testing.T) {
	g, store := newTestGraph(t)

	turn, err := g.Converse(context.Background(), "t1", "goodbye")
	require.NoError(t, err)
	assert.True(t, turn.Ended)
	assert.Equal(t, PhaseEnding, turn.Phase)

	state, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, state.Phase.Terminal())

	_, err = g.Converse(context.Background(), "t1", "hello again")
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeThreadEnded, ragerr.GetCode(err))
}

func TestConverseContextualFollowUp(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	_, err := g.Converse(ctx, "t1", "What does the manual say about Building A")
	require.NoError(t, err)

	turn, err := g.Converse(ctx, "t1", "tell me more")
	require.NoError(t, err)
	assert.True(t, turn.Contextual)
	assert.Equal(t, IntentFollowUp, turn.Intent)
	assert.NotEmpty(t, turn.Sources)

	state, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Contains(t, state.TopicEntities, "Building A")
}

func TestConverseClarification(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	turn, err := g.Converse(ctx, "t1", "I don't understand")
	require.NoError(t, err)
	assert.Equal(t, PhaseClarifying, turn.Phase)
	assert.Equal(t, clarifyResponse, turn.Response)

	state, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, PhaseClarifying, state.Phase)
	assert.Equal(t, 1, state.ClarifyCount)

	// The next turn re-enters understanding and answers normally.
	turn, err = g.Converse(ctx, "t1", "what is the boiler pressure limit")
	require.NoError(t, err)
	assert.Equal(t, PhaseUnderstanding, turn.Phase)
	assert.NotEmpty(t, turn.Sources)
}

func TestConverseTurnLimitEnds(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	state := NewState("t1")
	state.Phase = PhaseUnderstanding
	state.TurnCount = MaxTurns
	require.NoError(t, store.Put(ctx, state))

	turn, err := g.Converse(ctx, "t1", "what is the boiler pressure limit")
	require.NoError(t, err)
	assert.True(t, turn.Ended)
	assert.Equal(t, PhaseEnding, turn.Phase)
}

func TestConverseSuggestions(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	turn, err := g.Converse(ctx, "t1", "What is scheduled for Building A and Floor 2")
	require.NoError(t, err)
	require.NotEmpty(t, turn.Suggestions)
	assert.Contains(t, turn.Suggestions[0], "Tell me more about")
}

func TestEndAndThreads(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	_, err := g.Converse(ctx, "alpha", "hello")
	require.NoError(t, err)
	_, err = g.Converse(ctx, "beta", "hello")
	require.NoError(t, err)

	ids, err := g.Threads(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)

	require.NoError(t, g.End(ctx, "alpha"))
	_, err = g.Converse(ctx, "alpha", "hi")
	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeThreadEnded, ragerr.GetCode(err))
}
