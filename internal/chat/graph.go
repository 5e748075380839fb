package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ragweave/ragweave/internal/config"
	ragerr "github.com/ragweave/ragweave/internal/errors"
	"github.com/ragweave/ragweave/internal/quality"
	"github.com/ragweave/ragweave/internal/query"
)

// Turn is the result of one Converse call.
type Turn struct {
	ThreadID    string                    `json:"thread_id"`
	Response    string                    `json:"response"`
	Phase       Phase                     `json:"phase"`
	Intent      Intent                    `json:"intent"`
	Contextual  bool                      `json:"contextual,omitempty"`
	Sources     []query.Source            `json:"sources,omitempty"`
	Validation  *quality.ValidationReport `json:"validation,omitempty"`
	Suggestions []string                  `json:"suggestions,omitempty"`
	Ended       bool                      `json:"ended,omitempty"`
}

// Options wires the graph's collaborators.
type Options struct {
	Config config.ChatConfig
	Query  config.QueryConfig
	Store  Store
	Engine *query.Engine
	Logger *slog.Logger
}

// Graph is the conversation orchestrator: a phase machine per thread,
// checkpointed on every transition.
type Graph struct {
	cfg       config.ChatConfig
	store     Store
	engine    *query.Engine
	validator *quality.ResponseValidator
	contexts  *quality.ContextManager
	logger    *slog.Logger
}

// NewGraph creates an orchestrator.
func NewGraph(opts Options) (*Graph, error) {
	if opts.Store == nil {
		return nil, ragerr.New(ragerr.ErrCodeInvalidParameter, "chat graph requires a checkpoint store", nil)
	}
	if opts.Engine == nil {
		return nil, ragerr.New(ragerr.ErrCodeInvalidParameter, "chat graph requires a query engine", nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Graph{
		cfg:       opts.Config,
		store:     opts.Store,
		engine:    opts.Engine,
		validator: quality.NewResponseValidator(opts.Query.QualityThreshold),
		contexts:  quality.NewContextManager(opts.Logger),
		logger:    opts.Logger.With(slog.String("component", "chat")),
	}, nil
}

const (
	greetingResponse = "Hello! Ask me anything about the indexed documents and I'll find the answer."
	helpResponse     = "I answer questions from the indexed documents. You can ask direct questions, search (\"find maintenance reports\"), compare items, or follow up on an earlier topic. Say goodbye to end the session."
	clarifyResponse  = "Could you give me a bit more detail? For example the building, floor, or system you mean."
	farewellResponse = "Goodbye! The conversation is saved; come back to this thread any time."
)

// Converse runs one turn of the phase machine for a thread and checkpoints
// the state on every transition.
func (g *Graph) Converse(ctx context.Context, threadID, message string) (*Turn, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	state, err := g.store.Get(ctx, threadID)
	if err != nil {
		if ragerr.GetCode(err) != ragerr.ErrCodeThreadUnknown {
			return nil, err
		}
		state = NewState(threadID)
	}
	if state.Phase.Terminal() {
		return nil, ragerr.Newf(ragerr.ErrCodeThreadEnded, "thread %s has ended", threadID)
	}

	state.TurnCount++
	if state.Phase == PhaseGreeting || state.Phase == PhaseClarifying {
		if err := g.transition(ctx, state, PhaseUnderstanding); err != nil {
			return nil, err
		}
	}

	intent := Classify(message)
	contextual := IsContextual(message, len(state.Messages) > 0)
	state.AddMessage("user", message, string(intent))

	processed := message
	if contextual {
		processed = Enrich(message, state.TopicEntities)
	}
	state.RememberEntities(ExtractEntities(message))

	turn := &Turn{ThreadID: threadID, Intent: intent, Contextual: contextual}

	switch {
	case intent == IntentGoodbye:
		turn.Response = farewellResponse
	case intent == IntentGreeting:
		turn.Response = greetingResponse
	case intent == IntentHelp:
		turn.Response = helpResponse
	case intent == IntentClarification && state.ClarifyCount < g.cfg.MaxClarifications:
		return g.clarify(ctx, state, turn)
	default:
		if err := g.search(ctx, state, turn, processed); err != nil {
			return nil, err
		}
	}

	return g.respond(ctx, state, turn)
}

// clarify asks for detail and parks the thread; the next turn re-enters
// understanding.
func (g *Graph) clarify(ctx context.Context, state *State, turn *Turn) (*Turn, error) {
	state.ClarifyCount++
	turn.Response = clarifyResponse
	turn.Phase = PhaseClarifying
	state.AddMessage("assistant", turn.Response, string(IntentClarification))
	if err := g.transition(ctx, state, PhaseClarifying); err != nil {
		return nil, err
	}
	return turn, nil
}

// search runs retrieval and synthesis. A caller-enforced timeout leaves the
// phase in understanding with the error appended so the next turn can retry.
func (g *Graph) search(ctx context.Context, state *State, turn *Turn, processed string) error {
	if err := g.transition(ctx, state, PhaseSearching); err != nil {
		return err
	}

	req := query.Request{
		Query:         latestUserMessage(state),
		TopicEntities: state.TopicEntities,
		Intent:        string(turn.Intent),
		Concise:       turn.Contextual || turn.Intent == IntentFollowUp,
		Tabular:       turn.Intent == IntentComparison,
		History:       g.historyContext(state),
	}
	if processed != req.Query {
		req.Enhanced = processed
	}

	ans, err := g.engine.Answer(ctx, req)
	if err != nil {
		state.ErrorCount++
		state.LastError = err.Error()
		if ctx.Err() != nil {
			state.Phase = PhaseUnderstanding
			if perr := g.store.Put(ctx, state); perr != nil {
				g.logger.Warn("checkpoint after timeout failed", slog.String("error", perr.Error()))
			}
			return ragerr.New(ragerr.ErrCodeTimeout, "turn timed out during search", err)
		}
		g.logger.Warn("search failed", slog.String("error", err.Error()))
		turn.Response = "I ran into a problem while searching. Please try rephrasing the question."
		return nil
	}

	turn.Response = ans.Text
	turn.Sources = ans.Sources
	return nil
}

// historyContext assembles quality-filtered history lines for the prompt.
func (g *Graph) historyContext(state *State) []string {
	limit := g.cfg.HistoryLimit
	if limit <= 0 {
		limit = HistoryWindow
	}
	recent := state.RecentHistory(limit)

	candidates := make([]quality.Segment, 0, len(recent))
	for _, line := range recent {
		candidates = append(candidates, quality.Segment{
			Content:   line,
			Source:    "history",
			Relevance: 0.7,
			Quality:   quality.QualityMedium,
		})
	}
	built := g.contexts.Build(quality.PurposeResponse, candidates)

	out := make([]string, 0, len(built.Segments))
	for _, seg := range built.Segments {
		out = append(out, seg.Content)
	}
	return out
}

// respond validates the draft, records the assistant message, applies the
// end policy, and checkpoints.
func (g *Graph) respond(ctx context.Context, state *State, turn *Turn) (*Turn, error) {
	if err := g.transition(ctx, state, PhaseValidating); err != nil {
		return nil, err
	}

	validated := true
	if len(turn.Sources) > 0 {
		rep := g.validator.Validate(quality.ValidationInput{
			Response:       turn.Response,
			Query:          latestUserMessage(state),
			Sources:        sourceTexts(turn.Sources),
			PriorValidated: state.ValidatedResponses(),
		})
		turn.Validation = &rep
		validated = rep.Passed
		if !rep.Passed {
			state.RetryCount++
			turn.Response += "\n\nNote: I could not fully verify this answer against the indexed sources."
		} else {
			g.contexts.RecordValidated(quality.Segment{Content: turn.Response, Source: "assistant"})
		}
	}

	conflicts := conflictingMessageIDs(state, turn.Response)
	state.AddMessage("assistant", turn.Response, string(turn.Intent))
	last := &state.Messages[len(state.Messages)-1]
	last.Validated = validated && len(turn.Sources) > 0
	if turn.Validation != nil {
		last.Confidence = turn.Validation.MeanConfidence
		last.QualityScore = turn.Validation.QualityScore()
		last.ConflictsWith = conflicts
	}

	if err := g.transition(ctx, state, PhaseResponding); err != nil {
		return nil, err
	}

	if g.shouldEnd(state, turn.Intent) {
		turn.Ended = true
		turn.Phase = PhaseEnding
		return turn, g.transition(ctx, state, PhaseEnding)
	}

	turn.Phase = PhaseUnderstanding
	turn.Suggestions = g.suggestions(state)
	return turn, g.transition(ctx, state, PhaseUnderstanding)
}

// shouldEnd applies the termination policy.
func (g *Graph) shouldEnd(state *State, intent Intent) bool {
	switch {
	case intent == IntentGoodbye:
		return true
	case state.TurnCount > MaxTurns:
		return true
	case state.RetryCount > MaxRetries:
		return true
	case state.ErrorCount > MaxErrors:
		return true
	}
	if g.cfg.EndPolicy == "auto" && g.cfg.MaxIdleTurns > 0 {
		return idleTurns(state) >= g.cfg.MaxIdleTurns
	}
	return false
}

// idleTurns counts consecutive assistant turns that produced no validated
// answer.
func idleTurns(state *State) int {
	n := 0
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Role != "assistant" {
			continue
		}
		if m.Validated {
			break
		}
		n++
	}
	return n
}

// suggestions offers follow-ups from the freshest topic entities.
func (g *Graph) suggestions(state *State) []string {
	var out []string
	for _, e := range state.TopicEntities {
		if len(out) == 3 {
			break
		}
		out = append(out, fmt.Sprintf("Tell me more about %s", e))
	}
	return out
}

// transition moves the phase and checkpoints.
func (g *Graph) transition(ctx context.Context, state *State, phase Phase) error {
	state.Phase = phase
	state.UpdatedAt = time.Now().UTC()
	if err := g.store.Put(ctx, state); err != nil {
		return ragerr.New(ragerr.ErrCodeCheckpointFailed,
			fmt.Sprintf("checkpoint failed entering %s", phase), err)
	}
	return nil
}

// conflictingMessageIDs finds the prior validated assistant messages the
// response contradicts, so the stored turn records what it disagrees with.
func conflictingMessageIDs(state *State, response string) []string {
	var out []string
	for _, m := range state.Messages {
		if m.Role == "assistant" && m.Validated && quality.Contradicts(response, m.Content) {
			out = append(out, m.ID)
		}
	}
	return out
}

func latestUserMessage(state *State) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == "user" {
			return state.Messages[i].Content
		}
	}
	return ""
}

func sourceTexts(sources []query.Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Text
	}
	return out
}

// End closes a thread explicitly.
func (g *Graph) End(ctx context.Context, threadID string) error {
	state, err := g.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	return g.transition(ctx, state, PhaseEnding)
}

// Threads lists known thread ids.
func (g *Graph) Threads(ctx context.Context) ([]string, error) {
	return g.store.List(ctx)
}
