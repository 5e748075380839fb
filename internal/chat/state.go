// Package chat runs the conversational layer: a phase machine per thread,
// intent classification with contextual query enrichment, and durable
// checkpoints so a thread survives restarts.
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is a conversation state. Ending is terminal.
type Phase string

const (
	PhaseGreeting      Phase = "greeting"
	PhaseUnderstanding Phase = "understanding"
	PhaseSearching     Phase = "searching"
	PhaseResponding    Phase = "responding"
	PhaseClarifying    Phase = "clarifying"
	PhaseValidating    Phase = "validating"
	PhaseEnding        Phase = "ending"
)

// Terminal reports whether the phase ends the thread.
func (p Phase) Terminal() bool { return p == PhaseEnding }

// Session limits. A thread that exceeds any of them is wound down on the
// next responding transition.
const (
	MaxTurns      = 20
	MaxRetries    = 3
	MaxErrors     = 5
	MaxEntities   = 10
	HistoryWindow = 5
)

// Message is one conversation turn entry. The quality fields are filled on
// assistant turns that went through validation; ConflictsWith lists the ids
// of prior validated assistant messages this one contradicts.
type Message struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	Intent        string    `json:"intent,omitempty"`
	Validated     bool      `json:"validated,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	QualityScore  float64   `json:"quality_score,omitempty"`
	ConflictsWith []string  `json:"conflicts_with,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// State is the checkpointed conversation state for one thread.
type State struct {
	ThreadID string    `json:"thread_id"`
	Phase    Phase     `json:"phase"`
	Messages []Message `json:"messages"`
	// TopicEntities are harvested subjects, most recent first.
	TopicEntities []string `json:"topic_entities,omitempty"`
	TurnCount     int      `json:"turn_count"`
	RetryCount    int      `json:"retry_count"`
	ErrorCount    int      `json:"error_count"`
	ClarifyCount  int      `json:"clarify_count"`
	LastError     string   `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates a fresh thread in the greeting phase.
func NewState(threadID string) *State {
	now := time.Now().UTC()
	return &State{
		ThreadID:  threadID,
		Phase:     PhaseGreeting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a turn entry with a fresh id.
func (s *State) AddMessage(role, content string, intent string) {
	s.Messages = append(s.Messages, Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Intent:    intent,
		Timestamp: time.Now().UTC(),
	})
}

// RecentHistory renders the last n messages as "role: content" lines,
// oldest first.
func (s *State) RecentHistory(n int) []string {
	start := len(s.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		out = append(out, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return out
}

// ValidatedResponses returns prior assistant messages that passed
// validation, for the consistency check.
func (s *State) ValidatedResponses() []string {
	var out []string
	for _, m := range s.Messages {
		if m.Role == "assistant" && m.Validated {
			out = append(out, m.Content)
		}
	}
	return out
}

// RememberEntities records topic entities, newest first, deduplicated and
// capped.
func (s *State) RememberEntities(entities []string) {
	for _, e := range entities {
		s.TopicEntities = prependUnique(s.TopicEntities, e)
	}
	if len(s.TopicEntities) > MaxEntities {
		s.TopicEntities = s.TopicEntities[:MaxEntities]
	}
}

func prependUnique(list []string, v string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, v)
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
