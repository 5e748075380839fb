package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    Intent
	}{
		{"hello there", IntentGreeting},
		{"Good morning!", IntentGreeting},
		{"bye for now", IntentGoodbye},
		{"that's all, thanks", IntentGoodbye},
		{"help", IntentHelp},
		{"what can you do", IntentHelp},
		{"I don't understand", IntentClarification},
		{"could you rephrase that", IntentClarification},
		{"tell me more", IntentFollowUp},
		{"what about floor two", IntentFollowUp},
		{"compare building a and building b", IntentComparison},
		{"difference between the two chillers", IntentComparison},
		{"explain the alarm sequence", IntentExplanation},
		{"why does the pump cycle", IntentExplanation},
		{"find maintenance reports", IntentSearch},
		{"show me the incident log", IntentSearch},
		{"what is the boiler pressure", IntentQuestion},
		{"completely freeform text", IntentQuestion},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message))
		})
	}
}

func TestIsContextual(t *testing.T) {
	assert.True(t, IsContextual("tell me more", true))
	assert.True(t, IsContextual("those two", true))
	assert.True(t, IsContextual("for floor 3", false))
	// Short only counts with history.
	assert.True(t, IsContextual("status?", true))
	assert.False(t, IsContextual("status?", false))
	assert.False(t, IsContextual("what is the full maintenance history of the east chiller", true))
}

func TestIsContextualPrefixWordBoundary(t *testing.T) {
	// Anaphoric prefixes only match whole words at the start.
	assert.True(t, IsContextual("it tripped again during the night shift", false))
	assert.True(t, IsContextual("it?", false))
	assert.False(t, IsContextual("iterate over the maintenance records for every building", false))
	assert.False(t, IsContextual("items in Building A needing inspection before the deadline", false))
	assert.False(t, IsContextual("therapy room schedule changes for the upcoming winter season", false))
}

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities("Compare Building A and Building B regarding INC123456 near Chiller Plant Two")
	assert.Contains(t, got, "Building A")
	assert.Contains(t, got, "Building B")
	assert.Contains(t, got, "INC123456")
	assert.Contains(t, got, "Chiller Plant Two")
}

func TestEnrich(t *testing.T) {
	assert.Equal(t, "tell me more Building A Floor 2",
		Enrich("tell me more", []string{"Building A", "Floor 2"}))
	assert.Equal(t, "plain", Enrich("plain", nil))
	// At most three entities are appended.
	got := Enrich("q", []string{"A1", "B2", "C3", "D4"})
	assert.Equal(t, "q A1 B2 C3", got)
}
