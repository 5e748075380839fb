// Package events defines the typed event envelope and the in-process bus
// used by the ingestion pipeline, the folder watcher, and the verifier.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event class.
type Type string

// Event types emitted by the folder watcher and pipeline verifier.
const (
	TypeFileQueued          Type = "file_queued"
	TypeProcessingStarted   Type = "file_processing_started"
	TypeStageStarted        Type = "pipeline_stage_started"
	TypeStageCompleted      Type = "pipeline_stage_completed"
	TypeProcessingCompleted Type = "file_processing_completed"
	TypeProcessingFailed    Type = "file_processing_failed"
	TypeProcessingError     Type = "file_processing_error"
	TypeFileDeleted         Type = "file_deleted"
)

// Event is the envelope published on the bus and exposed to external
// subscribers (e.g., a push channel).
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// New builds an event with the current timestamp.
func New(t Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// MarshalJSON renders the envelope with an ISO 8601 timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type      string         `json:"type"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	return json.Marshal(wire{
		Type:      string(e.Type),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		Data:      e.Data,
	})
}

// Handler processes a single event. Handlers must not block indefinitely.
type Handler func(Event)
