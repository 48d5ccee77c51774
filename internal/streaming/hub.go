package streaming

import (
	"context"
	"time"
)

// StreamEvent is a progress notification emitted while a run executes.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	StepID    string    `json:"step_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Time      time.Time `json:"time"`
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	Workflow   string   `json:"workflow,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
