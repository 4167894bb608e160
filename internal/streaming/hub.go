package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted during stage execution.
type StreamEvent struct {
	ReportID  string    `json:"report_id"`
	StageID   string    `json:"stage_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Expression is an optional CEL filter evaluated against the event;
// it is compiled once at subscribe time.
type EventFilter struct {
	ReportID   string   `json:"report_id,omitempty"`
	StageID    string   `json:"stage_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Expression string   `json:"expression,omitempty"`
}

// EventHub provides pub/sub for real-time pipeline events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
