package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"  // child launched
	EventReady  EventType = "ready"  // health endpoint answered
	EventFailed EventType = "failed" // start aborted or child crashed
	EventStop   EventType = "stop"   // stopped on request
)

// Event is one lifecycle record of the embedded service.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	BaseURL    string    `json:"base_url,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
