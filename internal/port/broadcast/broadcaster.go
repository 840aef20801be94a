// Package broadcast defines the port for fire-and-forget notification of
// run lifecycle events.
package broadcast

import "context"

// Event type constants.
const (
	EventRunStarted        = "run.started"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventRunCancelled      = "run.cancelled"
	EventScheduledExecuted = "scheduled.executed"
)

// Broadcaster delivers events to interested parties. Delivery failures are
// the implementation's concern and never surface to the caller.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all subscribers.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// RunEvent is the payload of the run.* events.
type RunEvent struct {
	RunID          string `json:"run_id"`
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id"`
	AgentName      string `json:"agent_name"`
	AgentType      string `json:"agent_type"`
	Status         string `json:"status"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsAdded     int    `json:"items_added"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ScheduledEvent is the payload of scheduled.executed.
type ScheduledEvent struct {
	ScheduledAgentID string `json:"scheduled_agent_id"`
	UserID           string `json:"user_id"`
	RunID            string `json:"run_id,omitempty"`
	Status           string `json:"status"`
	Message          string `json:"message,omitempty"`
	DurationMs       int64  `json:"duration_ms"`
}

// Nop discards every event.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}

// Multi fans an event out to several broadcasters in order.
type Multi []Broadcaster

// BroadcastEvent implements Broadcaster.
func (m Multi) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range m {
		if b != nil {
			b.BroadcastEvent(ctx, eventType, payload)
		}
	}
}
