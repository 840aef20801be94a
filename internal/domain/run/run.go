// Package run defines the Run domain entity: one execution attempt of an agent.
package run

import (
	"errors"
	"time"
)

// Status represents the current state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Level is the severity of a run log entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ErrAlreadyTerminal is returned when terminating a run that already ended.
var ErrAlreadyTerminal = errors.New("run already terminated")

// LogEntry is one line of a run's append-only log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Run is one execution attempt. EndTime and Duration are set exactly when
// Status is terminal.
type Run struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agent_id"`
	UserID         string         `json:"user_id"`
	Status         Status         `json:"status"`
	StartTime      time.Time      `json:"start_time"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	Duration       int64          `json:"duration_ms"`
	ItemsProcessed int            `json:"items_processed"`
	ItemsAdded     int            `json:"items_added"`
	Logs           []LogEntry     `json:"logs"`
	Errors         []string       `json:"errors,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
}

// New returns a running Run with zeroed counters.
func New(id, agentID, userID string, start time.Time) *Run {
	return &Run{
		ID:        id,
		AgentID:   agentID,
		UserID:    userID,
		Status:    StatusRunning,
		StartTime: start,
		Logs:      []LogEntry{},
	}
}

// AddLog appends an entry. A timestamp earlier than the last entry is
// clamped so the log stays monotonically non-decreasing. The stored entry is
// returned.
func (r *Run) AddLog(at time.Time, level Level, msg string, data map[string]any) LogEntry {
	if n := len(r.Logs); n > 0 && at.Before(r.Logs[n-1].Timestamp) {
		at = r.Logs[n-1].Timestamp
	}
	e := LogEntry{Timestamp: at, Level: level, Message: msg, Data: data}
	r.Logs = append(r.Logs, e)
	return e
}

// Complete marks the run completed.
func (r *Run) Complete(at time.Time, results map[string]any) error {
	if err := r.finish(at, StatusCompleted); err != nil {
		return err
	}
	if results != nil {
		r.Results = results
	}
	return nil
}

// Fail marks the run failed and records msg in Errors.
func (r *Run) Fail(at time.Time, msg string) error {
	if err := r.finish(at, StatusFailed); err != nil {
		return err
	}
	r.Errors = append(r.Errors, msg)
	return nil
}

// Cancel marks the run cancelled.
func (r *Run) Cancel(at time.Time, reason string) error {
	if err := r.finish(at, StatusCancelled); err != nil {
		return err
	}
	if reason != "" {
		r.Errors = append(r.Errors, reason)
	}
	return nil
}

func (r *Run) finish(at time.Time, status Status) error {
	if r.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if at.Before(r.StartTime) {
		at = r.StartTime
	}
	r.Status = status
	r.EndTime = &at
	r.Duration = at.Sub(r.StartTime).Milliseconds()
	return nil
}

// Clone returns a deep-enough copy for handing across goroutines.
func (r *Run) Clone() *Run {
	c := *r
	c.Logs = append([]LogEntry(nil), r.Logs...)
	c.Errors = append([]string(nil), r.Errors...)
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.Results != nil {
		c.Results = make(map[string]any, len(r.Results))
		for k, v := range r.Results {
			c.Results[k] = v
		}
	}
	return &c
}
