package run

import (
	"fmt"
)

// validStatuses enumerates all valid run statuses.
var validStatuses = map[Status]bool{
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// validLevels enumerates all valid log levels.
var validLevels = map[Level]bool{
	LevelInfo:  true,
	LevelWarn:  true,
	LevelError: true,
}

// Validate checks that a Run has all required fields and that its terminal
// fields agree with its status.
func (r *Run) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.Status.IsTerminal() != (r.EndTime != nil) {
		return fmt.Errorf("end_time must be set iff status is terminal (status %q)", r.Status)
	}
	if r.ItemsProcessed < 0 || r.ItemsAdded < 0 {
		return fmt.Errorf("item counters must be non-negative")
	}
	for i, e := range r.Logs {
		if !validLevels[e.Level] {
			return fmt.Errorf("log %d: invalid level %q", i, e.Level)
		}
		if i > 0 && e.Timestamp.Before(r.Logs[i-1].Timestamp) {
			return fmt.Errorf("log %d: timestamp goes backwards", i)
		}
	}
	return nil
}

// ValidateFinished is Validate for a run about to be persisted as terminal.
func (r *Run) ValidateFinished() error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", r.Status)
	}
	return nil
}
