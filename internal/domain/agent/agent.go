// Package agent defines the Agent domain entity: a user-owned configuration
// for a content-fetching job of a given type.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/curator/internal/domain"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusPaused  Status = "paused"
)

// Type is the closed set of agent kinds. Each type needs a registered executor.
type Type string

const (
	TypeTwitter  Type = "twitter"
	TypeReddit   Type = "reddit"
	TypeNews     Type = "news"
	TypeLinkedIn Type = "linkedin"
	TypeCustom   Type = "custom"
)

// Types lists every known agent type.
var Types = []Type{TypeTwitter, TypeReddit, TypeNews, TypeLinkedIn, TypeCustom}

// Valid reports whether t is one of the known agent types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultSchedule is used when an agent is created without a schedule.
const DefaultSchedule = "0 */6 * * *"

// Configuration holds the executor-facing settings of an agent.
// Parameters are opaque to the engine and interpreted by the executor.
type Configuration struct {
	Schedule       string         `json:"schedule"`
	MaxItemsPerRun int            `json:"max_items_per_run"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Statistics are lifetime counters, incremented atomically by the store.
type Statistics struct {
	TotalRuns      int64 `json:"total_runs"`
	SuccessfulRuns int64 `json:"successful_runs"`
	FailedRuns     int64 `json:"failed_runs"`
	ItemsProcessed int64 `json:"items_processed"`
	ItemsAdded     int64 `json:"items_added"`
}

// Agent is a user-owned job definition. While Status is StatusRunning exactly
// one Run for this agent is in flight.
type Agent struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	Type             Type          `json:"type"`
	Configuration    Configuration `json:"configuration"`
	IsActive         bool          `json:"is_active"`
	Status           Status        `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	LastRun          *time.Time    `json:"last_run,omitempty"`
	NextRun          *time.Time    `json:"next_run,omitempty"`
	Statistics       Statistics    `json:"statistics"`
	ScheduledAgentID string        `json:"scheduled_agent_id,omitempty"`
	Version          int           `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsStuck reports whether a running agent has exceeded threshold since its
// last claim. A running agent without a lastRun timestamp is considered stuck.
func (a *Agent) IsStuck(now time.Time, threshold time.Duration) bool {
	if a.Status != StatusRunning {
		return false
	}
	if a.LastRun == nil {
		return true
	}
	return now.Sub(*a.LastRun) > threshold
}

// CreateRequest holds the fields needed to create a new agent.
type CreateRequest struct {
	UserID           string        `json:"-"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	Type             Type          `json:"type"`
	Configuration    Configuration `json:"configuration"`
	ScheduledAgentID string        `json:"-"`
}

// Validate checks the request and fills defaults.
func (r *CreateRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown agent type %q", domain.ErrValidation, r.Type)
	}
	if r.Configuration.Schedule == "" {
		r.Configuration.Schedule = DefaultSchedule
	}
	if r.Configuration.MaxItemsPerRun < 0 {
		return fmt.Errorf("%w: max_items_per_run must be >= 0", domain.ErrValidation)
	}
	return nil
}

// RunOutcome is what the engine persists onto the agent when a run ends.
type RunOutcome struct {
	Succeeded      bool
	Status         Status
	ErrorMessage   string
	ItemsProcessed int
	ItemsAdded     int
	NextRun        *time.Time
}
