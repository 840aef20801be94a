// Package database defines the persistence ports. Implementations must make
// the conditional updates below atomic; the engine relies on them instead of
// in-process locks.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/domain/scheduled"
)

// AgentStore persists agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, req agent.CreateRequest) (*agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]agent.Agent, error)
	FindAgentByScheduledID(ctx context.Context, scheduledID string) (*agent.Agent, error)
	// UpdateAgent writes name, description and configuration. It fails with
	// domain.ErrConflict when a.Version is stale.
	UpdateAgent(ctx context.Context, a *agent.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// ClaimAgent sets status=running and lastRun=now only if the agent is
	// active and not already running. It reports whether the claim won.
	ClaimAgent(ctx context.Context, id string, now time.Time) (bool, error)
	// ReleaseAgent returns a claimed agent to idle without touching statistics.
	ReleaseAgent(ctx context.Context, id string) error
	// ResetStuckAgent sets a running agent whose lastRun is before cutoff (or
	// unset) back to idle and clears its error. It reports whether a reset happened.
	ResetStuckAgent(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// FinishAgentRun increments statistics and applies the post-run status.
	FinishAgentRun(ctx context.Context, id string, outcome agent.RunOutcome) error
	// DeactivateAgent clears isActive without touching status, so a running
	// agent finishes its current run and is never claimed again.
	DeactivateAgent(ctx context.Context, id string) error
	// PauseAgent deactivates an agent. It fails with domain.ErrConflict while running.
	PauseAgent(ctx context.Context, id string) error
	ResumeAgent(ctx context.Context, id string, nextRun time.Time) error

	// ListDueAgents returns active, non-error, non-paused agents that are not
	// driven by a scheduled agent, whose nextRun is unset or <= now, and that
	// are either not running or running with lastRun before stuckBefore.
	ListDueAgents(ctx context.Context, now, stuckBefore time.Time) ([]agent.Agent, error)
}

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRunsByAgent(ctx context.Context, agentID string, limit int) ([]run.Run, error)
	// AppendRunLog atomically appends one entry to a run's log.
	AppendRunLog(ctx context.Context, runID string, entry run.LogEntry) error
	// FinishRun writes the terminal state of r. It fails with
	// domain.ErrConflict if the stored run is no longer running.
	FinishRun(ctx context.Context, r *run.Run) error
	// FailOrphanedRuns terminates every running run of an agent and counts
	// each one as a failed run in the agent's statistics. Used after a stuck
	// agent is reset so the agent never has two running runs.
	FailOrphanedRuns(ctx context.Context, agentID string, at time.Time, reason string) (int, error)
}

// ScheduledAgentStore persists scheduled agents.
type ScheduledAgentStore interface {
	CreateScheduledAgent(ctx context.Context, sa *scheduled.ScheduledAgent) error
	GetScheduledAgent(ctx context.Context, id string) (*scheduled.ScheduledAgent, error)
	ListScheduledAgents(ctx context.Context, userID string) ([]scheduled.ScheduledAgent, error)
	ListActiveScheduledAgents(ctx context.Context) ([]scheduled.ScheduledAgent, error)
	SetScheduledAgentActive(ctx context.Context, id string, active bool) error
	DeleteScheduledAgent(ctx context.Context, id string) error
	// RecordScheduledExecution atomically increments the execution counters
	// and stores the last result.
	RecordScheduledExecution(ctx context.Context, id string, at time.Time, result scheduled.Result) error
}

// ContentStore persists collected items.
type ContentStore interface {
	// SaveItem inserts the item unless one with the same dedup key exists.
	// It reports whether the item was added.
	SaveItem(ctx context.Context, item *content.Item) (bool, error)
	ListItemsByAgent(ctx context.Context, agentID string, limit int) ([]content.Item, error)
}

// Store aggregates all persistence ports.
type Store interface {
	AgentStore
	RunStore
	ScheduledAgentStore
	ContentStore
}
