package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/port/database"
	"github.com/Strob0t/curator/internal/port/executor"
)

// DefaultListLimit caps run and item listings when the caller passes no limit.
const DefaultListLimit = 50

// AgentService handles agent management around the engine: CRUD, pause and
// resume, and read access to runs and collected items.
type AgentService struct {
	store    database.Store
	registry *executor.Registry
	now      func() time.Time
}

// NewAgentService creates a new AgentService.
func NewAgentService(store database.Store, registry *executor.Registry) *AgentService {
	return &AgentService{store: store, registry: registry, now: time.Now}
}

// UpdateRequest holds the mutable fields of an agent. Nil fields are kept.
type UpdateRequest struct {
	Name          *string              `json:"name,omitempty"`
	Description   *string              `json:"description,omitempty"`
	Configuration *agent.Configuration `json:"configuration,omitempty"`
	Version       int                  `json:"version"`
}

// List returns all agents of a user.
func (s *AgentService) List(ctx context.Context, userID string) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx, userID)
}

// Get returns an agent by ID.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// Create validates and persists a new agent. Creating an agent whose type has
// no registered executor is allowed but logged, since it can never run.
func (s *AgentService) Create(ctx context.Context, req agent.CreateRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.registry != nil {
		if _, ok := s.registry.Get(string(req.Type)); !ok {
			slog.WarnContext(ctx, "agent created without executor", "type", req.Type, "available", s.registry.Types())
		}
	}
	a, err := s.store.CreateAgent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	slog.InfoContext(ctx, "agent created", "agent_id", a.ID, "type", a.Type)
	return a, nil
}

// Update applies req using optimistic locking on req.Version.
func (s *AgentService) Update(ctx context.Context, id string, req UpdateRequest) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Version != 0 && req.Version != a.Version {
		return nil, fmt.Errorf("update agent %s: version %d is stale: %w", id, req.Version, domain.ErrConflict)
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
		}
		a.Name = name
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Configuration != nil {
		cfg := *req.Configuration
		if cfg.Schedule == "" {
			cfg.Schedule = agent.DefaultSchedule
		}
		if cfg.MaxItemsPerRun < 0 {
			return nil, fmt.Errorf("%w: max_items_per_run must be >= 0", domain.ErrValidation)
		}
		a.Configuration = cfg
	}

	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return s.store.GetAgent(ctx, id)
}

// Delete removes an agent and its runs. A running agent cannot be deleted.
func (s *AgentService) Delete(ctx context.Context, id string) error {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == agent.StatusRunning {
		return fmt.Errorf("delete agent %s: %w: %w", id, ErrAgentAlreadyRunning, domain.ErrConflict)
	}
	return s.store.DeleteAgent(ctx, id)
}

// Pause deactivates an agent so no scheduler picks it up.
func (s *AgentService) Pause(ctx context.Context, id string) (*agent.Agent, error) {
	if err := s.store.PauseAgent(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetAgent(ctx, id)
}

// Resume reactivates a paused agent and schedules its next run from its
// configured schedule.
func (s *AgentService) Resume(ctx context.Context, id string) (*agent.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	next := agent.CalculateNextRun(a.Configuration.Schedule, s.now())
	if err := s.store.ResumeAgent(ctx, id, next); err != nil {
		return nil, err
	}
	return s.store.GetAgent(ctx, id)
}

// ListRuns returns the most recent runs of an agent, newest first.
func (s *AgentService) ListRuns(ctx context.Context, agentID string, limit int) ([]run.Run, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.store.ListRunsByAgent(ctx, agentID, clampLimit(limit))
}

// GetRun returns a run by ID.
func (s *AgentService) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListItems returns the most recent content items collected by an agent.
func (s *AgentService) ListItems(ctx context.Context, agentID string, limit int) ([]content.Item, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.store.ListItemsByAgent(ctx, agentID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}
