// Package memory implements database.Store in process memory. It honours the
// same conditional-update contract as the PostgreSQL store and backs
// single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/domain/scheduled"
	"github.com/Strob0t/curator/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu        sync.Mutex
	agents    map[string]*agent.Agent
	runs      map[string]*run.Run
	scheduled map[string]*scheduled.ScheduledAgent
	items     map[string]*content.Item
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		agents:    make(map[string]*agent.Agent),
		runs:      make(map[string]*run.Run),
		scheduled: make(map[string]*scheduled.ScheduledAgent),
		items:     make(map[string]*content.Item),
		now:       time.Now,
	}
}

// --- Agents ---

func (s *Store) CreateAgent(_ context.Context, req agent.CreateRequest) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a := &agent.Agent{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		Configuration:    req.Configuration,
		IsActive:         true,
		Status:           agent.StatusIdle,
		ScheduledAgentID: req.ScheduledAgentID,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (s *Store) ListAgents(_ context.Context, userID string) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]agent.Agent, 0)
	for _, a := range s.agents {
		if userID == "" || a.UserID == userID {
			out = append(out, *cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindAgentByScheduledID(_ context.Context, scheduledID string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.ScheduledAgentID == scheduledID {
			return cloneAgent(a), nil
		}
	}
	return nil, fmt.Errorf("find agent for scheduled agent %s: %w", scheduledID, domain.ErrNotFound)
}

func (s *Store) UpdateAgent(_ context.Context, in *agent.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[in.ID]
	if !ok {
		return fmt.Errorf("update agent %s: %w", in.ID, domain.ErrNotFound)
	}
	if a.Version != in.Version {
		return fmt.Errorf("update agent %s: %w", in.ID, domain.ErrConflict)
	}
	a.Name = in.Name
	a.Description = in.Description
	a.Configuration = in.Configuration
	a.Version++
	a.UpdatedAt = s.now()
	in.Version = a.Version
	return nil
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("delete agent %s: %w", id, domain.ErrNotFound)
	}
	delete(s.agents, id)
	for rid, r := range s.runs {
		if r.AgentID == id {
			delete(s.runs, rid)
		}
	}
	return nil
}

func (s *Store) ClaimAgent(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return false, fmt.Errorf("claim agent %s: %w", id, domain.ErrNotFound)
	}
	if !a.IsActive || a.Status == agent.StatusRunning {
		return false, nil
	}
	t := now
	a.Status = agent.StatusRunning
	a.LastRun = &t
	a.Version++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ReleaseAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("release agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status == agent.StatusRunning {
		a.Status = agent.StatusIdle
		a.Version++
		a.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ResetStuckAgent(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return false, fmt.Errorf("reset agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != agent.StatusRunning || (a.LastRun != nil && !a.LastRun.Before(cutoff)) {
		return false, nil
	}
	a.Status = agent.StatusIdle
	a.ErrorMessage = ""
	a.Version++
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) FinishAgentRun(_ context.Context, id string, o agent.RunOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("finish agent run %s: %w", id, domain.ErrNotFound)
	}
	a.Statistics.TotalRuns++
	if o.Succeeded {
		a.Statistics.SuccessfulRuns++
	} else {
		a.Statistics.FailedRuns++
	}
	a.Statistics.ItemsProcessed += int64(o.ItemsProcessed)
	a.Statistics.ItemsAdded += int64(o.ItemsAdded)
	a.Status = o.Status
	a.ErrorMessage = o.ErrorMessage
	if o.NextRun != nil {
		t := *o.NextRun
		a.NextRun = &t
	}
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) PauseAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("pause agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status == agent.StatusRunning {
		return fmt.Errorf("pause agent %s: %w", id, domain.ErrConflict)
	}
	a.IsActive = false
	a.Status = agent.StatusPaused
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) ResumeAgent(_ context.Context, id string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("resume agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status == agent.StatusRunning {
		return fmt.Errorf("resume agent %s: %w", id, domain.ErrConflict)
	}
	a.IsActive = true
	a.Status = agent.StatusIdle
	a.ErrorMessage = ""
	t := nextRun
	a.NextRun = &t
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListDueAgents(_ context.Context, now, stuckBefore time.Time) ([]agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]agent.Agent, 0)
	for _, a := range s.agents {
		if !a.IsActive || a.ScheduledAgentID != "" {
			continue
		}
		if a.Status == agent.StatusError || a.Status == agent.StatusPaused {
			continue
		}
		if a.NextRun != nil && a.NextRun.After(now) {
			continue
		}
		if a.Status == agent.StatusRunning && a.LastRun != nil && !a.LastRun.Before(stuckBefore) {
			continue
		}
		out = append(out, *cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Runs ---

func (s *Store) CreateRun(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.Validate(); err != nil {
		return fmt.Errorf("create run %s: %w: %w", r.ID, domain.ErrValidation, err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.runs[r.ID]; exists {
		return fmt.Errorf("create run %s: %w", r.ID, domain.ErrConflict)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ListRunsByAgent(_ context.Context, agentID string, limit int) ([]run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]run.Run, 0)
	for _, r := range s.runs {
		if r.AgentID == agentID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendRunLog(_ context.Context, runID string, e run.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("append run log %s: %w", runID, domain.ErrNotFound)
	}
	r.AddLog(e.Timestamp, e.Level, e.Message, e.Data)
	return nil
}

func (s *Store) FinishRun(_ context.Context, r *run.Run) error {
	if err := r.ValidateFinished(); err != nil {
		return fmt.Errorf("finish run %s: %w: %w", r.ID, domain.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("finish run %s: %w", r.ID, domain.ErrNotFound)
	}
	if stored.Status != run.StatusRunning {
		return fmt.Errorf("finish run %s: %w", r.ID, domain.ErrConflict)
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *Store) FailOrphanedRuns(_ context.Context, agentID string, at time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.runs {
		if r.AgentID == agentID && r.Status == run.StatusRunning {
			if err := r.Fail(at, reason); err == nil {
				n++
			}
		}
	}
	if a, ok := s.agents[agentID]; ok && n > 0 {
		a.Statistics.TotalRuns += int64(n)
		a.Statistics.FailedRuns += int64(n)
		a.Version++
		a.UpdatedAt = s.now()
	}
	return n, nil
}

func (s *Store) DeactivateAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("deactivate agent %s: %w", id, domain.ErrNotFound)
	}
	a.IsActive = false
	a.Version++
	a.UpdatedAt = s.now()
	return nil
}


// --- Scheduled agents ---

func (s *Store) CreateScheduledAgent(_ context.Context, sa *scheduled.ScheduledAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sa.ID == "" {
		sa.ID = uuid.NewString()
	}
	now := s.now()
	sa.CreatedAt = now
	sa.UpdatedAt = now
	c := *sa
	s.scheduled[sa.ID] = &c
	return nil
}

func (s *Store) GetScheduledAgent(_ context.Context, id string) (*scheduled.ScheduledAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.scheduled[id]
	if !ok {
		return nil, fmt.Errorf("get scheduled agent %s: %w", id, domain.ErrNotFound)
	}
	c := *sa
	return &c, nil
}

func (s *Store) ListScheduledAgents(_ context.Context, userID string) ([]scheduled.ScheduledAgent, error) {
	return s.listScheduled(func(sa *scheduled.ScheduledAgent) bool {
		return userID == "" || sa.UserID == userID
	}), nil
}

func (s *Store) ListActiveScheduledAgents(_ context.Context) ([]scheduled.ScheduledAgent, error) {
	return s.listScheduled(func(sa *scheduled.ScheduledAgent) bool { return sa.IsActive }), nil
}

func (s *Store) listScheduled(keep func(*scheduled.ScheduledAgent) bool) []scheduled.ScheduledAgent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]scheduled.ScheduledAgent, 0)
	for _, sa := range s.scheduled {
		if keep(sa) {
			out = append(out, *sa)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) SetScheduledAgentActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("set scheduled agent active %s: %w", id, domain.ErrNotFound)
	}
	sa.IsActive = active
	sa.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteScheduledAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scheduled[id]; !ok {
		return fmt.Errorf("delete scheduled agent %s: %w", id, domain.ErrNotFound)
	}
	delete(s.scheduled, id)
	for _, a := range s.agents {
		if a.ScheduledAgentID == id {
			a.ScheduledAgentID = ""
		}
	}
	return nil
}

func (s *Store) RecordScheduledExecution(_ context.Context, id string, at time.Time, res scheduled.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sa, ok := s.scheduled[id]
	if !ok {
		return fmt.Errorf("record scheduled execution %s: %w", id, domain.ErrNotFound)
	}
	sa.ExecutionCount++
	if res.Status == scheduled.OutcomeSuccess {
		sa.SuccessCount++
	} else {
		sa.FailureCount++
	}
	t := at
	sa.LastExecutedAt = &t
	r := res
	sa.LastResult = &r
	sa.UpdatedAt = s.now()
	return nil
}

// --- Content ---

func (s *Store) SaveItem(_ context.Context, item *content.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := item.DedupKey()
	if _, exists := s.items[key]; exists {
		return false, nil
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	c := *item
	s.items[key] = &c
	return true, nil
}

func (s *Store) ListItemsByAgent(_ context.Context, agentID string, limit int) ([]content.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]content.Item, 0)
	for _, it := range s.items {
		if it.AgentID == agentID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneAgent(a *agent.Agent) *agent.Agent {
	c := *a
	if a.LastRun != nil {
		t := *a.LastRun
		c.LastRun = &t
	}
	if a.NextRun != nil {
		t := *a.NextRun
		c.NextRun = &t
	}
	if a.Configuration.Parameters != nil {
		c.Configuration.Parameters = make(map[string]any, len(a.Configuration.Parameters))
		for k, v := range a.Configuration.Parameters {
			c.Configuration.Parameters[k] = v
		}
	}
	return &c
}
