package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/domain/scheduled"
	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/database"
)

var errRunWaitTimeout = errors.New("run did not finish in time")

// ScheduledAgentService owns the cron registry of scheduled agents. Each fire
// materializes the backing agent, dispatches it and records the outcome.
type ScheduledAgentService struct {
	store   database.Store
	engine  *Engine
	hub     broadcast.Broadcaster
	metrics *cfotel.Metrics
	cfg     config.Scheduler
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID // scheduled agent ID -> cron entry
	baseCtx context.Context
	started bool
}

// NewScheduledAgentService creates the service. Jobs only fire after Start.
func NewScheduledAgentService(store database.Store, engine *Engine, hub broadcast.Broadcaster, cfg config.Scheduler) *ScheduledAgentService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	log := cronLogger{}
	return &ScheduledAgentService{
		store:  store,
		engine: engine,
		hub:    hub,
		cfg:    cfg,
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
		baseCtx: context.Background(),
	}
}

// SetMetrics enables OpenTelemetry fire metrics.
func (s *ScheduledAgentService) SetMetrics(m *cfotel.Metrics) {
	s.metrics = m
}

// Start registers every active scheduled agent and starts the cron loop.
// Persisted definitions whose schedule no longer parses are logged and
// skipped.
func (s *ScheduledAgentService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx = context.WithoutCancel(ctx)
	s.started = true
	s.mu.Unlock()

	active, err := s.store.ListActiveScheduledAgents(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled agents: %w", err)
	}
	registered := 0
	for i := range active {
		if err := s.Register(&active[i]); err != nil {
			slog.Warn("skipping scheduled agent with invalid schedule", "scheduled_agent_id", active[i].ID, "error", err)
			continue
		}
		registered++
	}

	s.cron.Start()
	slog.Info("scheduled agents started", "registered", registered, "skipped", len(active)-registered)
	return nil
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *ScheduledAgentService) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		slog.Warn("scheduled agent jobs still running at shutdown")
	}
}

// Create validates and persists a scheduled agent and registers it when
// active. Invalid cron expressions are rejected here rather than at fire time.
func (s *ScheduledAgentService) Create(ctx context.Context, sa *scheduled.ScheduledAgent) (*scheduled.ScheduledAgent, error) {
	if err := sa.Validate(); err != nil {
		return nil, err
	}
	if sa.Target.Configuration.Schedule == "" {
		sa.Target.Configuration.Schedule = agent.DefaultSchedule
	}
	if err := s.store.CreateScheduledAgent(ctx, sa); err != nil {
		return nil, fmt.Errorf("create scheduled agent: %w", err)
	}
	if sa.IsActive {
		if err := s.Register(sa); err != nil {
			return nil, err
		}
	}
	slog.InfoContext(ctx, "scheduled agent created", "scheduled_agent_id", sa.ID, "type", sa.Schedule.Type, "active", sa.IsActive)
	return sa, nil
}

// Get returns a scheduled agent.
func (s *ScheduledAgentService) Get(ctx context.Context, id string) (*scheduled.ScheduledAgent, error) {
	return s.store.GetScheduledAgent(ctx, id)
}

// List returns the scheduled agents of a user.
func (s *ScheduledAgentService) List(ctx context.Context, userID string) ([]scheduled.ScheduledAgent, error) {
	return s.store.ListScheduledAgents(ctx, userID)
}

// Activate marks the scheduled agent active and registers it.
func (s *ScheduledAgentService) Activate(ctx context.Context, id string) (*scheduled.ScheduledAgent, error) {
	if err := s.store.SetScheduledAgentActive(ctx, id, true); err != nil {
		return nil, err
	}
	sa, err := s.store.GetScheduledAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Register(sa); err != nil {
		return nil, err
	}
	return sa, nil
}

// Deactivate marks the scheduled agent inactive and releases its cron entry.
func (s *ScheduledAgentService) Deactivate(ctx context.Context, id string) (*scheduled.ScheduledAgent, error) {
	if err := s.store.SetScheduledAgentActive(ctx, id, false); err != nil {
		return nil, err
	}
	s.Unregister(id)
	return s.store.GetScheduledAgent(ctx, id)
}

// Delete unregisters and removes the scheduled agent together with its
// materialized agent. A materialized agent that is mid-run is deactivated
// here and removed by the engine once its run ends.
func (s *ScheduledAgentService) Delete(ctx context.Context, id string) error {
	s.Unregister(id)
	// Look the agent up first: the store may detach it once the job is gone.
	a, findErr := s.store.FindAgentByScheduledID(ctx, id)
	if findErr != nil && !errors.Is(findErr, domain.ErrNotFound) {
		return fmt.Errorf("find materialized agent: %w", findErr)
	}
	if findErr == nil {
		if err := s.store.DeactivateAgent(ctx, a.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("deactivate materialized agent: %w", err)
		}
	}
	if err := s.store.DeleteScheduledAgent(ctx, id); err != nil {
		return err
	}

	switch {
	case findErr != nil:
		return nil
	case a.Status == agent.StatusRunning:
		slog.InfoContext(ctx, "materialized agent is running, removing it after the run", "agent_id", a.ID, "scheduled_agent_id", id)
		return nil
	}
	if err := s.store.DeleteAgent(ctx, a.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete materialized agent: %w", err)
	}
	return nil
}

// RunNow fires the scheduled agent immediately, regardless of its active
// flag, and returns the recorded result.
func (s *ScheduledAgentService) RunNow(ctx context.Context, id string) (*scheduled.Result, error) {
	sa, err := s.store.GetScheduledAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	res := s.fire(ctx, sa)
	return &res, nil
}

// Register binds the scheduled agent to a cron entry, replacing any previous
// entry for the same ID.
func (s *ScheduledAgentService) Register(sa *scheduled.ScheduledAgent) error {
	sched, err := sa.Schedule.Parse()
	if err != nil {
		return err
	}

	id := sa.ID
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[id]; ok {
		s.cron.Remove(prev)
	}
	s.entries[id] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fireByID(id)
	}))
	return nil
}

// Unregister removes the cron entry of a scheduled agent. It reports whether
// an entry existed; calling it for an unknown ID is a no-op.
func (s *ScheduledAgentService) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(entry)
	delete(s.entries, id)
	return true
}

// Registered reports whether the scheduled agent holds a cron entry.
func (s *ScheduledAgentService) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// NextFire returns the next activation time of a registered scheduled agent.
// The zero time is returned before Start.
func (s *ScheduledAgentService) NextFire(id string) (time.Time, bool) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(entry).Next, true
}

func (s *ScheduledAgentService) fireByID(id string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	sa, err := s.store.GetScheduledAgent(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.Unregister(id)
		}
		slog.WarnContext(ctx, "scheduled agent fire skipped", "scheduled_agent_id", id, "error", err)
		return
	}
	if !sa.IsActive {
		s.Unregister(id)
		return
	}
	s.fire(ctx, sa)
}

func (s *ScheduledAgentService) fire(ctx context.Context, sa *scheduled.ScheduledAgent) scheduled.Result {
	ctx, span := cfotel.StartScheduledSpan(ctx, sa.ID, string(sa.Target.Type))
	defer span.End()

	start := s.now()
	res := s.execute(ctx, sa)
	end := s.now()
	res.DurationMs = end.Sub(start).Milliseconds()

	if err := s.store.RecordScheduledExecution(ctx, sa.ID, end, res); err != nil {
		slog.ErrorContext(ctx, "record scheduled execution", "scheduled_agent_id", sa.ID, "error", err)
	}
	if res.Status != scheduled.OutcomeSuccess {
		span.SetStatus(codes.Error, res.Message)
	}

	s.hub.BroadcastEvent(ctx, broadcast.EventScheduledExecuted, broadcast.ScheduledEvent{
		ScheduledAgentID: sa.ID,
		UserID:           sa.UserID,
		RunID:            res.RunID,
		Status:           res.Status,
		Message:          res.Message,
		DurationMs:       res.DurationMs,
	})
	if s.metrics != nil {
		s.metrics.ScheduledFires.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.type", string(sa.Target.Type)),
			attribute.String("status", res.Status),
		))
	}

	slog.InfoContext(ctx, "scheduled agent executed",
		"scheduled_agent_id", sa.ID,
		"status", res.Status,
		"run_id", res.RunID,
		"duration_ms", res.DurationMs,
	)
	return res
}

func (s *ScheduledAgentService) execute(ctx context.Context, sa *scheduled.ScheduledAgent) scheduled.Result {
	a, err := s.materialize(ctx, sa)
	if err != nil {
		return scheduled.Result{Status: scheduled.OutcomeFailure, Message: err.Error()}
	}

	started, err := s.engine.Dispatch(ctx, a.ID)
	if err != nil {
		return scheduled.Result{Status: scheduled.OutcomeFailure, Message: err.Error()}
	}

	final, err := s.waitForRun(ctx, started.ID)
	switch {
	case errors.Is(err, errRunWaitTimeout):
		// The run keeps going; only the wait is abandoned.
		return scheduled.Result{
			Status:  scheduled.OutcomeTimeout,
			RunID:   started.ID,
			Message: fmt.Sprintf("run did not finish within %s", s.cfg.RunWaitTimeout),
		}
	case err != nil:
		return scheduled.Result{Status: scheduled.OutcomeFailure, RunID: started.ID, Message: err.Error()}
	}

	if final.Status == run.StatusCompleted {
		return scheduled.Result{
			Status:  scheduled.OutcomeSuccess,
			RunID:   final.ID,
			Message: fmt.Sprintf("%d items processed, %d added", final.ItemsProcessed, final.ItemsAdded),
		}
	}
	msg := string(final.Status)
	if n := len(final.Errors); n > 0 {
		msg = final.Errors[n-1]
	}
	return scheduled.Result{Status: scheduled.OutcomeFailure, RunID: final.ID, Message: msg}
}

// materialize finds or creates the agent backing a scheduled agent and keeps
// its configuration in sync with the definition.
func (s *ScheduledAgentService) materialize(ctx context.Context, sa *scheduled.ScheduledAgent) (*agent.Agent, error) {
	a, err := s.store.FindAgentByScheduledID(ctx, sa.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find materialized agent: %w", err)
	}

	if a != nil && a.Type != sa.Target.Type {
		if a.Status == agent.StatusRunning {
			return nil, fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, a.ID)
		}
		if err := s.store.DeleteAgent(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("replace materialized agent: %w", err)
		}
		a = nil
	}

	if a == nil {
		req := agent.CreateRequest{
			UserID:           sa.UserID,
			Name:             sa.AgentName(),
			Description:      "Materialized by scheduled agent " + sa.ID,
			Type:             sa.Target.Type,
			Configuration:    sa.Target.Configuration,
			ScheduledAgentID: sa.ID,
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		created, err := s.store.CreateAgent(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("materialize agent: %w", err)
		}
		slog.InfoContext(ctx, "materialized agent created", "agent_id", created.ID, "scheduled_agent_id", sa.ID)
		return created, nil
	}

	want := sa.Target.Configuration
	if want.Schedule == "" {
		want.Schedule = a.Configuration.Schedule
	}
	if a.Name != sa.AgentName() || !reflect.DeepEqual(a.Configuration, want) {
		a.Name = sa.AgentName()
		a.Configuration = want
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			slog.WarnContext(ctx, "sync materialized agent", "agent_id", a.ID, "error", err)
		}
	}
	return a, nil
}

func (s *ScheduledAgentService) waitForRun(ctx context.Context, runID string) (*run.Run, error) {
	timeout := time.NewTimer(s.cfg.RunWaitTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(s.cfg.RunPollInterval)
	defer poll.Stop()

	for {
		r, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if r.Status.IsTerminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			return nil, errRunWaitTimeout
		case <-poll.C:
		}
	}
}

// cronLogger routes robfig/cron logs to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
