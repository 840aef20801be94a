package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/logger"
	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/database"
	"github.com/Strob0t/curator/internal/port/executor"
)

const (
	reasonStuck     = "run abandoned: agent exceeded stuck threshold"
	reasonCancelled = "run cancelled"
)

// Engine executes agents. It enforces at most one in-flight run per agent
// through the store's conditional claim and owns the goroutines of every run
// it starts.
type Engine struct {
	store    database.Store
	registry *executor.Registry
	hub      broadcast.Broadcaster
	metrics  *cfotel.Metrics
	cfg      config.Engine
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	inflight map[string]*inflightRun
	closing  bool
	wg       sync.WaitGroup
}

type inflightRun struct {
	agentID         string
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}

	// set before done is closed
	final *run.Run
	err   error
}

// NewEngine creates an Engine. A zero RunTimeout falls back to the stuck
// threshold so the engine gives up on a run before others consider it stuck.
func NewEngine(store database.Store, registry *executor.Registry, hub broadcast.Broadcaster, cfg config.Engine) *Engine {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = cfg.StuckThreshold
	}
	return &Engine{
		store:    store,
		registry: registry,
		hub:      hub,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]*inflightRun),
	}
}

// SetMetrics enables OpenTelemetry run metrics.
func (e *Engine) SetMetrics(m *cfotel.Metrics) {
	e.metrics = m
}

// ExecuteAgent runs the agent and blocks until the run is terminal. On
// executor failure both the failed run and the executor's error are returned.
// The run itself is detached from ctx: if ctx ends first, ctx.Err() is
// returned and the run keeps going in the background.
func (e *Engine) ExecuteAgent(ctx context.Context, agentID string) (*run.Run, error) {
	ir, _, err := e.start(ctx, agentID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ir.done:
		return ir.final, ir.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch starts the agent and returns the running run without waiting.
func (e *Engine) Dispatch(ctx context.Context, agentID string) (*run.Run, error) {
	_, r, err := e.start(ctx, agentID)
	return r, err
}

// Cancel requests cancellation of a run executing in this process.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	ir, ok := e.inflight[runID]
	e.mu.Unlock()

	if !ok {
		if _, err := e.store.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrRunNotInFlight
	}
	ir.cancelRequested.Store(true)
	ir.cancel()
	return nil
}

// InFlight returns the number of runs currently executing in this process.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Shutdown stops accepting new runs and waits for in-flight runs. When ctx
// expires first the remaining runs are cancelled and ctx.Err() is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, ir := range e.inflight {
			ir.cancelRequested.Store(true)
			ir.cancel()
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (e *Engine) start(ctx context.Context, agentID string) (*inflightRun, *run.Run, error) {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil, nil, ErrEngineShuttingDown
	}
	e.wg.Add(1)
	e.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			e.wg.Done()
		}
	}()

	a, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if !a.IsActive {
		return nil, nil, &AgentInactiveError{AgentID: a.ID, Status: a.Status}
	}

	now := e.now()
	if a.IsStuck(now, e.cfg.StuckThreshold) {
		if err := e.recoverStuck(ctx, a, now); err != nil {
			return nil, nil, err
		}
		if a, err = e.loadAgent(ctx, agentID); err != nil {
			return nil, nil, err
		}
	}
	if a.Status == agent.StatusRunning {
		return nil, nil, fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, a.ID)
	}

	exec, ok := e.registry.Get(string(a.Type))
	if !ok {
		return nil, nil, &NoExecutorError{Type: a.Type, Available: e.registry.Types()}
	}

	claimed, err := e.store.ClaimAgent(ctx, a.ID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("claim agent %s: %w", a.ID, err)
	}
	if !claimed {
		return nil, nil, fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, a.ID)
	}
	a.Status = agent.StatusRunning
	a.ErrorMessage = ""
	a.LastRun = &now

	r := run.New(e.newID(), a.ID, a.UserID, now)
	r.AddLog(now, run.LevelInfo, "run started", map[string]any{"agent_type": string(a.Type)})
	if err := e.store.CreateRun(ctx, r); err != nil {
		if relErr := e.store.ReleaseAgent(context.WithoutCancel(ctx), a.ID); relErr != nil {
			slog.ErrorContext(ctx, "release agent after failed run create", "agent_id", a.ID, "error", relErr)
		}
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	snapshot := r.Clone()

	e.hub.BroadcastEvent(ctx, broadcast.EventRunStarted, runEvent(a, snapshot, ""))
	if e.metrics != nil {
		e.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", string(a.Type))))
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RunTimeout)
	ir := &inflightRun{agentID: a.ID, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.inflight[r.ID] = ir
	e.mu.Unlock()

	launched = true
	go e.execute(runCtx, ir, a, exec, executor.NewRunHandle(r, e.store))

	slog.InfoContext(ctx, "run started", "agent_id", a.ID, "run_id", r.ID, "agent_type", a.Type)
	return ir, snapshot, nil
}

func (e *Engine) loadAgent(ctx context.Context, agentID string) (*agent.Agent, error) {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return a, nil
}

// recoverStuck resets a crashed agent back to idle and fails the runs it
// left behind. A lost reset race is not an error: the caller reloads. When
// the orphaned runs cannot be failed the new run is refused, since starting
// it would leave two running runs for the agent.
func (e *Engine) recoverStuck(ctx context.Context, a *agent.Agent, now time.Time) error {
	reset, err := e.store.ResetStuckAgent(ctx, a.ID, now.Add(-e.cfg.StuckThreshold))
	if err != nil {
		slog.ErrorContext(ctx, "reset stuck agent", "agent_id", a.ID, "error", err)
		return nil
	}
	if !reset {
		return nil
	}

	slog.WarnContext(ctx, "stuck agent reset to idle", "agent_id", a.ID, "last_run", a.LastRun, "threshold", e.cfg.StuckThreshold)
	if e.metrics != nil {
		e.metrics.StuckRecoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", string(a.Type))))
	}

	n, err := e.store.FailOrphanedRuns(ctx, a.ID, now, reasonStuck)
	if err != nil {
		return fmt.Errorf("fail orphaned runs of agent %s: %w", a.ID, err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "orphaned runs failed", "agent_id", a.ID, "count", n)
	}

	// The stored runs are terminal now; finish leaves the agent alone.
	e.mu.Lock()
	for _, ir := range e.inflight {
		if ir.agentID == a.ID {
			ir.cancelRequested.Store(true)
			ir.cancel()
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) execute(ctx context.Context, ir *inflightRun, a *agent.Agent, exec executor.Executor, h *executor.RunHandle) {
	defer e.wg.Done()
	defer ir.cancel()

	ctx = logger.WithRun(ctx, a.ID, h.ID())
	ctx, span := cfotel.StartRunSpan(ctx, h.ID(), a.ID, string(a.Type))
	defer span.End()

	err := invoke(ctx, exec, &executor.Context{Agent: a, Run: h, UserID: a.UserID})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("run exceeded timeout of %s: %w", e.cfg.RunTimeout, err)
	}

	final := e.finish(context.WithoutCancel(ctx), ir, a, h, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	e.mu.Lock()
	delete(e.inflight, h.ID())
	e.mu.Unlock()

	ir.final, ir.err = final, err
	close(ir.done)
}

func invoke(ctx context.Context, exec executor.Executor, ec *executor.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return exec.Execute(ctx, ec)
}

// finish persists the outcome of a run: agent first, then the run, then the
// notification.
func (e *Engine) finish(ctx context.Context, ir *inflightRun, a *agent.Agent, h *executor.RunHandle, execErr error) *run.Run {
	now := e.now()
	snap := h.Snapshot()

	// A stuck recovery elsewhere may already have failed this run and
	// handed the agent to a newer one.
	if stored, err := e.store.GetRun(ctx, snap.ID); err == nil && stored.Status.IsTerminal() {
		slog.WarnContext(ctx, "run terminated externally, leaving agent untouched", "status", stored.Status)
		return stored
	}

	outcome := agent.RunOutcome{
		Status:         agent.StatusIdle,
		ItemsProcessed: snap.ItemsProcessed,
		ItemsAdded:     snap.ItemsAdded,
	}
	var eventType string
	switch {
	case execErr == nil:
		outcome.Succeeded = true
		next := agent.CalculateNextRun(a.Configuration.Schedule, now)
		outcome.NextRun = &next
		eventType = broadcast.EventRunCompleted
	case ir.cancelRequested.Load():
		next := agent.CalculateNextRun(a.Configuration.Schedule, now)
		outcome.NextRun = &next
		eventType = broadcast.EventRunCancelled
	case IsTransient(execErr):
		outcome.ErrorMessage = TransientErrorMessage
		eventType = broadcast.EventRunFailed
	default:
		outcome.Status = agent.StatusError
		outcome.ErrorMessage = execErr.Error()
		eventType = broadcast.EventRunFailed
	}

	if err := e.store.FinishAgentRun(ctx, a.ID, outcome); err != nil {
		slog.ErrorContext(ctx, "persist agent outcome", "error", err)
	}

	var termErr error
	h.Update(func(r *run.Run) {
		switch eventType {
		case broadcast.EventRunCompleted:
			r.AddLog(now, run.LevelInfo, "run completed", map[string]any{
				"items_processed": r.ItemsProcessed,
				"items_added":     r.ItemsAdded,
			})
			termErr = r.Complete(now, nil)
		case broadcast.EventRunCancelled:
			r.AddLog(now, run.LevelWarn, reasonCancelled, nil)
			termErr = r.Cancel(now, reasonCancelled)
		default:
			r.AddLog(now, run.LevelError, "run failed", map[string]any{"error": execErr.Error()})
			termErr = r.Fail(now, execErr.Error())
		}
	})
	if termErr != nil {
		slog.WarnContext(ctx, "terminate run", "error", termErr)
	}

	final := h.Snapshot()
	if err := e.store.FinishRun(ctx, final); err != nil {
		slog.ErrorContext(ctx, "persist run outcome", "error", err)
	}

	msg := ""
	if execErr != nil {
		msg = outcome.ErrorMessage
		if msg == "" {
			msg = execErr.Error()
		}
	}
	e.hub.BroadcastEvent(ctx, eventType, runEvent(a, final, msg))
	e.recordMetrics(ctx, a, final)

	slog.InfoContext(ctx, "run finished",
		"status", final.Status,
		"duration_ms", final.Duration,
		"items_processed", final.ItemsProcessed,
		"items_added", final.ItemsAdded,
	)
	e.removeIfDetached(ctx, a)
	return final
}

// removeIfDetached deletes a materialized agent whose scheduled agent was
// deleted while it was running.
func (e *Engine) removeIfDetached(ctx context.Context, a *agent.Agent) {
	if a.ScheduledAgentID == "" {
		return
	}
	_, err := e.store.GetScheduledAgent(ctx, a.ScheduledAgentID)
	if !errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err := e.store.DeleteAgent(ctx, a.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		slog.ErrorContext(ctx, "delete detached agent", "scheduled_agent_id", a.ScheduledAgentID, "error", err)
		return
	}
	slog.InfoContext(ctx, "detached agent removed", "scheduled_agent_id", a.ScheduledAgentID)
}

func (e *Engine) recordMetrics(ctx context.Context, a *agent.Agent, r *run.Run) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.type", string(a.Type)),
		attribute.String("status", string(r.Status)),
	)
	switch r.Status {
	case run.StatusCompleted:
		e.metrics.RunsCompleted.Add(ctx, 1, attrs)
	case run.StatusCancelled:
		e.metrics.RunsCancelled.Add(ctx, 1, attrs)
	default:
		e.metrics.RunsFailed.Add(ctx, 1, attrs)
	}
	e.metrics.RunDuration.Record(ctx, float64(r.Duration)/1000, attrs)
	if r.ItemsAdded > 0 {
		e.metrics.ItemsAdded.Add(ctx, int64(r.ItemsAdded), metric.WithAttributes(attribute.String("agent.type", string(a.Type))))
	}
}

func runEvent(a *agent.Agent, r *run.Run, errMsg string) broadcast.RunEvent {
	return broadcast.RunEvent{
		RunID:          r.ID,
		AgentID:        a.ID,
		UserID:         a.UserID,
		AgentName:      a.Name,
		AgentType:      string(a.Type),
		Status:         string(r.Status),
		ItemsProcessed: r.ItemsProcessed,
		ItemsAdded:     r.ItemsAdded,
		DurationMs:     r.Duration,
		Error:          errMsg,
	}
}
