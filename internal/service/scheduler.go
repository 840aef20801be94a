package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/port/database"
)

// Scheduler polls the store for due agents and dispatches them to the engine.
type Scheduler struct {
	store  database.AgentStore
	engine *Engine
	cfg    config.Scheduler
	stuck  time.Duration
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a polling Scheduler.
func NewScheduler(store database.AgentStore, engine *Engine, cfg config.Scheduler, stuckThreshold time.Duration) *Scheduler {
	return &Scheduler{
		store:  store,
		engine: engine,
		cfg:    cfg,
		stuck:  stuckThreshold,
		now:    time.Now,
	}
}

// Start launches the tick loop. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		slog.Info("agent scheduler started", "tick", s.cfg.TickInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("scheduler tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("agent scheduler stopped")
}

// Tick dispatches every due agent once and returns how many runs started.
// Agents are dispatched concurrently; a busy agent is skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := cfotel.StartTickSpan(ctx)
	defer span.End()

	now := s.now()
	due, err := s.store.ListDueAgents(ctx, now, now.Add(-s.stuck))
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("agents.due", len(due)))
	if len(due) == 0 {
		return 0, nil
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
	)
	if s.cfg.MaxConcurrentDispatch > 0 {
		g.SetLimit(s.cfg.MaxConcurrentDispatch)
	}
	for i := range due {
		a := due[i]
		g.Go(func() error {
			_, err := s.engine.Dispatch(ctx, a.ID)
			switch {
			case err == nil:
				mu.Lock()
				started++
				mu.Unlock()
			case errors.Is(err, ErrAgentAlreadyRunning):
				slog.DebugContext(ctx, "agent busy, skipping", "agent_id", a.ID)
			default:
				slog.WarnContext(ctx, "scheduled dispatch failed", "agent_id", a.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("runs.started", started))
	slog.DebugContext(ctx, "scheduler tick", "due", len(due), "started", started)
	return started, nil
}
