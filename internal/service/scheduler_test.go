package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/port/executor"
)

func newTestScheduler(f *engineFixture, tick time.Duration) *Scheduler {
	return NewScheduler(f.store, f.engine, config.Scheduler{
		Enabled:      true,
		TickInterval: tick,
	}, 10*time.Minute)
}

func TestTickDispatchesDueAgents(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	var calls atomic.Int32
	f.registry.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error {
		calls.Add(1)
		return nil
	}))

	due1 := f.createAgent(t, agent.TypeCustom)
	due2 := f.createAgent(t, agent.TypeCustom)

	paused := f.createAgent(t, agent.TypeCustom)
	if err := f.store.PauseAgent(ctx, paused.ID); err != nil {
		t.Fatal(err)
	}
	errored := f.createAgent(t, agent.TypeCustom)
	if err := f.store.FinishAgentRun(ctx, errored.ID, agent.RunOutcome{Status: agent.StatusError, ErrorMessage: "boom"}); err != nil {
		t.Fatal(err)
	}
	later := f.createAgent(t, agent.TypeCustom)
	if err := f.store.ResumeAgent(ctx, later.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	req := agent.CreateRequest{UserID: "u1", Name: "cron driven", Type: agent.TypeCustom, ScheduledAgentID: "sa-1"}
	_ = req.Validate()
	if _, err := f.store.CreateAgent(ctx, req); err != nil {
		t.Fatal(err)
	}

	sched := newTestScheduler(f, time.Minute)
	started, err := sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if started != 2 {
		t.Fatalf("expected 2 runs started, got %d", started)
	}

	shutdown, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.engine.Shutdown(shutdown); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 executions, got %d", calls.Load())
	}
	for _, id := range []string{due1.ID, due2.ID} {
		if got := f.agent(t, id); got.NextRun == nil || got.Statistics.SuccessfulRuns != 1 {
			t.Errorf("agent %s not run: %+v", id, got.Statistics)
		}
	}
}

func TestTickSkipsAgentsScheduledInFuture(t *testing.T) {
	f := newEngineFixture(t)
	f.registry.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error { return nil }))
	a := f.createAgent(t, agent.TypeCustom)

	sched := newTestScheduler(f, time.Minute)
	if n, _ := sched.Tick(context.Background()); n != 1 {
		t.Fatalf("expected first tick to start 1 run, got %d", n)
	}
	waitForAgentIdle(t, f, a.ID)

	// nextRun is now ~6h ahead
	if n, _ := sched.Tick(context.Background()); n != 0 {
		t.Fatalf("expected no runs on second tick, got %d", n)
	}
}

func TestTickRecoversStuckAgent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.registry.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error { return nil }))
	a := f.createAgent(t, agent.TypeCustom)
	if _, err := f.store.ClaimAgent(ctx, a.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	sched := newTestScheduler(f, time.Minute)
	if n, _ := sched.Tick(ctx); n != 1 {
		t.Fatalf("expected stuck agent to be dispatched, got %d", n)
	}
}

func TestTickSkipsBusyAgent(t *testing.T) {
	f := newEngineFixture(t)
	release := make(chan struct{})
	f.registry.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error {
		<-release
		return nil
	}))
	a := f.createAgent(t, agent.TypeCustom)
	if _, err := f.engine.Dispatch(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	defer close(release)

	sched := newTestScheduler(f, time.Minute)
	n, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected busy agent skipped, got %d", n)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	f := newEngineFixture(t)
	var calls atomic.Int32
	f.registry.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error {
		calls.Add(1)
		return nil
	}))
	f.createAgent(t, agent.TypeCustom)

	sched := newTestScheduler(f, 10*time.Millisecond)
	sched.Start(context.Background())
	sched.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()
	sched.Stop()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls.Load())
	}
}

func waitForAgentIdle(t *testing.T, f *engineFixture, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := f.agent(t, id); a.Status != agent.StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent %s still running", id)
}
