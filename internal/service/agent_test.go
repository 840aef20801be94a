package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/curator/internal/adapter/memory"
	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/port/executor"
)

func newAgentService() (*AgentService, *memory.Store) {
	store := memory.NewStore()
	reg := executor.NewRegistry()
	reg.Register(string(agent.TypeCustom), executor.Func(func(context.Context, *executor.Context) error { return nil }))
	return NewAgentService(store, reg), store
}

func TestAgentServiceCreate(t *testing.T) {
	svc, _ := newAgentService()
	ctx := context.Background()

	a, err := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "  news  ", Type: agent.TypeCustom})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Name != "news" || a.Status != agent.StatusIdle || !a.IsActive {
		t.Fatalf("unexpected agent %+v", a)
	}
	if a.Configuration.Schedule != agent.DefaultSchedule {
		t.Errorf("expected default schedule, got %q", a.Configuration.Schedule)
	}

	if _, err := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "x", Type: "fax"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// types without an executor are accepted
	if _, err := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "r", Type: agent.TypeReddit}); err != nil {
		t.Fatalf("expected reddit agent to be created, got %v", err)
	}

	list, err := svc.List(ctx, "u1")
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 agents, got %d (%v)", len(list), err)
	}
}

func TestAgentServiceUpdate(t *testing.T) {
	svc, _ := newAgentService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "news", Type: agent.TypeCustom})

	name := "tech news"
	cfg := agent.Configuration{Schedule: "30 7 * * *", MaxItemsPerRun: 10}
	updated, err := svc.Update(ctx, a.ID, UpdateRequest{Name: &name, Configuration: &cfg, Version: a.Version})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "tech news" || updated.Configuration.MaxItemsPerRun != 10 {
		t.Fatalf("unexpected agent %+v", updated)
	}

	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Name: &name, Version: a.Version}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected stale version conflict, got %v", err)
	}

	empty := " "
	if _, err := svc.Update(ctx, a.ID, UpdateRequest{Name: &empty}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAgentServicePauseResume(t *testing.T) {
	svc, _ := newAgentService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, agent.CreateRequest{
		UserID: "u1", Name: "digest", Type: agent.TypeCustom,
		Configuration: agent.Configuration{Schedule: "0 */2 * * *"},
	})

	paused, err := svc.Pause(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.IsActive || paused.Status != agent.StatusPaused {
		t.Fatalf("expected paused, got %+v", paused)
	}

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	resumed, err := svc.Resume(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.IsActive || resumed.Status != agent.StatusIdle {
		t.Fatalf("expected active idle, got %+v", resumed)
	}
	if resumed.NextRun == nil || !resumed.NextRun.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("expected next run in 2h, got %v", resumed.NextRun)
	}
}

func TestAgentServicePauseRunning(t *testing.T) {
	svc, store := newAgentService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "busy", Type: agent.TypeCustom})
	if _, err := store.ClaimAgent(ctx, a.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Pause(ctx, a.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := svc.Delete(ctx, a.ID); !errors.Is(err, domain.ErrConflict) || !errors.Is(err, ErrAgentAlreadyRunning) {
		t.Fatalf("expected running conflict, got %v", err)
	}
}

func TestAgentServiceDelete(t *testing.T) {
	svc, _ := newAgentService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "gone", Type: agent.TypeCustom})

	if err := svc.Delete(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.Delete(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestAgentServiceListItems(t *testing.T) {
	svc, store := newAgentService()
	ctx := context.Background()
	a, _ := svc.Create(ctx, agent.CreateRequest{UserID: "u1", Name: "items", Type: agent.TypeCustom})

	for _, ext := range []string{"1", "2", "2"} {
		if _, err := store.SaveItem(ctx, &content.Item{UserID: "u1", AgentID: a.ID, Source: "custom", ExternalID: ext}); err != nil {
			t.Fatal(err)
		}
	}
	items, err := svc.ListItems(ctx, a.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 deduplicated items, got %d", len(items))
	}

	if _, err := svc.ListRuns(ctx, "missing", 10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
