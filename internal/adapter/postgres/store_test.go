//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Strob0t/curator/internal/adapter/postgres"
	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/domain/scheduled"
)

var testDSN string

func TestMain(m *testing.M) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		testDSN = dsn
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "curator",
				"POSTGRES_PASSWORD": "curator",
				"POSTGRES_DB":       "curator",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		os.Exit(1)
	}
	testDSN = fmt.Sprintf("postgres://curator:curator@%s:%s/curator?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// setupStore runs all migrations and returns a ready-to-use Store.
// The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, testDSN); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func createAgent(t *testing.T, store *postgres.Store, userID string) *agent.Agent {
	t.Helper()
	req := agent.CreateRequest{UserID: userID, Name: "feed", Type: agent.TypeCustom}
	if err := req.Validate(); err != nil {
		t.Fatal(err)
	}
	a, err := store.CreateAgent(context.Background(), req)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func testUser() string { return "user-" + uuid.NewString()[:8] }

func TestMigrationVersion(t *testing.T) {
	setupStore(t)
	v, err := postgres.MigrationVersion(context.Background(), testDSN)
	if err != nil {
		t.Fatal(err)
	}
	if v < 1 {
		t.Fatalf("expected version >= 1, got %d", v)
	}
}

func TestAgentCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := testUser()

	a := createAgent(t, store, user)
	if a.Status != agent.StatusIdle || !a.IsActive || a.Version != 1 {
		t.Fatalf("unexpected new agent %+v", a)
	}
	if a.Configuration.Schedule != agent.DefaultSchedule {
		t.Fatalf("expected default schedule, got %q", a.Configuration.Schedule)
	}

	a.Name = "renamed"
	if err := store.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale := *a
	stale.Version = 1
	if err := store.UpdateAgent(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	list, err := store.ListAgents(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "renamed" {
		t.Fatalf("unexpected list %+v", list)
	}

	if err := store.DeleteAgent(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetAgent(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimAgentIsExclusive(t *testing.T) {
	store := setupStore(t)
	a := createAgent(t, store, testUser())

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimAgent(context.Background(), a.ID, time.Now())
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}
	if _, err := store.ClaimAgent(context.Background(), uuid.NewString(), time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown agent, got %v", err)
	}
}

func TestResetStuckAgentAndOrphans(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())

	claimedAt := time.Now().Add(-time.Hour)
	if ok, err := store.ClaimAgent(ctx, a.ID, claimedAt); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	r := run.New(uuid.NewString(), a.ID, a.UserID, claimedAt)
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.ResetStuckAgent(ctx, a.ID, claimedAt.Add(-time.Minute)); ok {
		t.Fatal("reset must not apply before the cutoff")
	}
	ok, err := store.ResetStuckAgent(ctx, a.ID, time.Now().Add(-10*time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected reset, got %v %v", ok, err)
	}
	n, err := store.FailOrphanedRuns(ctx, a.ID, time.Now(), "agent reset after being stuck")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 orphan failed, got %d %v", n, err)
	}

	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusFailed || got.EndTime == nil || len(got.Errors) != 1 {
		t.Fatalf("unexpected orphan %+v", got)
	}
	after, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	stats := after.Statistics
	if stats.TotalRuns != 1 || stats.FailedRuns != 1 {
		t.Fatalf("orphaned run must be counted as failed, got %+v", stats)
	}
	if err := r.Complete(time.Now(), nil); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, r); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("late finish should conflict, got %v", err)
	}
}

func TestDeactivateRunningAgent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())
	if ok, err := store.ClaimAgent(ctx, a.ID, time.Now()); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	if err := store.DeactivateAgent(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive || got.Status != agent.StatusRunning {
		t.Fatalf("expected inactive agent still running, got active=%v status=%s", got.IsActive, got.Status)
	}
	if err := store.ReleaseAgent(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.ClaimAgent(ctx, a.ID, time.Now()); ok {
		t.Fatal("inactive agent must not be claimable")
	}
	if err := store.DeactivateAgent(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinishAgentRunIncrementsStatistics(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())

	next := time.Now().Add(6 * time.Hour).Truncate(time.Microsecond)
	outcomes := []agent.RunOutcome{
		{Succeeded: true, Status: agent.StatusIdle, ItemsProcessed: 5, ItemsAdded: 3, NextRun: &next},
		{Status: agent.StatusError, ErrorMessage: "boom", ItemsProcessed: 1},
	}
	for _, o := range outcomes {
		if err := store.FinishAgentRun(ctx, a.ID, o); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := agent.Statistics{TotalRuns: 2, SuccessfulRuns: 1, FailedRuns: 1, ItemsProcessed: 6, ItemsAdded: 3}
	if got.Statistics != want {
		t.Fatalf("statistics = %+v, want %+v", got.Statistics, want)
	}
	if got.Status != agent.StatusError || got.ErrorMessage != "boom" {
		t.Fatalf("unexpected status %s %q", got.Status, got.ErrorMessage)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Fatalf("next run should be kept when outcome has none, got %v", got.NextRun)
	}
}

func TestPauseResume(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())

	if ok, _ := store.ClaimAgent(ctx, a.ID, time.Now()); !ok {
		t.Fatal("claim failed")
	}
	if err := store.PauseAgent(ctx, a.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("pausing a running agent should conflict, got %v", err)
	}
	if err := store.ReleaseAgent(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.PauseAgent(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.ClaimAgent(ctx, a.ID, time.Now()); ok {
		t.Fatal("paused agent must not be claimable")
	}
	if err := store.ResumeAgent(ctx, a.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetAgent(ctx, a.ID)
	if !got.IsActive || got.Status != agent.StatusIdle || got.NextRun == nil {
		t.Fatalf("unexpected resumed agent %+v", got)
	}
}

func TestListDueAgents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := testUser()
	now := time.Now()

	due := createAgent(t, store, user)
	future := createAgent(t, store, user)
	if err := store.ResumeAgent(ctx, future.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	paused := createAgent(t, store, user)
	if err := store.PauseAgent(ctx, paused.ID); err != nil {
		t.Fatal(err)
	}
	busy := createAgent(t, store, user)
	if ok, _ := store.ClaimAgent(ctx, busy.ID, now); !ok {
		t.Fatal("claim failed")
	}
	stuck := createAgent(t, store, user)
	if ok, _ := store.ClaimAgent(ctx, stuck.ID, now.Add(-time.Hour)); !ok {
		t.Fatal("claim failed")
	}

	list, err := store.ListDueAgents(ctx, now, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, a := range list {
		if a.UserID == user {
			ids[a.ID] = true
		}
	}
	if len(ids) != 2 || !ids[due.ID] || !ids[stuck.ID] {
		t.Fatalf("expected due and stuck agents, got %v", ids)
	}
}

func TestRunLogsAppend(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())

	r := run.New(uuid.NewString(), a.ID, a.UserID, time.Now())
	if err := store.CreateRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		e := r.AddLog(time.Now(), run.LevelInfo, fmt.Sprintf("step %d", i), nil)
		if err := store.AppendRunLog(ctx, r.ID, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Complete(time.Now(), map[string]any{"fetched": 3}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusCompleted || len(got.Logs) != 3 || got.Logs[2].Message != "step 2" {
		t.Fatalf("unexpected run %+v", got)
	}
	runs, err := store.ListRunsByAgent(ctx, a.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d %v", len(runs), err)
	}
	if err := store.AppendRunLog(ctx, uuid.NewString(), run.LogEntry{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScheduledAgentLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	user := testUser()

	sa := &scheduled.ScheduledAgent{
		UserID:   user,
		Name:     "digest",
		Schedule: scheduled.Schedule{Type: scheduled.ScheduleCron, Expression: "0 8 * * *", Timezone: "Europe/Berlin"},
		Target:   scheduled.Target{Type: agent.TypeNews},
		IsActive: true,
	}
	if err := store.CreateScheduledAgent(ctx, sa); err != nil {
		t.Fatal(err)
	}
	if sa.ID == "" || sa.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", sa)
	}

	for _, status := range []string{scheduled.OutcomeSuccess, scheduled.OutcomeTimeout} {
		res := scheduled.Result{Status: status, DurationMs: 12}
		if err := store.RecordScheduledExecution(ctx, sa.ID, time.Now(), res); err != nil {
			t.Fatal(err)
		}
	}
	got, err := store.GetScheduledAgent(ctx, sa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}
	if got.LastResult == nil || got.LastResult.Status != scheduled.OutcomeTimeout || got.Schedule.Timezone != "Europe/Berlin" {
		t.Fatalf("unexpected record %+v", got)
	}

	req := agent.CreateRequest{UserID: user, Name: sa.AgentName(), Type: agent.TypeNews, ScheduledAgentID: sa.ID}
	_ = req.Validate()
	materialized, err := store.CreateAgent(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	found, err := store.FindAgentByScheduledID(ctx, sa.ID)
	if err != nil || found.ID != materialized.ID {
		t.Fatalf("expected materialized agent, got %v %v", found, err)
	}

	if err := store.SetScheduledAgentActive(ctx, sa.ID, false); err != nil {
		t.Fatal(err)
	}
	active, _ := store.ListActiveScheduledAgents(ctx)
	for _, a := range active {
		if a.ID == sa.ID {
			t.Fatal("deactivated job listed as active")
		}
	}
	if err := store.DeleteScheduledAgent(ctx, sa.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteScheduledAgent(ctx, sa.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveItemDeduplicates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, testUser())

	item := func() *content.Item {
		return &content.Item{
			UserID:      a.UserID,
			AgentID:     a.ID,
			Source:      "twitter",
			ExternalID:  "1234",
			Title:       "hello",
			Tags:        []string{"go"},
			ContentHash: content.Hash("hello", ""),
		}
	}
	added, err := store.SaveItem(ctx, item())
	if err != nil || !added {
		t.Fatalf("first save: %v %v", added, err)
	}
	added, err = store.SaveItem(ctx, item())
	if err != nil || added {
		t.Fatalf("duplicate save should be skipped: %v %v", added, err)
	}

	items, err := store.ListItemsByAgent(ctx, a.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Tags[0] != "go" {
		t.Fatalf("unexpected items %+v", items)
	}
}
