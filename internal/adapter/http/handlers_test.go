package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/curator/internal/adapter/chromem"
	cfhttp "github.com/Strob0t/curator/internal/adapter/http"
	"github.com/Strob0t/curator/internal/adapter/memory"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/service"
)

type fakeSearch struct {
	where map[string]string
}

func (f *fakeSearch) Search(_ context.Context, query string, topK int, where map[string]string) ([]chromem.SearchResult, error) {
	f.where = where
	return []chromem.SearchResult{{ID: "item-1", Content: query, Similarity: 0.9}}, nil
}

type testServer struct {
	router   http.Handler
	registry *executor.Registry
	engine   *service.Engine
	handlers *cfhttp.Handlers
}

func newTestServer(t *testing.T, srvCfg config.Server) *testServer {
	t.Helper()
	store := memory.NewStore()
	registry := executor.NewRegistry()
	engine := service.NewEngine(store, registry, broadcast.Nop{}, config.Engine{StuckThreshold: 10 * time.Minute})
	scheduled := service.NewScheduledAgentService(store, engine, broadcast.Nop{}, config.Scheduler{
		RunPollInterval: 5 * time.Millisecond,
		RunWaitTimeout:  time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		scheduled.Stop(ctx)
		_ = engine.Shutdown(ctx)
	})

	h := &cfhttp.Handlers{
		Agents:    service.NewAgentService(store, registry),
		Engine:    engine,
		Scheduled: scheduled,
		Registry:  registry,
	}
	return &testServer{
		router:   cfhttp.NewRouter(srvCfg, h, nil),
		registry: registry,
		engine:   engine,
		handlers: h,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createAgent(t *testing.T, typ agent.Type) agent.Agent {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "watcher", "type": typ})
	if w.Code != http.StatusCreated {
		t.Fatalf("create agent: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var a agent.Agent
	if err := json.NewDecoder(w.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	return a
}

type errorBody struct {
	Error     string   `json:"error"`
	Available []string `json:"available"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

type executeBody struct {
	Run   run.Run `json:"run"`
	Error string  `json:"error"`
}

func TestCreateAndGetAgent(t *testing.T) {
	s := newTestServer(t, config.Server{})
	a := s.createAgent(t, agent.TypeCustom)
	if a.UserID != "u1" || a.Status != agent.StatusIdle || a.Configuration.Schedule != agent.DefaultSchedule {
		t.Fatalf("unexpected agent %+v", a)
	}

	w := s.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/agents", nil)
	var list []agent.Agent
	_ = json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestCreateAgentRequiresUser(t *testing.T) {
	s := newTestServer(t, config.Server{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(`{"name":"x","type":"custom"}`))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	s := newTestServer(t, config.Server{})
	w := s.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "x", "type": "myspace"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if e := decodeError(t, w); !strings.Contains(e.Error, "unknown agent type") || strings.HasPrefix(e.Error, "validation failed") {
		t.Fatalf("unexpected message %q", e.Error)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := newTestServer(t, config.Server{})
	w := s.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/agents/missing/execute", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("execute: expected 404, got %d", w.Code)
	}
}

func TestExecuteWithoutExecutor(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("twitter", executor.Func(func(context.Context, *executor.Context) error { return nil }))
	a := s.createAgent(t, agent.TypeReddit)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if e := decodeError(t, w); len(e.Available) != 1 || e.Available[0] != "twitter" {
		t.Fatalf("expected available types, got %+v", e)
	}
}

func TestExecuteSuccess(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(_ context.Context, ec *executor.Context) error {
		ec.Run.AddItems(3, 2)
		return nil
	}))
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body executeBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Run.Status != run.StatusCompleted || body.Run.ItemsAdded != 2 {
		t.Fatalf("unexpected run %+v", body.Run)
	}

	w = s.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/runs", nil)
	var runs []run.Run
	_ = json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
}

func TestExecutePermanentFailureReturnsRun(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error {
		return errors.New("feed is malformed")
	}))
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body executeBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Run.Status != run.StatusFailed || body.Error != "feed is malformed" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestExecuteTransientFailure(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error {
		return executor.ErrServiceUnavailable
	}))
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestExecuteAlreadyRunning(t *testing.T) {
	s := newTestServer(t, config.Server{})
	release := make(chan struct{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error {
		<-release
		return nil
	}))
	defer close(release)
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute?wait=false", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var body executeBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Run.Status != run.StatusRunning {
		t.Fatalf("expected running run, got %s", body.Run.Status)
	}

	w = s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	w = s.do(t, http.MethodDelete, "/api/v1/agents/"+a.ID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("delete running agent: expected 409, got %d", w.Code)
	}
}

func TestExecutePausedAgent(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error { return nil }))
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Fatal("inactive agent should not advertise Retry-After")
	}

	w = s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/resume", nil)
	var resumed agent.Agent
	_ = json.NewDecoder(w.Body).Decode(&resumed)
	if !resumed.IsActive || resumed.NextRun == nil {
		t.Fatalf("unexpected resumed agent %+v", resumed)
	}
}

func TestCancelRunNotInFlight(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error { return nil }))
	a := s.createAgent(t, agent.TypeCustom)

	w := s.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/execute", nil)
	var body executeBody
	_ = json.NewDecoder(w.Body).Decode(&body)

	w = s.do(t, http.MethodPost, "/api/v1/runs/"+body.Run.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/runs/missing/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestScheduledAgentLifecycle(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error { return nil }))

	w := s.do(t, http.MethodPost, "/api/v1/scheduled-agents", map[string]any{
		"name":      "morning digest",
		"schedule":  map[string]any{"type": "cron", "expression": "not cron"},
		"target":    map[string]any{"type": "custom"},
		"is_active": true,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid cron: expected 400, got %d", w.Code)
	}

	w = s.do(t, http.MethodPost, "/api/v1/scheduled-agents", map[string]any{
		"name":      "morning digest",
		"schedule":  map[string]any{"type": "cron", "expression": "0 8 * * *"},
		"target":    map[string]any{"type": "custom"},
		"is_active": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(w.Body).Decode(&created)

	w = s.do(t, http.MethodPost, "/api/v1/scheduled-agents/"+created.ID+"/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run now: expected 200, got %d", w.Code)
	}
	var res struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(w.Body).Decode(&res)
	if res.Status != "success" {
		t.Fatalf("expected success, got %q", res.Status)
	}

	w = s.do(t, http.MethodDelete, "/api/v1/scheduled-agents/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/v1/scheduled-agents/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestSearch(t *testing.T) {
	s := newTestServer(t, config.Server{})
	w := s.do(t, http.MethodGet, "/api/v1/search?q=go", nil)
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without index, got %d", w.Code)
	}

	search := &fakeSearch{}
	s.handlers.Search = search
	w = s.do(t, http.MethodGet, "/api/v1/search", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without query, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/v1/search?q=generics&top_k=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if search.where["user_id"] != "u1" {
		t.Fatalf("expected search scoped to user, got %v", search.where)
	}
}

func TestAgentTypes(t *testing.T) {
	s := newTestServer(t, config.Server{})
	s.registry.Register("twitter", executor.Func(func(context.Context, *executor.Context) error { return nil }))
	s.registry.Register("custom", executor.Func(func(context.Context, *executor.Context) error { return nil }))

	w := s.do(t, http.MethodGet, "/api/v1/agent-types", nil)
	var body map[string][]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if strings.Join(body["types"], ",") != "custom,twitter" {
		t.Fatalf("unexpected types %v", body)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	s := newTestServer(t, config.Server{RateLimitPerMinute: 1, RateLimitBurst: 1})
	if w := s.do(t, http.MethodGet, "/api/v1/agents", nil); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := s.do(t, http.MethodGet, "/api/v1/agents", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health is not rate limited, got %d", w.Code)
	}
}
