package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Strob0t/curator/internal/adapter/chromem"
	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/domain/run"
	"github.com/Strob0t/curator/internal/domain/scheduled"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/service"
)

const defaultBodyLimit = 1 << 20

// ItemSearcher answers similarity queries over collected items.
type ItemSearcher interface {
	Search(ctx context.Context, query string, topK int, where map[string]string) ([]chromem.SearchResult, error)
}

// Handlers holds the HTTP handler dependencies. Search is optional.
type Handlers struct {
	Agents    *service.AgentService
	Engine    *service.Engine
	Scheduled *service.ScheduledAgentService
	Registry  *executor.Registry
	Search    ItemSearcher
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit <= 0 {
		return defaultBodyLimit
	}
	return h.BodyLimit
}

// --- Agents ---

// ListAgents handles GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// CreateAgent handles POST /api/v1/agents
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[agent.CreateRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	req.UserID = uid
	a, err := h.Agents.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// UpdateAgent handles PUT /api/v1/agents/{id}
func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.UpdateRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	a, err := h.Agents.Update(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseAgent handles POST /api/v1/agents/{id}/pause
func (h *Handlers) PauseAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Pause(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ResumeAgent handles POST /api/v1/agents/{id}/resume
func (h *Handlers) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Resume(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type executeResponse struct {
	Run   *run.Run `json:"run"`
	Error string   `json:"error,omitempty"`
}

// ExecuteAgent handles POST /api/v1/agents/{id}/execute. With ?wait=false the
// run is dispatched and 202 returned immediately; otherwise the request
// blocks until the run is terminal. A failed run is still a 200 response
// carrying the run, except transient failures which map to 503.
func (h *Handlers) ExecuteAgent(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if r.URL.Query().Get("wait") == "false" {
		rn, err := h.Engine.Dispatch(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, executeResponse{Run: rn})
		return
	}

	rn, err := h.Engine.ExecuteAgent(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, executeResponse{Run: rn})
	case rn == nil:
		writeDomainError(w, r, err)
	case service.IsTransient(err):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, executeResponse{Run: rn, Error: service.TransientErrorMessage})
	default:
		writeJSON(w, http.StatusOK, executeResponse{Run: rn, Error: err.Error()})
	}
}

// ListAgentRuns handles GET /api/v1/agents/{id}/runs
func (h *Handlers) ListAgentRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Agents.ListRuns(r.Context(), urlParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if runs == nil {
		runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ListAgentItems handles GET /api/v1/agents/{id}/items
func (h *Handlers) ListAgentItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Agents.ListItems(r.Context(), urlParam(r, "id"), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []content.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ListAgentTypes handles GET /api/v1/agent-types
func (h *Handlers) ListAgentTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"types": h.Registry.Types()})
}

// --- Runs ---

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := h.Agents.GetRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- Scheduled agents ---

// ListScheduled handles GET /api/v1/scheduled-agents
func (h *Handlers) ListScheduled(w http.ResponseWriter, r *http.Request) {
	list, err := h.Scheduled.List(r.Context(), userID(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []scheduled.ScheduledAgent{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateScheduled handles POST /api/v1/scheduled-agents
func (h *Handlers) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	sa, ok := readJSON[scheduled.ScheduledAgent](w, r, h.bodyLimit())
	if !ok {
		return
	}
	sa.ID = ""
	sa.UserID = uid
	created, err := h.Scheduled.Create(r.Context(), &sa)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetScheduled handles GET /api/v1/scheduled-agents/{id}
func (h *Handlers) GetScheduled(w http.ResponseWriter, r *http.Request) {
	sa, err := h.Scheduled.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

// DeleteScheduled handles DELETE /api/v1/scheduled-agents/{id}
func (h *Handlers) DeleteScheduled(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduled.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActivateScheduled handles POST /api/v1/scheduled-agents/{id}/activate
func (h *Handlers) ActivateScheduled(w http.ResponseWriter, r *http.Request) {
	sa, err := h.Scheduled.Activate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

// DeactivateScheduled handles POST /api/v1/scheduled-agents/{id}/deactivate
func (h *Handlers) DeactivateScheduled(w http.ResponseWriter, r *http.Request) {
	sa, err := h.Scheduled.Deactivate(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sa)
}

// RunScheduled handles POST /api/v1/scheduled-agents/{id}/run
func (h *Handlers) RunScheduled(w http.ResponseWriter, r *http.Request) {
	res, err := h.Scheduled.RunNow(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Search ---

// SearchItems handles GET /api/v1/search?q=...&top_k=...
func (h *Handlers) SearchItems(w http.ResponseWriter, r *http.Request) {
	if h.Search == nil {
		writeError(w, http.StatusNotImplemented, "similarity search is not enabled")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeDomainError(w, r, fmt.Errorf("%w: q is required", domain.ErrValidation))
		return
	}
	var where map[string]string
	if uid := userID(r); uid != "" {
		where = map[string]string{"user_id": uid}
	}
	results, err := h.Search.Search(r.Context(), q, queryInt(r, "top_k", 5), where)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": h.Engine.InFlight(),
	})
}
