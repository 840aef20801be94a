package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/config"
)

// NewRouter builds the HTTP handler: middleware, /health, the optional /ws
// stream and the /api/v1 routes, wrapped in otelhttp tracing.
func NewRouter(cfg config.Server, h *Handlers, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	if cfg.CORSOrigin != "" {
		r.Use(CORS(cfg.CORSOrigin))
	}

	r.Get("/health", h.Health)
	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(NewRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst).Handler)
		MountRoutes(r, h)
	})

	return cfotel.HTTPMiddleware("curator.http")(r)
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agent-types", h.ListAgentTypes)

		// Agents
		r.Get("/agents", h.ListAgents)
		r.Post("/agents", h.CreateAgent)
		r.Get("/agents/{id}", h.GetAgent)
		r.Put("/agents/{id}", h.UpdateAgent)
		r.Delete("/agents/{id}", h.DeleteAgent)
		r.Post("/agents/{id}/execute", h.ExecuteAgent)
		r.Post("/agents/{id}/pause", h.PauseAgent)
		r.Post("/agents/{id}/resume", h.ResumeAgent)
		r.Get("/agents/{id}/runs", h.ListAgentRuns)
		r.Get("/agents/{id}/items", h.ListAgentItems)

		// Runs
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)

		// Scheduled agents
		r.Get("/scheduled-agents", h.ListScheduled)
		r.Post("/scheduled-agents", h.CreateScheduled)
		r.Get("/scheduled-agents/{id}", h.GetScheduled)
		r.Delete("/scheduled-agents/{id}", h.DeleteScheduled)
		r.Post("/scheduled-agents/{id}/activate", h.ActivateScheduled)
		r.Post("/scheduled-agents/{id}/deactivate", h.DeactivateScheduled)
		r.Post("/scheduled-agents/{id}/run", h.RunScheduled)

		// Similarity search
		r.Get("/search", h.SearchItems)
	})
}
