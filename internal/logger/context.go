package logger

import (
	"context"
	"log/slog"
)

// contextKey is a private type to prevent collisions with other context keys.
type contextKey int

const (
	requestIDKey contextKey = iota
	agentIDKey
	runIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRun tags ctx with the agent and run being executed.
func WithRun(ctx context.Context, agentID, runID string) context.Context {
	ctx = context.WithValue(ctx, agentIDKey, agentID)
	return context.WithValue(ctx, runIDKey, runID)
}

// ContextHandler adds request_id, agent_id and run_id attributes taken from
// the record's context.
type ContextHandler struct {
	inner slog.Handler
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle appends context attributes and delegates.
func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if ctx != nil {
		if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
			rec.AddAttrs(slog.String("request_id", id))
		}
		if id, ok := ctx.Value(agentIDKey).(string); ok && id != "" {
			rec.AddAttrs(slog.String("agent_id", id))
		}
		if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
			rec.AddAttrs(slog.String("run_id", id))
		}
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs wraps the inner handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup wraps the inner handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
