package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/curator/internal/domain/run"
)

// LogAppender persists a single log entry onto a stored run.
type LogAppender interface {
	AppendRunLog(ctx context.Context, runID string, entry run.LogEntry) error
}

// RunHandle is the executor's view of an in-flight run. It is safe for
// concurrent use.
type RunHandle struct {
	mu       sync.Mutex
	run      *run.Run
	appender LogAppender
	now      func() time.Time
}

// NewRunHandle wraps r. appender may be nil, in which case logs are kept in
// memory only until the run is persisted at termination.
func NewRunHandle(r *run.Run, appender LogAppender) *RunHandle {
	return &RunHandle{run: r, appender: appender, now: time.Now}
}

// ID returns the run ID.
func (h *RunHandle) ID() string { return h.run.ID }

// AddLog appends a log entry and persists it through the appender. A
// persistence failure is logged and otherwise ignored.
func (h *RunHandle) AddLog(ctx context.Context, level run.Level, msg string, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.run.AddLog(h.now(), level, msg, data)
	if h.appender == nil {
		return
	}
	if err := h.appender.AppendRunLog(ctx, h.run.ID, entry); err != nil {
		slog.WarnContext(ctx, "append run log failed", "run_id", h.run.ID, "error", err)
	}
}

// Info is shorthand for AddLog at info level.
func (h *RunHandle) Info(ctx context.Context, msg string, data map[string]any) {
	h.AddLog(ctx, run.LevelInfo, msg, data)
}

// Warn is shorthand for AddLog at warn level.
func (h *RunHandle) Warn(ctx context.Context, msg string, data map[string]any) {
	h.AddLog(ctx, run.LevelWarn, msg, data)
}

// Error is shorthand for AddLog at error level.
func (h *RunHandle) Error(ctx context.Context, msg string, data map[string]any) {
	h.AddLog(ctx, run.LevelError, msg, data)
}

// AddItems increments the run's item counters.
func (h *RunHandle) AddItems(processed, added int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.run.ItemsProcessed += processed
	h.run.ItemsAdded += added
}

// SetResult records a key in the run's result map.
func (h *RunHandle) SetResult(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Results == nil {
		h.run.Results = make(map[string]any)
	}
	h.run.Results[key] = value
}

// Update applies fn to the underlying run while holding the handle lock.
func (h *RunHandle) Update(fn func(r *run.Run)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.run)
}

// Snapshot returns a copy of the run's current state.
func (h *RunHandle) Snapshot() *run.Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.Clone()
}
