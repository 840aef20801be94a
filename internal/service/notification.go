package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/notifier"
)

var _ broadcast.Broadcaster = (*NotificationService)(nil)

// NotificationService turns run lifecycle events into chat notifications and
// dispatches them to all registered notifiers.
type NotificationService struct {
	notifiers     []notifier.Notifier
	enabledEvents map[string]bool
}

// NewNotificationService creates a NotificationService with the given notifiers
// and list of enabled event types (e.g., "run.completed", "run.failed").
// If enabledEvents is nil or empty, all events are enabled.
func NewNotificationService(notifiers []notifier.Notifier, enabledEvents []string) *NotificationService {
	enabled := make(map[string]bool, len(enabledEvents))
	for _, e := range enabledEvents {
		enabled[e] = true
	}
	return &NotificationService{
		notifiers:     notifiers,
		enabledEvents: enabled,
	}
}

// BroadcastEvent implements broadcast.Broadcaster. Events without a
// notification rendering are ignored.
func (s *NotificationService) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	n, ok := render(eventType, payload)
	if !ok {
		return
	}
	s.Notify(ctx, n)
}

// Notify sends a notification to all registered notifiers.
// Errors are logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	if len(s.enabledEvents) > 0 && !s.enabledEvents[n.Source] {
		return
	}

	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.WarnContext(ctx, "notification send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.DebugContext(ctx, "notification sent", "provider", provider.Name(), "title", n.Title)
	}
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}

func render(eventType string, payload any) (notifier.Notification, bool) {
	switch p := payload.(type) {
	case broadcast.RunEvent:
		n := notifier.Notification{UserID: p.UserID, Source: eventType}
		switch eventType {
		case broadcast.EventRunStarted:
			n.Level = "info"
			n.Title = fmt.Sprintf("%s started", p.AgentName)
			n.Message = fmt.Sprintf("Agent %s (%s) is running.", p.AgentName, p.AgentType)
		case broadcast.EventRunCompleted:
			n.Level = "success"
			n.Title = fmt.Sprintf("%s finished", p.AgentName)
			n.Message = fmt.Sprintf("Processed %d items, added %d in %.1fs.", p.ItemsProcessed, p.ItemsAdded, float64(p.DurationMs)/1000)
		case broadcast.EventRunFailed:
			n.Level = "error"
			n.Title = fmt.Sprintf("%s failed", p.AgentName)
			n.Message = p.Error
		case broadcast.EventRunCancelled:
			n.Level = "warning"
			n.Title = fmt.Sprintf("%s cancelled", p.AgentName)
			n.Message = "The run was cancelled."
		default:
			return notifier.Notification{}, false
		}
		return n, true
	case broadcast.ScheduledEvent:
		level := "success"
		if p.Status != "success" {
			level = "error"
		}
		return notifier.Notification{
			UserID:  p.UserID,
			Title:   "Scheduled agent " + p.Status,
			Message: p.Message,
			Level:   level,
			Source:  eventType,
		}, true
	default:
		return notifier.Notification{}, false
	}
}
