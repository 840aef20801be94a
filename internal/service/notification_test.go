package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/notifier"
)

var _ notifier.Notifier = (*mockNotifier)(nil)

// mockNotifier implements notifier.Notifier for testing.
type mockNotifier struct {
	name    string
	sent    []notifier.Notification
	sendErr error
}

func (m *mockNotifier) Name() string { return m.name }
func (m *mockNotifier) Send(_ context.Context, n notifier.Notification) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, n)
	return nil
}

func TestNotificationService_Notify(t *testing.T) {
	m1 := &mockNotifier{name: "mock1"}
	m2 := &mockNotifier{name: "mock2"}
	svc := NewNotificationService([]notifier.Notifier{m1, m2}, nil)

	svc.Notify(context.Background(), notifier.Notification{
		Title:   "Test",
		Message: "Hello",
		Level:   "info",
		Source:  "run.completed",
	})

	if len(m1.sent) != 1 {
		t.Fatalf("expected 1 notification on mock1, got %d", len(m1.sent))
	}
	if len(m2.sent) != 1 {
		t.Fatalf("expected 1 notification on mock2, got %d", len(m2.sent))
	}
}

func TestNotificationService_FilterEvents(t *testing.T) {
	m := &mockNotifier{name: "mock"}
	svc := NewNotificationService([]notifier.Notifier{m}, []string{"run.failed"})

	svc.BroadcastEvent(context.Background(), broadcast.EventRunCompleted, broadcast.RunEvent{AgentName: "news"})
	if len(m.sent) != 0 {
		t.Fatalf("expected 0 notifications (filtered), got %d", len(m.sent))
	}

	svc.BroadcastEvent(context.Background(), broadcast.EventRunFailed, broadcast.RunEvent{
		AgentName: "news",
		UserID:    "u1",
		Error:     "Service temporarily unavailable",
	})
	if len(m.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(m.sent))
	}
	got := m.sent[0]
	if got.Level != "error" || got.Title != "news failed" || got.Message != "Service temporarily unavailable" || got.UserID != "u1" {
		t.Fatalf("unexpected notification %+v", got)
	}
}

func TestNotificationService_ErrorContinues(t *testing.T) {
	failer := &mockNotifier{name: "fail", sendErr: errors.New("connection refused")}
	success := &mockNotifier{name: "ok"}
	svc := NewNotificationService([]notifier.Notifier{failer, success}, nil)

	svc.BroadcastEvent(context.Background(), broadcast.EventRunCompleted, broadcast.RunEvent{
		AgentName:      "digest",
		ItemsProcessed: 5,
		ItemsAdded:     2,
		DurationMs:     1500,
	})

	if len(success.sent) != 1 {
		t.Fatalf("expected 1 notification on success notifier, got %d", len(success.sent))
	}
	if msg := success.sent[0].Message; msg != "Processed 5 items, added 2 in 1.5s." {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestNotificationService_IgnoresUnknownPayloads(t *testing.T) {
	m := &mockNotifier{name: "mock"}
	svc := NewNotificationService([]notifier.Notifier{m}, nil)

	svc.BroadcastEvent(context.Background(), "custom.event", map[string]string{"a": "b"})
	svc.BroadcastEvent(context.Background(), "run.retried", broadcast.RunEvent{})
	if len(m.sent) != 0 {
		t.Fatalf("expected nothing sent, got %d", len(m.sent))
	}

	svc.BroadcastEvent(context.Background(), broadcast.EventScheduledExecuted, broadcast.ScheduledEvent{Status: "timeout", Message: "run did not finish within 5m0s"})
	if len(m.sent) != 1 || m.sent[0].Level != "error" {
		t.Fatalf("expected scheduled failure notification, got %+v", m.sent)
	}
}

func TestNotificationService_NotifierCount(t *testing.T) {
	svc := NewNotificationService([]notifier.Notifier{&mockNotifier{name: "a"}, &mockNotifier{name: "b"}}, nil)
	if svc.NotifierCount() != 2 {
		t.Fatalf("expected 2 notifiers, got %d", svc.NotifierCount())
	}
}
