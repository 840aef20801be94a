package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/curator/internal/port/broadcast"
)

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}

	// Broadcast with no connections should not panic.
	hub.BroadcastEvent(context.Background(), broadcast.EventRunCompleted, broadcast.RunEvent{RunID: "r1"})
}

func TestHubBroadcastEventMarshalError(t *testing.T) {
	hub := NewHub()

	// A channel cannot be marshaled to JSON; should log error, not panic.
	hub.BroadcastEvent(context.Background(), "bad", make(chan int))
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.remove(&conn{cancel: cancel, userID: "u1"})
}

func TestEventUser(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{broadcast.RunEvent{UserID: "u1"}, "u1"},
		{&broadcast.RunEvent{UserID: "u2"}, "u2"},
		{broadcast.ScheduledEvent{UserID: "u3"}, "u3"},
		{map[string]string{"user_id": "ignored"}, ""},
	}
	for _, tt := range tests {
		if got := eventUser(tt.payload); got != tt.want {
			t.Errorf("eventUser(%T) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func websocketMux(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWS)
	return mux
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, got %d", n, hub.ConnectionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubScopesEventsByUser(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(websocketMux(hub))
	defer srv.Close()
	defer hub.Close()

	alice := dial(t, srv, "?user_id=alice")
	bob := dial(t, srv, "?user_id=bob")
	waitForConnections(t, hub, 2)

	hub.BroadcastEvent(context.Background(), broadcast.EventRunCompleted, broadcast.RunEvent{RunID: "r1", UserID: "alice"})
	hub.BroadcastEvent(context.Background(), broadcast.EventRunFailed, broadcast.RunEvent{RunID: "r2", UserID: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := alice.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != broadcast.EventRunCompleted || !strings.Contains(string(msg.Payload), `"r1"`) {
		t.Fatalf("alice got unexpected message %s", data)
	}

	_, data, err = bob.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != broadcast.EventRunFailed {
		t.Fatalf("bob got unexpected message %s", data)
	}
}
