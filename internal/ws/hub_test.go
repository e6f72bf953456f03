package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scootfleet/internal/domain"
)

func dialTestHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(hub)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	// give the hub a moment to process the registration
	time.Sleep(50 * time.Millisecond)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	hub.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	go hub.Run()
	defer hub.Close()

	conn, cleanup := dialTestHub(t, hub)
	defer cleanup()

	hub.Publish(domain.EventScooterUpdated, map[string]any{"id": "s-1", "status": "livre"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != domain.EventScooterUpdated {
		t.Fatalf("expected scooter:updated, got %s", msg.Type)
	}
	if msg.Timestamp != "2025-06-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %s", msg.Timestamp)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok || payload["id"] != "s-1" {
		t.Fatalf("unexpected payload %v", msg.Payload)
	}
}

func TestHubMultipleClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	first, cleanupA := dialTestHub(t, hub)
	defer cleanupA()
	second, cleanupB := dialTestHub(t, hub)
	defer cleanupB()

	hub.Publish(domain.EventTripCreated, map[string]any{"id": "t-1"})

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != domain.EventTripCreated {
			t.Fatalf("expected trip:created, got %s", msg.Type)
		}
	}
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Close()

	conn, cleanup := dialTestHub(t, hub)
	conn.Close()
	defer cleanup()

	// broadcasting after a disconnect must not panic or block
	hub.Publish(domain.EventScooterDeleted, map[string]string{"id": "s-1"})
	time.Sleep(50 * time.Millisecond)
}
