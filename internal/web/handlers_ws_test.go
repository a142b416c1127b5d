package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"shelly-go-home/internal/device"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := newTestHub(t)

	client := &wsClient{send: make(chan []byte, 16), initial: []byte(`{"type":"snapshot"}`)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}
	if msg := <-client.send; string(msg) != `{"type":"snapshot"}` {
		t.Errorf("initial message = %s", msg)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)
	if n := clientCount(hub); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub := newTestHub(t)

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(UpdateMessage{Type: "status"})
	time.Sleep(10 * time.Millisecond)

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			if !strings.Contains(string(msg), `"type":"status"`) {
				t.Errorf("client %d got %s", i, msg)
			}
		default:
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestHubSlowClientEviction(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestHubBroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(testLogger()) // not running, so nothing drains the queue
	for i := 0; i < 256; i++ {
		hub.Broadcast(i)
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestHubStop(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestSnapshot(t *testing.T) {
	dev := initializedDevice()
	dev.event = map[string]any{"events": []any{map[string]any{"event": "single_push"}}}
	srv, _ := setupTestServer(t, dev)

	msg := srv.snapshot(device.UpdateStatus)
	if msg.Type != "status" || msg.State != "initialized" || !msg.Connected || msg.Status == nil || msg.Event != nil {
		t.Errorf("status message = %+v", msg)
	}
	msg = srv.snapshot(device.UpdateEvent)
	if msg.Event == nil || msg.Status != nil {
		t.Errorf("event message = %+v", msg)
	}
	msg = srv.snapshot(device.UpdateDisconnected)
	if msg.Type != "disconnected" || msg.Status != nil || msg.Event != nil {
		t.Errorf("disconnected message = %+v", msg)
	}
}

func TestWebSocketStream(t *testing.T) {
	dev := initializedDevice()
	srv, updates := setupTestServer(t, dev)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() UpdateMessage {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var msg UpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	if hello := read(); hello.Type != "snapshot" || hello.Status["switch:0"] == nil {
		t.Fatalf("hello = %+v", hello)
	}

	// The client is registered once the snapshot arrived.
	updates.emit(device.UpdateStatus)
	if msg := read(); msg.Type != "status" {
		t.Errorf("update = %+v", msg)
	}
}
