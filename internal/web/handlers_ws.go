package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"shelly-go-home/internal/device"
)

// UpdateMessage is what /ws clients receive, once on connect (type
// "snapshot") and then for every device update.
type UpdateMessage struct {
	Type      string         `json:"type"`
	State     string         `json:"state"`
	Connected bool           `json:"connected"`
	Status    map[string]any `json:"status,omitempty"`
	Event     map[string]any `json:"event,omitempty"`
	Time      time.Time      `json:"time"`
}

// snapshot builds the message for update. Status rides along with
// snapshot, status and initialized messages; event only with event ones.
func (s *Server) snapshot(update device.UpdateType) UpdateMessage {
	msg := UpdateMessage{
		Type:      update.String(),
		State:     s.dev.State().String(),
		Connected: s.dev.Connected(),
		Time:      time.Now().UTC(),
	}
	switch update {
	case device.UpdateStatus, device.UpdateInitialized, device.UpdateUnknown:
		msg.Status, _ = s.dev.Status()
	case device.UpdateEvent:
		msg.Event, _ = s.dev.Event()
	}
	return msg
}

// Hub fans update messages out to websocket clients.
type Hub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan any

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	initial []byte // queued on registration, before any broadcast
}

// NewHub creates a hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan any, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			if client.initial != nil {
				client.send <- client.initial
			}
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("ws client evicted (too slow)")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down and closes every client. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues msg for every client without blocking.
func (h *Hub) Broadcast(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	hello := s.snapshot(device.UpdateUnknown)
	hello.Type = "snapshot"
	initial, err := json.Marshal(hello)
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64), initial: initial}
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(r.Context(), client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards client messages and returns when the client goes away
// or the hub stops.
func (s *Server) wsReadPump(parent context.Context, client *wsClient) {
	defer func() {
		select {
		case s.hub.unregister <- client:
		case <-s.hub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
