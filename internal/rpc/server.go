package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// WsServer accepts WebSocket connections opened by devices (outbound
// WebSocket feature) and routes each frame to the handler subscribed for the
// sending device. It implements Registry and http.Handler.
type WsServer struct {
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string]FrameHandler
	conns         map[*websocket.Conn]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWsServer creates a server with no subscriptions.
func NewWsServer(logger *slog.Logger) *WsServer {
	return &WsServer{
		logger:        logger.With("component", "ws_server"),
		subscriptions: make(map[string]FrameHandler),
		conns:         make(map[*websocket.Conn]struct{}),
		done:          make(chan struct{}),
	}
}

// Subscribe registers handler for frames from the device identified by id
// (MAC address or IP). Subscribing the same id again replaces the handler.
func (s *WsServer) Subscribe(id string, handler FrameHandler) func() {
	key := normalizeID(id)
	s.mu.Lock()
	s.subscriptions[key] = handler
	s.mu.Unlock()
	s.logger.Debug("subscribed", "id", key)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscriptions, key)
			s.mu.Unlock()
			s.logger.Debug("unsubscribed", "id", key)
		})
	}
}

// Stop closes every device connection. Safe to call multiple times.
func (s *WsServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// ServeHTTP upgrades the request and pumps frames until the device hangs up.
func (s *WsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutdown", http.StatusServiceUnavailable)
		return
	default:
	}

	// Devices send no Origin header; nhooyr only enforces origin when present.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ip := remoteIP(r.RemoteAddr)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.wg.Add(1)
	s.logger.Debug("device connected", "ip", ip, "total", total)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
		s.logger.Debug("device disconnected", "ip", ip)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.route(ip, data)
	}
}

func (s *WsServer) route(ip string, data []byte) {
	var hdr struct {
		Src string `json:"src"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		s.logger.Warn("invalid frame", "ip", ip, "err", err)
		return
	}

	s.mu.RLock()
	handler, ok := s.subscriptions[macFromSrc(hdr.Src)]
	if !ok {
		handler, ok = s.subscriptions[ip]
	}
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug("frame from unsubscribed device", "ip", ip, "src", hdr.Src)
		return
	}
	handler(data)
}

// macFromSrc extracts the MAC from a device src such as
// "shellyplus1pm-a8032ab12345" and returns it upper-cased.
func macFromSrc(src string) string {
	i := strings.LastIndexByte(src, '-')
	if i < 0 {
		return normalizeID(src)
	}
	return normalizeID(src[i+1:])
}

// normalizeID upper-cases MAC-like ids and strips separators; IPs pass
// through unchanged.
func normalizeID(id string) string {
	if net.ParseIP(id) != nil {
		return id
	}
	id = strings.ReplaceAll(id, ":", "")
	return strings.ToUpper(id)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
