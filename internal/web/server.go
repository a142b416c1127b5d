package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"shelly-go-home/internal/automation"
	"shelly-go-home/internal/device"
	"shelly-go-home/internal/probe"
)

// DeviceEndpointPath is where devices configured for an outbound websocket
// connect. It is exempt from API key checks since devices cannot send one.
const DeviceEndpointPath = "/api/shelly/ws"

// Device is the part of the device controller the API exposes.
type Device interface {
	State() device.State
	Connected() bool
	LastError() error
	Identity() (probe.Identity, error)
	Name() (string, error)
	Status() (map[string]any, error)
	Config() (map[string]any, error)
	Event() (map[string]any, error)
	Profiles() ([]string, error)
	Initialize(ctx context.Context) error
	SetProfile(ctx context.Context, name string) error
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Updates is the source of device updates, normally a *device.UpdateBus.
type Updates interface {
	OnAll(fn device.UpdateFunc) func()
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed origin patterns for CORS and /ws.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithDeviceEndpoint mounts h, normally an *rpc.WsServer, at DeviceEndpointPath.
func WithDeviceEndpoint(h http.Handler) ServerOption {
	return func(s *Server) {
		s.deviceEndpoint = h
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API for one device.
type Server struct {
	dev            Device
	hub            *Hub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	deviceEndpoint http.Handler
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubUpdates   func()
}

// NewServer creates the API server and starts its websocket hub.
func NewServer(dev Device, updates Updates, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		dev:    dev,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = NewHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.unsubUpdates = updates.OnAll(func(_ *device.Device, update device.UpdateType) {
		s.hub.Broadcast(s.snapshot(update))
	})

	s.routes()
	return s
}

// Stop detaches from updates, shuts down the hub and waits for it.
func (s *Server) Stop() {
	if s.unsubUpdates != nil {
		s.unsubUpdates()
	}
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/device", s.handleAPIDevice)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("GET /api/config", s.handleAPIConfig)
	s.mux.HandleFunc("POST /api/initialize", s.handleAPIInitialize)
	s.mux.HandleFunc("POST /api/rpc", s.handleAPIRPC)
	s.mux.HandleFunc("POST /api/profile", s.handleAPISetProfile)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	if s.deviceEndpoint != nil {
		s.mux.Handle("GET "+DeviceEndpointPath, s.deviceEndpoint)
	}
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin checks on mutating requests guard against CSRF.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != DeviceEndpointPath {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
