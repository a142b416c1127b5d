package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/rpc"
)

// deviceView is the /api/device response. Identity fields are empty until
// the device has been probed.
type deviceView struct {
	State       string   `json:"state"`
	Connected   bool     `json:"connected"`
	LastError   string   `json:"last_error,omitempty"`
	ID          string   `json:"id,omitempty"`
	MAC         string   `json:"mac,omitempty"`
	Model       string   `json:"model,omitempty"`
	Gen         int      `json:"gen,omitempty"`
	Firmware    string   `json:"firmware,omitempty"`
	Version     string   `json:"version,omitempty"`
	Name        string   `json:"name,omitempty"`
	AuthEnabled *bool    `json:"auth_enabled,omitempty"`
	Profile     *string  `json:"profile,omitempty"`
	Profiles    []string `json:"profiles,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
	Code  int    `json:"code,omitempty"`
}

// writeDeviceError maps a device error onto an HTTP status by its class.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error) {
	class := device.Classify(err)
	resp := apiError{Error: err.Error(), Class: class.String()}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, device.ErrAlreadyInitializing):
		status = http.StatusConflict
	case errors.Is(err, device.ErrNotSupported):
		status = http.StatusBadRequest
	case class == device.ClassNotReady:
		status = http.StatusServiceUnavailable
	case class == device.ClassDevice:
		status = http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrProfileSwitchTimeout):
		status = http.StatusGatewayTimeout
	}
	var ce *rpc.CallError
	if errors.As(err, &ce) {
		resp.Code = ce.Code
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, r *http.Request) {
	v := deviceView{
		State:     s.dev.State().String(),
		Connected: s.dev.Connected(),
	}
	if err := s.dev.LastError(); err != nil {
		v.LastError = err.Error()
	}
	if id, err := s.dev.Identity(); err == nil {
		v.ID = id.ID
		v.MAC = id.MAC
		v.Model = id.Model
		v.Gen = id.Gen
		v.Firmware = id.FirmwareID
		v.Version = id.Version
		v.AuthEnabled = id.AuthEnabled
		v.Profile = id.Profile
		v.Name, _ = s.dev.Name()
	}
	if profiles, err := s.dev.Profiles(); err == nil {
		v.Profiles = profiles
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.dev.Status()
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.dev.Config()
	if err != nil {
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, config)
}

func (s *Server) handleAPIInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.dev.Initialize(r.Context()); err != nil {
		s.logger.Warn("initialize via api", "err", err)
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.dev.State().String()})
}

type rpcRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleAPIRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body"})
		return
	}
	if req.Method == "" {
		s.writeJSON(w, http.StatusBadRequest, apiError{Error: "method is required"})
		return
	}

	result, err := s.dev.Call(r.Context(), req.Method, req.Params)
	if err != nil {
		s.logger.Warn("rpc via api", "method", req.Method, "err", err)
		s.writeDeviceError(w, err)
		return
	}
	if result == nil {
		result = map[string]any{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type setProfileRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPISetProfile(w http.ResponseWriter, r *http.Request) {
	var req setProfileRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, apiError{Error: "name is required"})
		return
	}

	if err := s.dev.SetProfile(r.Context(), req.Name); err != nil {
		s.logger.Warn("set profile via api", "profile", req.Name, "err", err)
		s.writeDeviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "profile": req.Name})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
