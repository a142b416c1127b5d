// Package rpc implements the Gen2 JSON-RPC channel to a device: an outbound
// WebSocket client (WsRPC) and a server that accepts device-initiated
// WebSocket connections and routes their frames to registered handlers.
package rpc

import (
	"context"
	"errors"
	"fmt"
)

// Notification methods pushed by the device.
const (
	NotifyFullStatus = "NotifyFullStatus"
	NotifyStatus     = "NotifyStatus"
	NotifyEvent      = "NotifyEvent"

	// NotifyWebSocketClosed is emitted locally (never by the device) when the
	// transport connection goes away. Its Params are always nil.
	NotifyWebSocketClosed = "NotifyWebSocketClosed"
)

// APIPath is the path devices dial when outbound WebSocket is enabled.
const APIPath = "/api/shelly/ws"

// Error codes returned by the device in RPC error frames.
const (
	CodeUnauthorized = 401
)

var (
	// ErrInvalidAuth is returned when credentials are missing or rejected.
	ErrInvalidAuth = errors.New("invalid or missing authentication")

	// ErrNotConnected is returned by Call when the transport has no connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned to in-flight calls when the connection drops.
	ErrClosed = errors.New("connection closed")
)

// CallError is a protocol-level error reported by the device for one call.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc call error %d: %s", e.Code, e.Message)
}

// Notification is an unsolicited message from the device. Params is nil for
// NotifyWebSocketClosed.
type Notification struct {
	Method string
	Params map[string]any
}

// FrameHandler consumes one raw JSON frame.
type FrameHandler func(frame []byte)

// Transport is the persistent, authenticated RPC channel to a single device.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
	SetAuthData(realm, username, password string)
	Connected() bool

	// HandleFrame feeds a frame received out-of-band (through a Registry).
	HandleFrame(frame []byte)

	// Notifications delivers unsolicited messages in arrival order.
	Notifications() <-chan Notification
}

// Registry routes frames from device-initiated connections by device id.
type Registry interface {
	Subscribe(id string, handler FrameHandler) (unsubscribe func())
}
