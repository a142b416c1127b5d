//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/probe"
	"shelly-go-home/internal/rpc"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string // topic level below the prefix
}

// Device is the part of the device controller the bridge uses.
type Device interface {
	Identity() (probe.Identity, error)
	Name() (string, error)
	Status() (map[string]any, error)
	Event() (map[string]any, error)
	Initialized() bool
	Call(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// Updates is the source of device updates, normally a *device.UpdateBus.
type Updates interface {
	OnAll(fn device.UpdateFunc) func()
}

// broker is the slice of an MQTT client the bridge needs.
type broker interface {
	Publish(topic string, payload []byte, retained bool)
	Subscribe(topic string, handler func(topic string, payload []byte))
	Disconnect()
}

// Bridge mirrors one device to MQTT: status, events and availability out,
// RPC requests and switch commands in.
type Bridge struct {
	conn   broker
	dev    Device
	base   string // <prefix>/<device id>
	logger *slog.Logger
	unsub  func()

	mu        sync.Mutex
	announced []discoveryMsg
}

// NewBridge connects to the broker and returns a bridge for dev.
func NewBridge(dev Device, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: device id is required")
	}
	b := newBridge(dev, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("shelly-go-home-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.base+"/availability", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.subscribeCommands()
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.conn = &pahoBroker{client: client, logger: b.logger}

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(dev Device, cfg Config, logger *slog.Logger) *Bridge {
	return &Bridge{
		dev:    dev,
		base:   cfg.TopicPrefix + "/" + topicName(cfg.DeviceID),
		logger: logger.With("component", "mqtt"),
	}
}

// Start subscribes to device updates.
func (b *Bridge) Start(updates Updates) {
	b.unsub = updates.OnAll(b.handleUpdate)
	b.logger.Info("MQTT bridge started", "base", b.base)
}

// Stop publishes offline availability, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishAvailability(false)
	b.conn.Disconnect()
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleUpdate(_ *device.Device, update device.UpdateType) {
	switch update {
	case device.UpdateInitialized:
		b.publishAll()
	case device.UpdateStatus:
		b.publishStatus()
	case device.UpdateEvent:
		b.publishEvent()
	case device.UpdateDisconnected:
		b.publishAvailability(false)
	}
}

// publishAll publishes availability and, for an initialized device,
// discovery and the current status.
func (b *Bridge) publishAll() {
	ready := b.dev.Initialized()
	b.publishAvailability(ready)
	if !ready {
		return
	}
	b.publishDiscovery()
	b.publishStatus()
}

func (b *Bridge) publishAvailability(online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.conn.Publish(b.base+"/availability", []byte(state), true)
}

func (b *Bridge) publishStatus() {
	status, err := b.dev.Status()
	if err != nil {
		b.logger.Debug("status unavailable", "err", err)
		return
	}
	b.conn.Publish(b.base+"/status", mustJSON(status), true)
}

func (b *Bridge) publishEvent() {
	ev, err := b.dev.Event()
	if err != nil || ev == nil {
		return
	}
	b.conn.Publish(b.base+"/event", mustJSON(ev), false)
}

// publishDiscovery announces the device's entities and withdraws those that
// disappeared since the last announcement, e.g. after a profile switch.
func (b *Bridge) publishDiscovery() {
	id, err := b.dev.Identity()
	if err != nil {
		return
	}
	status, err := b.dev.Status()
	if err != nil {
		return
	}
	name, _ := b.dev.Name()
	msgs := buildDiscovery(id, name, status, b.base)

	current := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		current[m.Topic] = true
	}
	b.mu.Lock()
	var stale []discoveryMsg
	for _, m := range b.announced {
		if !current[m.Topic] {
			stale = append(stale, m)
		}
	}
	b.announced = msgs
	b.mu.Unlock()

	for _, m := range buildRemoveDiscovery(stale) {
		b.conn.Publish(m.Topic, m.Payload, true)
	}
	for _, m := range msgs {
		b.conn.Publish(m.Topic, m.Payload, true)
	}
	b.logger.Info("published HA discovery", "entities", len(msgs), "removed", len(stale))
}

func (b *Bridge) subscribeCommands() {
	b.conn.Subscribe(b.base+"/rpc", func(_ string, payload []byte) {
		b.handleRPC(payload)
	})
	b.conn.Subscribe(b.base+"/switch/+/set", b.handleSwitchCommand)
}

type rpcRequest struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcResponse struct {
	ID     any       `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Class   string `json:"class"`
}

func (b *Bridge) handleRPC(payload []byte) {
	var req rpcRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.Method == "" {
		b.logger.Warn("invalid rpc request", "payload", string(payload), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := b.dev.Call(ctx, req.Method, req.Params)

	resp := rpcResponse{ID: req.ID}
	switch {
	case err != nil:
		b.logger.Warn("rpc request failed", "method", req.Method, "err", err)
		resp.Error = toRPCError(err)
	case result == nil:
		resp.Result = map[string]any{}
	default:
		resp.Result = result
	}
	b.conn.Publish(b.base+"/rpc/result", mustJSON(resp), false)
}

func toRPCError(err error) *rpcError {
	e := &rpcError{Message: err.Error(), Class: device.Classify(err).String()}
	var ce *rpc.CallError
	if errors.As(err, &ce) {
		e.Code = ce.Code
	}
	return e
}

// handleSwitchCommand handles <base>/switch/<id>/set with ON, OFF or TOGGLE.
func (b *Bridge) handleSwitchCommand(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, b.base+"/switch/")
	id, err := strconv.Atoi(strings.TrimSuffix(rest, "/set"))
	if err != nil {
		b.logger.Warn("invalid switch topic", "topic", topic)
		return
	}

	method := "Switch.Set"
	params := map[string]any{"id": id}
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		params["on"] = true
	case "OFF":
		params["on"] = false
	case "TOGGLE":
		method = "Switch.Toggle"
	default:
		b.logger.Warn("invalid switch command", "topic", topic, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.dev.Call(ctx, method, params); err != nil {
		b.logger.Warn("switch command failed", "id", id, "err", err)
	}
}

// pahoBroker adapts a paho client to broker.
type pahoBroker struct {
	client pahomqtt.Client
	logger *slog.Logger
}

func (p *pahoBroker) Publish(topic string, payload []byte, retained bool) {
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (p *pahoBroker) Subscribe(topic string, handler func(topic string, payload []byte)) {
	token := p.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (p *pahoBroker) Disconnect() {
	p.client.Disconnect(1000)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
