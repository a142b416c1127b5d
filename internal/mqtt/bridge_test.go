//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/probe"
	"shelly-go-home/internal/rpc"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeBroker struct {
	mu       sync.Mutex
	messages []published
	subs     map[string]func(string, []byte)
	closed   bool
}

func (f *fakeBroker) Publish(topic string, payload []byte, retained bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, string(payload), retained})
}

func (f *fakeBroker) Subscribe(topic string, handler func(string, []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]func(string, []byte))
	}
	f.subs[topic] = handler
}

func (f *fakeBroker) Disconnect() { f.closed = true }

func (f *fakeBroker) last(topic string) (published, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].topic == topic {
			return f.messages[i], true
		}
	}
	return published{}, false
}

type fakeDevice struct {
	initialized bool
	status      map[string]any
	event       map[string]any
	calls       []string
	params      []map[string]any
	callErr     error
}

func (d *fakeDevice) Identity() (probe.Identity, error) {
	if !d.initialized {
		return probe.Identity{}, device.ErrNotInitialized
	}
	return probe.Identity{ID: "shellyplus1pm-a8032ab12345", MAC: "A8032AB12345", Model: "SNSW-001P16EU", Version: "1.0.3"}, nil
}

func (d *fakeDevice) Name() (string, error) { return "Kitchen", nil }

func (d *fakeDevice) Status() (map[string]any, error) {
	if !d.initialized {
		return nil, device.ErrNotInitialized
	}
	return d.status, nil
}

func (d *fakeDevice) Event() (map[string]any, error) { return d.event, nil }

func (d *fakeDevice) Initialized() bool { return d.initialized }

func (d *fakeDevice) Call(_ context.Context, method string, params map[string]any) (map[string]any, error) {
	d.calls = append(d.calls, method)
	d.params = append(d.params, params)
	if d.callErr != nil {
		return nil, d.callErr
	}
	return map[string]any{"was_on": false}, nil
}

func testBridge(dev *fakeDevice) (*Bridge, *fakeBroker) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := newBridge(dev, Config{TopicPrefix: "shelly", DeviceID: "Kitchen Plug"}, logger)
	fb := &fakeBroker{}
	b.conn = fb
	return b, fb
}

func plugStatus() map[string]any {
	return map[string]any{
		"switch:0": map[string]any{
			"output":      true,
			"apower":      12.5,
			"voltage":     230.1,
			"aenergy":     map[string]any{"total": 100.0},
			"temperature": map[string]any{"tC": 40.2},
		},
		"input:0": map[string]any{"state": false},
		"wifi":    map[string]any{"rssi": -60.0},
		"sys":     map[string]any{"uptime": 100.0},
	}
}

func TestBridgeTopics(t *testing.T) {
	b, _ := testBridge(&fakeDevice{})
	if b.base != "shelly/kitchen_plug" {
		t.Errorf("base = %q", b.base)
	}
}

func TestBridgeInitializedPublishesAll(t *testing.T) {
	dev := &fakeDevice{initialized: true, status: plugStatus()}
	b, fb := testBridge(dev)

	b.handleUpdate(nil, device.UpdateInitialized)

	avail, ok := fb.last("shelly/kitchen_plug/availability")
	if !ok || avail.payload != "online" || !avail.retained {
		t.Errorf("availability = %+v", avail)
	}
	status, ok := fb.last("shelly/kitchen_plug/status")
	if !ok || !status.retained {
		t.Fatalf("status not published: %+v", status)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(status.payload), &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["switch:0"]; !ok {
		t.Errorf("status payload = %v", got)
	}
	if _, ok := fb.last("homeassistant/switch/shelly_A8032AB12345/switch_0/config"); !ok {
		t.Error("switch discovery missing")
	}
}

func TestBridgeUninitializedOffline(t *testing.T) {
	b, fb := testBridge(&fakeDevice{})
	b.publishAll()
	avail, _ := fb.last("shelly/kitchen_plug/availability")
	if avail.payload != "offline" {
		t.Errorf("availability = %q", avail.payload)
	}
	if _, ok := fb.last("shelly/kitchen_plug/status"); ok {
		t.Error("status published for an uninitialized device")
	}
}

func TestBridgeEventAndDisconnect(t *testing.T) {
	dev := &fakeDevice{initialized: true, status: plugStatus(), event: map[string]any{"events": []any{}}}
	b, fb := testBridge(dev)

	b.handleUpdate(nil, device.UpdateEvent)
	ev, ok := fb.last("shelly/kitchen_plug/event")
	if !ok || ev.retained {
		t.Errorf("event = %+v, want non-retained", ev)
	}

	b.handleUpdate(nil, device.UpdateDisconnected)
	avail, _ := fb.last("shelly/kitchen_plug/availability")
	if avail.payload != "offline" {
		t.Errorf("availability = %q", avail.payload)
	}
}

func TestBridgeRPC(t *testing.T) {
	dev := &fakeDevice{initialized: true, status: plugStatus()}
	b, fb := testBridge(dev)
	b.subscribeCommands()

	handler := fb.subs["shelly/kitchen_plug/rpc"]
	if handler == nil {
		t.Fatal("rpc topic not subscribed")
	}
	handler("shelly/kitchen_plug/rpc", []byte(`{"id":7,"method":"Switch.Set","params":{"id":0,"on":true}}`))

	if len(dev.calls) != 1 || dev.calls[0] != "Switch.Set" {
		t.Fatalf("calls = %v", dev.calls)
	}
	res, ok := fb.last("shelly/kitchen_plug/rpc/result")
	if !ok {
		t.Fatal("no rpc result")
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(res.payload), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] != 7.0 || resp["error"] != nil {
		t.Errorf("response = %v", resp)
	}

	dev.callErr = &rpc.CallError{Code: -105, Message: "Argument 'id', value 5 not found!"}
	handler("shelly/kitchen_plug/rpc", []byte(`{"id":8,"method":"Switch.Set","params":{"id":5}}`))
	res, _ = fb.last("shelly/kitchen_plug/rpc/result")
	var errResp struct {
		ID    int      `json:"id"`
		Error rpcError `json:"error"`
	}
	if err := json.Unmarshal([]byte(res.payload), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.ID != 8 || errResp.Error.Code != -105 || errResp.Error.Class != "device" {
		t.Errorf("error response = %+v", errResp)
	}

	handler("shelly/kitchen_plug/rpc", []byte(`not json`))
	if len(dev.calls) != 2 {
		t.Errorf("invalid request reached the device")
	}
}

func TestBridgeSwitchCommand(t *testing.T) {
	dev := &fakeDevice{initialized: true}
	b, _ := testBridge(dev)

	tests := []struct {
		topic   string
		payload string
		method  string
		on      any
	}{
		{"shelly/kitchen_plug/switch/0/set", "ON", "Switch.Set", true},
		{"shelly/kitchen_plug/switch/1/set", "off", "Switch.Set", false},
		{"shelly/kitchen_plug/switch/0/set", "TOGGLE", "Switch.Toggle", nil},
	}
	for _, tt := range tests {
		dev.calls, dev.params = nil, nil
		b.handleSwitchCommand(tt.topic, []byte(tt.payload))
		if len(dev.calls) != 1 || dev.calls[0] != tt.method {
			t.Errorf("%s %s: calls = %v", tt.topic, tt.payload, dev.calls)
			continue
		}
		if dev.params[0]["on"] != tt.on {
			t.Errorf("%s %s: params = %v", tt.topic, tt.payload, dev.params[0])
		}
	}

	dev.calls = nil
	b.handleSwitchCommand("shelly/kitchen_plug/switch/x/set", []byte("ON"))
	b.handleSwitchCommand("shelly/kitchen_plug/switch/0/set", []byte("DIM"))
	if len(dev.calls) != 0 {
		t.Errorf("invalid commands reached the device: %v", dev.calls)
	}
}

func TestBridgeDiscoveryWithdrawsStale(t *testing.T) {
	dev := &fakeDevice{initialized: true, status: plugStatus()}
	b, fb := testBridge(dev)
	b.publishDiscovery()

	// After a profile switch the switch component is gone.
	dev.status = map[string]any{"cover:0": map[string]any{"state": "stopped"}}
	b.publishDiscovery()

	msg, ok := fb.last("homeassistant/switch/shelly_A8032AB12345/switch_0/config")
	if !ok || msg.payload != "" {
		t.Errorf("stale switch entity not removed: %+v", msg)
	}
}

func TestBridgeStop(t *testing.T) {
	b, fb := testBridge(&fakeDevice{initialized: true})
	bus := device.NewUpdateBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	b.Start(bus)
	b.Stop()

	if !fb.closed {
		t.Error("broker not disconnected")
	}
	avail, _ := fb.last("shelly/kitchen_plug/availability")
	if avail.payload != "offline" {
		t.Errorf("availability = %q", avail.payload)
	}

	n := len(fb.messages)
	bus.Emit(nil, device.UpdateStatus)
	if len(fb.messages) != n {
		t.Error("bridge still receives updates after Stop")
	}
}
