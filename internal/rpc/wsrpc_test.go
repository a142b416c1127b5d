package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice is a minimal Gen2 RPC endpoint at /rpc.
type fakeDevice struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeDevice(t *testing.T, respond func(req map[string]any) map[string]any) *fakeDevice {
	t.Helper()
	d := &fakeDevice{conns: make(chan *websocket.Conn, 4)}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		d.conns <- conn
		for {
			var req map[string]any
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			resp := respond(req)
			if resp == nil {
				continue
			}
			resp["id"] = req["id"]
			if err := wsjson.Write(r.Context(), conn, resp); err != nil {
				return
			}
		}
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) address() string {
	return strings.TrimPrefix(d.srv.URL, "http://")
}

func (d *fakeDevice) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("device never saw a connection")
		return nil
	}
}

func waitNotification(t *testing.T, tr *WsRPC) Notification {
	t.Helper()
	select {
	case n := <-tr.Notifications():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func TestWsRPCCall(t *testing.T) {
	dev := newFakeDevice(t, func(req map[string]any) map[string]any {
		if req["method"] != "Shelly.GetConfig" {
			return map[string]any{"error": map[string]any{"code": 404, "message": "No handler"}}
		}
		return map[string]any{"result": map[string]any{"sys": map[string]any{"device": map[string]any{"name": "kitchen"}}}}
	})

	tr := NewWsRPC(dev.address(), nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !tr.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	got, err := tr.Call(ctx, "Shelly.GetConfig", nil)
	if err != nil {
		t.Fatal(err)
	}
	sys, _ := got["sys"].(map[string]any)
	device, _ := sys["device"].(map[string]any)
	if device["name"] != "kitchen" {
		t.Errorf("name = %v, want kitchen", device["name"])
	}

	_, err = tr.Call(ctx, "Nope.Nope", nil)
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if ce.Code != 404 {
		t.Errorf("code = %d, want 404", ce.Code)
	}
}

func TestWsRPCCallNotConnected(t *testing.T) {
	tr := NewWsRPC("127.0.0.1:1", nil, testLogger())
	_, err := tr.Call(context.Background(), "Shelly.GetStatus", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestWsRPCNotifications(t *testing.T) {
	dev := newFakeDevice(t, func(map[string]any) map[string]any { return nil })
	tr := NewWsRPC(dev.address(), nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	conn := dev.conn(t)
	push := map[string]any{
		"src":    "shellyplus1-a8032ab12345",
		"method": NotifyStatus,
		"params": map[string]any{"switch:0": map[string]any{"output": true}},
	}
	if err := wsjson.Write(ctx, conn, push); err != nil {
		t.Fatal(err)
	}

	n := waitNotification(t, tr)
	if n.Method != NotifyStatus {
		t.Errorf("method = %q, want %q", n.Method, NotifyStatus)
	}
	if _, ok := n.Params["switch:0"]; !ok {
		t.Errorf("params = %v, missing switch:0", n.Params)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	n = waitNotification(t, tr)
	if n.Method != NotifyWebSocketClosed || n.Params != nil {
		t.Errorf("got %+v, want closed notification with nil params", n)
	}
	if tr.Connected() {
		t.Error("Connected() = true after peer closed")
	}
}

func TestWsRPCDisconnectEmitsClosed(t *testing.T) {
	dev := newFakeDevice(t, func(map[string]any) map[string]any { return nil })
	tr := NewWsRPC(dev.address(), nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if n := waitNotification(t, tr); n.Method != NotifyWebSocketClosed {
		t.Errorf("method = %q, want %q", n.Method, NotifyWebSocketClosed)
	}
	// Second disconnect is a no-op.
	if err := tr.Disconnect(ctx); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestWsRPCDigestAuth(t *testing.T) {
	const (
		user  = "admin"
		pass  = "secret"
		realm = "shellyplus1-a8032ab12345"
		nonce = 1700000000
	)
	challenge := fmt.Sprintf(`{"auth_type":"digest","nonce":%d,"nc":1,"realm":%q,"algorithm":"SHA-256"}`, nonce, realm)

	dev := newFakeDevice(t, func(req map[string]any) map[string]any {
		auth, ok := req["auth"].(map[string]any)
		if !ok {
			return map[string]any{"error": map[string]any{"code": 401, "message": challenge}}
		}
		cnonce := int64(auth["cnonce"].(float64))
		ha1 := hexSHA256(user + ":" + realm + ":" + pass)
		ha2 := hexSHA256("dummy_method:dummy_uri")
		want := hexSHA256(ha1 + ":" + strconv.Itoa(nonce) + ":1:" + strconv.FormatInt(cnonce, 10) + ":auth:" + ha2)
		if auth["response"] != want {
			return map[string]any{"error": map[string]any{"code": 401, "message": challenge}}
		}
		return map[string]any{"result": map[string]any{"ok": true}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("valid credentials", func(t *testing.T) {
		tr := NewWsRPC(dev.address(), nil, testLogger())
		tr.SetAuthData(realm, user, pass)
		if err := tr.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer tr.Close()
		got, err := tr.Call(ctx, "Shelly.GetStatus", nil)
		if err != nil {
			t.Fatal(err)
		}
		if got["ok"] != true {
			t.Errorf("result = %v", got)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		tr := NewWsRPC(dev.address(), nil, testLogger())
		tr.SetAuthData(realm, user, "wrong")
		if err := tr.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer tr.Close()
		if _, err := tr.Call(ctx, "Shelly.GetStatus", nil); !errors.Is(err, ErrInvalidAuth) {
			t.Errorf("err = %v, want ErrInvalidAuth", err)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		tr := NewWsRPC(dev.address(), nil, testLogger())
		if err := tr.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		defer tr.Close()
		if _, err := tr.Call(ctx, "Shelly.GetStatus", nil); !errors.Is(err, ErrInvalidAuth) {
			t.Errorf("err = %v, want ErrInvalidAuth", err)
		}
	})
}

func TestHandleFrameOrphanedResponse(t *testing.T) {
	tr := NewWsRPC("127.0.0.1:1", nil, testLogger())
	tr.HandleFrame([]byte(`{"id":99,"result":{}}`))
	tr.HandleFrame([]byte(`not json`))

	select {
	case n := <-tr.Notifications():
		t.Errorf("unexpected notification %+v", n)
	default:
	}

	tr.HandleFrame([]byte(`{"src":"x","method":"NotifyEvent"}`))
	n := <-tr.Notifications()
	if n.Method != NotifyEvent || n.Params == nil {
		t.Errorf("got %+v, want NotifyEvent with empty params", n)
	}
}

func TestParseChallenge(t *testing.T) {
	ch, err := parseChallenge(`{"auth_type":"digest","nonce":42,"realm":"r","algorithm":"SHA-256"}`)
	if err != nil {
		t.Fatal(err)
	}
	if ch.NC != 1 {
		t.Errorf("nc = %d, want default 1", ch.NC)
	}
	if _, err := parseChallenge(`{"realm":"r"}`); err == nil {
		t.Error("missing nonce accepted")
	}
	if _, err := parseChallenge(`nope`); err == nil {
		t.Error("invalid json accepted")
	}
}

func TestCallErrorMessage(t *testing.T) {
	err := &CallError{Code: -103, Message: "Invalid argument"}
	if got := err.Error(); !strings.Contains(got, "-103") || !strings.Contains(got, "Invalid argument") {
		t.Errorf("Error() = %q", got)
	}
}
