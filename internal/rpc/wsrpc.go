package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	readLimit        = 1 << 20
	notificationsCap = 64
)

// frame is the union of request, response and notification frames.
type frame struct {
	ID     *int64          `json:"id,omitempty"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method,omitempty"`
	Params map[string]any  `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type request struct {
	ID     int64          `json:"id"`
	Src    string         `json:"src"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	Auth   *authParams    `json:"auth,omitempty"`
}

// WsRPC is a Transport over a client WebSocket to ws://<address>/rpc.
type WsRPC struct {
	address string
	src     string
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}
	nextID   int64
	pending  map[int64]chan *frame
	auth     *authData
	lastAuth *authParams

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// NewWsRPC creates an unconnected transport for the device at address
// (host or host:port). A nil client uses http.DefaultClient.
func NewWsRPC(address string, client *http.Client, logger *slog.Logger) *WsRPC {
	return &WsRPC{
		address:       address,
		src:           "shelly-go-home-" + uuid.NewString()[:8],
		client:        client,
		logger:        logger.With("component", "wsrpc", "host", address),
		pending:       make(map[int64]chan *frame),
		notifications: make(chan Notification, notificationsCap),
		done:          make(chan struct{}),
	}
}

// Src returns the client id sent in every request.
func (t *WsRPC) Src() string {
	return t.src
}

// Notifications implements Transport.
func (t *WsRPC) Notifications() <-chan Notification {
	return t.notifications
}

// SetAuthData implements Transport.
func (t *WsRPC) SetAuthData(realm, username, password string) {
	t.mu.Lock()
	t.auth = &authData{realm: realm, username: username, password: password}
	t.lastAuth = nil
	t.mu.Unlock()
}

// Connected implements Transport.
func (t *WsRPC) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect implements Transport. Connecting an already connected transport is
// a no-op.
func (t *WsRPC) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	url := "ws://" + t.address + "/rpc"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: t.client})
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	if t.conn != nil {
		// Lost a race with a concurrent Connect.
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return nil
	}
	t.conn = conn
	t.readDone = make(chan struct{})
	readDone := t.readDone
	t.mu.Unlock()

	t.logger.Debug("connected", "url", url)
	go t.readLoop(conn, readDone)
	return nil
}

// Disconnect implements Transport. It waits for the read loop to exit so the
// NotifyWebSocketClosed notification is queued before it returns.
func (t *WsRPC) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	readDone := t.readDone
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.logger.Debug("disconnecting")
	err := conn.Close(websocket.StatusNormalClosure, "")

	select {
	case <-readDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	var ce websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// Close stops notification delivery permanently. Blocked senders are released.
func (t *WsRPC) Close() error {
	err := t.Disconnect(context.Background())
	t.closeOnce.Do(func() { close(t.done) })
	return err
}

// Call implements Transport. A 401 answer triggers one digest-authenticated
// retry when credentials were configured with SetAuthData.
func (t *WsRPC) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	t.mu.Lock()
	auth := t.lastAuth
	t.mu.Unlock()

	resp, err := t.call(ctx, method, params, auth)
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != CodeUnauthorized {
		return resp, err
	}

	t.mu.Lock()
	creds := t.auth
	t.mu.Unlock()
	if creds == nil {
		return nil, fmt.Errorf("%s: %w", method, ErrInvalidAuth)
	}
	ch, perr := parseChallenge(ce.Message)
	if perr != nil {
		return nil, fmt.Errorf("%s: %w: %v", method, ErrInvalidAuth, perr)
	}
	auth = creds.answer(ch)
	t.mu.Lock()
	t.lastAuth = auth
	t.mu.Unlock()

	resp, err = t.call(ctx, method, params, auth)
	if errors.As(err, &ce) && ce.Code == CodeUnauthorized {
		return nil, fmt.Errorf("%s: %w", method, ErrInvalidAuth)
	}
	return resp, err
}

func (t *WsRPC) call(ctx context.Context, method string, params map[string]any, auth *authParams) (map[string]any, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	t.nextID++
	id := t.nextID
	ch := make(chan *frame, 1)
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := request{ID: id, Src: t.src, Method: method, Params: params, Auth: auth}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return nil, fmt.Errorf("%s: write: %w", method, err)
	}
	t.logger.Debug("rpc TX", "method", method, "id", id)

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			t.logger.Debug("rpc RX error", "method", method, "id", id, "code", resp.Error.Code)
			return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		result := map[string]any{}
		if len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		t.logger.Debug("rpc RX", "method", method, "id", id)
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	}
}

func (t *WsRPC) readLoop(conn *websocket.Conn, readDone chan struct{}) {
	defer close(readDone)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.logger.Debug("read loop ended", "err", err)
			break
		}
		t.HandleFrame(data)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	t.emit(Notification{Method: NotifyWebSocketClosed})
}

// HandleFrame implements Transport. Responses are matched to pending calls by
// id; frames carrying a method become notifications.
func (t *WsRPC) HandleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.logger.Warn("invalid frame", "err", err)
		return
	}

	if f.ID != nil && f.Method == "" {
		t.mu.Lock()
		ch, ok := t.pending[*f.ID]
		t.mu.Unlock()
		if !ok {
			t.logger.Warn("orphaned response (too late)", "id", *f.ID)
			return
		}
		select {
		case ch <- &f:
		default:
		}
		return
	}

	if f.Method == "" {
		t.logger.Debug("frame without method or id ignored")
		return
	}
	params := f.Params
	if params == nil {
		params = map[string]any{}
	}
	t.emit(Notification{Method: f.Method, Params: params})
}

func (t *WsRPC) emit(n Notification) {
	select {
	case t.notifications <- n:
	case <-t.done:
	}
}
