package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/gridmatch/internal/obslog"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// State is the websocket connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var ErrNotConnected = errors.New("websocket not connected")

type StateCallback func(State)

// WebSocket pushes Envelope frames over one long-lived connection and redials
// with exponential backoff when the connection drops or two pings in a row fail.
type WebSocket struct {
	url     string
	headers HeaderProvider
	log     *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	cbMu     sync.RWMutex
	stateCbs []StateCallback

	maxReconnect   int
	reconnectDelay time.Duration
	pingInterval   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWebSocket(url string, maxReconnect int, reconnectDelay time.Duration) *WebSocket {
	return &WebSocket{
		url:            url,
		log:            obslog.Named("notify_ws"),
		state:          StateDisconnected,
		maxReconnect:   maxReconnect,
		reconnectDelay: reconnectDelay,
		pingInterval:   30 * time.Second,
		stopCh:         make(chan struct{}),
	}
}

func (ws *WebSocket) SetHeaderProvider(h HeaderProvider) { ws.headers = h }

func (ws *WebSocket) SetPingInterval(d time.Duration) { ws.pingInterval = d }

func (ws *WebSocket) OnStateChange(cb StateCallback) {
	ws.cbMu.Lock()
	ws.stateCbs = append(ws.stateCbs, cb)
	ws.cbMu.Unlock()
}

func (ws *WebSocket) State() State {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WebSocket) Connected() bool { return ws.State() == StateConnected }

// Connect dials once. On failure it schedules background reconnects and
// returns the dial error.
func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateFailed)
		ws.log.Warn("ws_connect_failed", zap.String("url", ws.url), zap.Error(err))
		ws.scheduleReconnect()
		return err
	}
	ws.install(conn)
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, ws.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	return conn, err
}

func (ws *WebSocket) install(conn *websocket.Conn) {
	if ws.stopping() {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
		return
	}
	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	ws.setState(StateConnected)
	ws.log.Info("ws_connected", zap.String("url", ws.url))

	ws.wg.Add(2)
	go ws.readLoop(conn)
	go ws.pingLoop(conn)
}

// readLoop drains inbound frames; reading is also what answers pings and closes.
func (ws *WebSocket) readLoop(conn *websocket.Conn) {
	defer ws.wg.Done()
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			ws.drop(conn, "read", err)
			return
		}
	}
}

func (ws *WebSocket) pingLoop(conn *websocket.Conn) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-t.C:
			if ws.current() != conn { return }
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				ws.drop(conn, "ping", err)
				return
			}
		}
	}
}

func (ws *WebSocket) current() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn
}

// drop retires conn once; only the first caller for a given conn reconnects.
func (ws *WebSocket) drop(conn *websocket.Conn, reason string, cause error) {
	ws.mu.Lock()
	if ws.conn != conn {
		ws.mu.Unlock()
		return
	}
	ws.conn = nil
	ws.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	if ws.stopping() { return }
	ws.setState(StateDisconnected)
	ws.log.Warn("ws_disconnected", zap.String("reason", reason), zap.Error(cause))
	ws.scheduleReconnect()
}

func (ws *WebSocket) scheduleReconnect() {
	if ws.maxReconnect <= 0 || ws.stopping() { return }
	ws.setState(StateReconnecting)
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for attempt := 1; attempt <= ws.maxReconnect; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(ws.retryDelay(attempt)):
			}
			conn, err := ws.dial(context.Background())
			if err != nil {
				ws.log.Debug("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			ws.install(conn)
			return
		}
		ws.setState(StateFailed)
		ws.log.Error("ws_reconnect_exhausted", zap.Int("attempts", ws.maxReconnect))
	}()
}

func (ws *WebSocket) retryDelay(attempt int) time.Duration {
	base := ws.reconnectDelay
	if base <= 0 {
		return backoff(attempt)
	}
	d := base << uint(min(attempt-1, 8))
	return min(d, 30*time.Second)
}

// Notify writes one Envelope frame. Writes are serialized.
func (ws *WebSocket) Notify(ctx context.Context, playerID string, ev Event) error {
	conn := ws.current()
	if conn == nil { return ErrNotConnected }
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	ws.writeMu.Lock()
	err := wsjson.Write(ctx, conn, Envelope{PlayerID: playerID, Event: ev})
	ws.writeMu.Unlock()
	if err != nil {
		ws.drop(conn, "write", err)
		return err
	}
	return nil
}

// Close stops reconnects and waits for the connection goroutines.
func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	ws.mu.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	ws.setState(StateDisconnected)

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (ws *WebSocket) setState(s State) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if !changed { return }
	ws.cbMu.RLock()
	cbs := append([]StateCallback(nil), ws.stateCbs...)
	ws.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (ws *WebSocket) stopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headers == nil {
		return hdr
	}
	for k, v := range ws.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" { continue }
		hdr.Set(k, v)
	}
	return hdr
}
