package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/gridmatch/internal/msgcat"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func newTestClient(t *testing.T, h fasthttp.RequestHandler, opts ...Option) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	c := NewClient("http://notify.test/", opts...)
	c.http.Dial = func(addr string) (net.Conn, error) { return ln.Dial() }
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) { t.Fatalf("timed out waiting for %s", what) }
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientPostsEnvelope(t *testing.T) {
	var got Envelope
	var auth, path, method string
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		path, method = string(ctx.Path()), string(ctx.Method())
		auth = string(ctx.Request.Header.Peek("X-Notify-Token"))
		_ = json.Unmarshal(ctx.PostBody(), &got)
	}, WithHeaderProvider(func() map[string]string { return map[string]string{"X-Notify-Token": "s3cret", "X-Empty": " "} }))

	ev := Event{Type: EventMatchFound, Payload: map[string]any{"game_id": "g1"}}
	if err := c.Notify(context.Background(), "alice", ev); err != nil { t.Fatalf("Notify: %v", err) }
	if path != "/notify" || method != "POST" || auth != "s3cret" { t.Fatalf("path=%s method=%s auth=%q", path, method, auth) }
	if got.PlayerID != "alice" || got.Event.Type != EventMatchFound || got.Event.Payload["game_id"] != "g1" {
		t.Fatalf("envelope = %+v", got)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) < 3 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		}
	}, WithRetry(3))
	if err := c.Notify(context.Background(), "a", Event{Type: EventQueueUpdate}); err != nil { t.Fatalf("Notify: %v", err) }
	if calls.Load() != 3 { t.Fatalf("calls = %d", calls.Load()) }
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("unknown player")
	})
	err := c.Notify(context.Background(), "a", Event{Type: EventQueueUpdate})
	if err == nil || !strings.Contains(err.Error(), "status=400") { t.Fatalf("err = %v", err) }
	if calls.Load() != 1 { t.Fatalf("calls = %d", calls.Load()) }
}

type wsServer struct {
	*httptest.Server
	frames chan Envelope
	conns  atomic.Int32
	// dropFirst closes the first connection after one frame
	dropFirst bool
}

func newWSServer(t *testing.T, dropFirst bool) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan Envelope, 16), dropFirst: dropFirst}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil { return }
		n := s.conns.Add(1)
		for {
			var env Envelope
			if err := wsjson.Read(r.Context(), c, &env); err != nil { return }
			s.frames <- env
			if s.dropFirst && n == 1 {
				_ = c.Close(websocket.StatusGoingAway, "restart")
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func (s *wsServer) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("no frame received")
	}
	return Envelope{}
}

func TestWebSocketDeliversAndReconnects(t *testing.T) {
	srv := newWSServer(t, true)
	ws := NewWebSocket(srv.wsURL(), 5, 10*time.Millisecond)
	var mu sync.Mutex
	var states []State
	ws.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	ctx := context.Background()
	if err := ws.Connect(ctx); err != nil { t.Fatalf("Connect: %v", err) }
	t.Cleanup(func() { _ = ws.Close(context.Background()) })

	if err := ws.Notify(ctx, "alice", Event{Type: EventMatchFound}); err != nil { t.Fatalf("Notify: %v", err) }
	if env := srv.next(t); env.PlayerID != "alice" || env.Event.Type != EventMatchFound { t.Fatalf("frame = %+v", env) }

	waitFor(t, "reconnect", func() bool { return srv.conns.Load() == 2 && ws.Connected() })
	if err := ws.Notify(ctx, "bob", Event{Type: EventMatchCompleted}); err != nil { t.Fatalf("Notify after reconnect: %v", err) }
	if env := srv.next(t); env.PlayerID != "bob" { t.Fatalf("frame = %+v", env) }

	mu.Lock()
	defer mu.Unlock()
	seen := map[State]bool{}
	for _, s := range states {
		seen[s] = true
	}
	if !seen[StateReconnecting] || !seen[StateConnected] { t.Fatalf("states = %v", states) }
}

func TestWebSocketNotConnected(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/none", 0, 0)
	if err := ws.Connect(context.Background()); err == nil { t.Fatalf("expected dial error") }
	if ws.State() != StateFailed { t.Fatalf("state = %s", ws.State()) }
	if err := ws.Notify(context.Background(), "a", Event{}); err != ErrNotConnected { t.Fatalf("err = %v", err) }
	if err := ws.Close(context.Background()); err != nil { t.Fatalf("Close: %v", err) }
}

func TestAutoEgressFallsBackToHTTP(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) { calls.Add(1) })
	ws := NewWebSocket("ws://127.0.0.1:1/none", 0, 0)
	sink := NewEgress(ModeAuto, c, ws)
	if err := sink.Notify(context.Background(), "a", Event{Type: EventQueueUpdate}); err != nil { t.Fatalf("Notify: %v", err) }
	if calls.Load() != 1 { t.Fatalf("http calls = %d", calls.Load()) }

	srv := newWSServer(t, false)
	live := NewWebSocket(srv.wsURL(), 0, 0)
	if err := live.Connect(context.Background()); err != nil { t.Fatalf("Connect: %v", err) }
	t.Cleanup(func() { _ = live.Close(context.Background()) })
	sink = NewEgress(ModeAuto, c, live)
	if err := sink.Notify(context.Background(), "b", Event{Type: EventQueueUpdate}); err != nil { t.Fatalf("Notify: %v", err) }
	if env := srv.next(t); env.PlayerID != "b" { t.Fatalf("frame = %+v", env) }
	if calls.Load() != 1 { t.Fatalf("connected ws should not use http") }
}

func TestNewEgressModes(t *testing.T) {
	c := NewClient("http://x")
	if _, ok := NewEgress(ModeHTTP, c, nil).(*Client); !ok { t.Fatalf("http mode") }
	if _, ok := NewEgress(ModeWS, c, nil).(LogSink); !ok { t.Fatalf("ws mode without socket should log") }
	if _, ok := NewEgress(ModeAuto, c, nil).(*Client); !ok { t.Fatalf("auto without socket should use http") }
	if _, ok := NewEgress("", nil, nil).(LogSink); !ok { t.Fatalf("empty mode") }
}

func TestRendererFillsMessage(t *testing.T) {
	cat, err := msgcat.New("")
	if err != nil { t.Fatalf("catalog: %v", err) }
	rec := &Recorder{}
	r := NewRenderer(cat, rec)
	ctx := context.Background()

	_ = r.Notify(ctx, "a", Event{Type: EventMatchCompleted, Payload: map[string]any{"result": "loss", "opponent": "b", "rating": 1184}})
	_ = r.Notify(ctx, "a", Event{Type: EventQueueUpdate, Payload: map[string]any{"status": "cancelled"}})
	_ = r.Notify(ctx, "a", Event{Type: EventMatchFound, Payload: map[string]any{"opponent": "b"}}) // missing fields
	_ = r.Notify(ctx, "a", Event{Type: EventQueueUpdate, Message: "preset"})

	evs := rec.Events("")
	if len(evs) != 4 { t.Fatalf("events = %d", len(evs)) }
	if evs[0].Event.Message != "You lost to b. New rating: 1184." { t.Fatalf("message = %q", evs[0].Event.Message) }
	if evs[1].Event.Message != "You left the matchmaking queue." { t.Fatalf("message = %q", evs[1].Event.Message) }
	if evs[2].Event.Message != "" { t.Fatalf("incomplete payload should leave message empty: %q", evs[2].Event.Message) }
	if evs[3].Event.Message != "preset" { t.Fatalf("preset message overwritten") }
}
