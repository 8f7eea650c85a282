package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is a minimal push endpoint: it records connection attempts
// and hands each upgraded transport to the configured handler.
type testServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	tokens     []string
	sessionIDs []string

	attempts atomic.Int64
	refuse   atomic.Bool

	handler func(*websocket.Conn)
}

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *testServer {
	t.Helper()
	srv := &testServer{handler: handler}
	srv.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/notifications" {
			http.NotFound(w, r)
			return
		}
		srv.attempts.Add(1)
		if srv.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		srv.mu.Lock()
		srv.tokens = append(srv.tokens, r.URL.Query().Get("token"))
		srv.sessionIDs = append(srv.sessionIDs, r.Header.Get("X-Client-Session"))
		srv.mu.Unlock()

		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		if srv.handler != nil {
			srv.handler(conn)
		}
	}))
	t.Cleanup(srv.ts.Close)
	return srv
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *testServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

// collector buffers fanned-out events for assertions.
type collector struct {
	connected     chan bool
	notifications chan Payload
	tokenErrors   chan TokenError
	errors        chan error
}

func newCollector() *collector {
	return &collector{
		connected:     make(chan bool, 16),
		notifications: make(chan Payload, 16),
		tokenErrors:   make(chan TokenError, 16),
		errors:        make(chan error, 16),
	}
}

func (c *collector) HandleEvent(evt Event) {
	switch e := evt.(type) {
	case Connected:
		c.connected <- e.Connected
	case Notification:
		c.notifications <- e.Payload
	case TokenError:
		c.tokenErrors <- e
	case ConnError:
		c.errors <- e.Err
	}
}

func waitBool(t *testing.T, ch chan bool, want bool, msg string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("%s: got connected=%v, want %v", msg, got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: timed out", msg)
	}
}

func newTestClient(srv *testServer, opts Options) *Client {
	opts.BaseURL = srv.wsURL()
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 10 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 100 * time.Millisecond
	}
	return NewClient(opts)
}

func TestConnectDeliversValidNotifications(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)

	client.Connect("secret-token")
	waitBool(t, col.connected, true, "initial connect")

	if got := srv.lastToken(); got != "secret-token" {
		t.Fatalf("expected token query param, got %q", got)
	}
	srv.mu.Lock()
	sessionID := srv.sessionIDs[0]
	srv.mu.Unlock()
	if sessionID == "" {
		t.Fatal("expected X-Client-Session header")
	}

	conn := <-ready
	valid := map[string]any{
		"id":          42,
		"type":        "offer_created",
		"message":     "New offer",
		"modified_at": "2024-01-01T00:00:00Z",
	}
	if err := conn.WriteJSON(valid); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case p := <-col.notifications:
		if p.ID.String() != "42" || p.Type != "offer_created" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")
	conn := <-ready

	malformed := []any{
		map[string]any{"type": "offer_created", "message": "m", "modified_at": "2024-01-01T00:00:00Z"},
		map[string]any{"id": 1, "message": "m", "modified_at": "2024-01-01T00:00:00Z"},
		map[string]any{"id": 1, "type": "offer_created", "modified_at": "2024-01-01T00:00:00Z"},
		map[string]any{"id": 1, "type": "offer_created", "message": "m"},
		map[string]any{"unrelated": "traffic"},
		"not json at all",
	}
	for _, frame := range malformed {
		if s, ok := frame.(string); ok {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
				t.Fatalf("server write: %v", err)
			}
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	// A trailing valid frame proves the loop survived the junk.
	if err := conn.WriteJSON(map[string]any{
		"id": 7, "type": "post_created", "message": "p", "modified_at": "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case p := <-col.notifications:
		if p.ID.String() != "7" {
			t.Fatalf("a malformed frame leaked through: %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	if len(col.notifications) != 0 {
		t.Fatalf("expected no further deliveries, got %d", len(col.notifications))
	}
}

func TestTokenErrorFrame(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("stale")
	waitBool(t, col.connected, true, "connect")
	conn := <-ready

	if err := conn.WriteJSON(map[string]any{"type": "token_error"}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case te := <-col.tokenErrors:
		if !te.NeedsRefresh {
			t.Fatal("expected NeedsRefresh")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("token error not delivered")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)

	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")
	client.Connect("tok")
	client.Connect("tok")

	time.Sleep(200 * time.Millisecond)
	if got := srv.attempts.Load(); got != 1 {
		t.Fatalf("expected 1 connection attempt, got %d", got)
	}
}

func TestConnectWithoutTokenIsNoop(t *testing.T) {
	srv := newTestServer(t, nil)

	client := newTestClient(srv, Options{})
	client.Connect("")

	time.Sleep(100 * time.Millisecond)
	if got := srv.attempts.Load(); got != 0 {
		t.Fatalf("expected no connection attempts, got %d", got)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", client.State())
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	ready := make(chan *websocket.Conn, 2)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")
	waitBool(t, col.connected, true, "initial connect")

	// Abrupt close, no close frame: abnormal from the client's view.
	conn := <-ready
	_ = conn.Close()

	waitBool(t, col.connected, false, "drop detected")
	waitBool(t, col.connected, true, "reconnected")

	if got := client.ReconnectAttempts(); got != 0 {
		t.Fatalf("expected attempts reset after successful reconnect, got %d", got)
	}
	if got := srv.attempts.Load(); got != 2 {
		t.Fatalf("expected 2 connection attempts, got %d", got)
	}
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")

	conn := <-ready
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("server close: %v", err)
	}
	_ = conn.Close()

	waitBool(t, col.connected, false, "close observed")
	time.Sleep(300 * time.Millisecond)
	if got := srv.attempts.Load(); got != 1 {
		t.Fatalf("expected no reconnect after normal closure, got %d attempts", got)
	}
	if client.ReconnectPending() {
		t.Fatal("expected no pending reconnect timer")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.refuse.Store(true)

	client := newTestClient(srv, Options{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour})
	col := newCollector()
	client.Subscribe(col)

	client.Connect("tok")
	waitBool(t, col.connected, false, "dial rejected")

	// The failed dial schedules a retry far in the future.
	deadline := time.Now().Add(time.Second)
	for !client.ReconnectPending() {
		if time.Now().After(deadline) {
			t.Fatal("expected a pending reconnect timer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client.Disconnect()
	if client.ReconnectPending() {
		t.Fatal("disconnect did not cancel the reconnect timer")
	}

	attempts := srv.attempts.Load()
	time.Sleep(200 * time.Millisecond)
	if got := srv.attempts.Load(); got != attempts {
		t.Fatalf("connection attempted after disconnect: %d -> %d", attempts, got)
	}
}

func TestReconnectCeiling(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.refuse.Store(true)

	client := newTestClient(srv, Options{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5})
	defer client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")

	// Initial dial plus five retries, then silence.
	deadline := time.Now().Add(3 * time.Second)
	for srv.attempts.Load() < 6 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 6 attempts, got %d", srv.attempts.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	if got := srv.attempts.Load(); got != 6 {
		t.Fatalf("expected exactly 6 attempts (1 + 5 retries), got %d", got)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected after ceiling, got %s", client.State())
	}
	if client.ReconnectAttempts() != 5 {
		t.Fatalf("expected attempt counter at ceiling, got %d", client.ReconnectAttempts())
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"first retry", time.Second, 30 * time.Second, 1, time.Second},
		{"second retry", time.Second, 30 * time.Second, 2, 2 * time.Second},
		{"third retry", time.Second, 30 * time.Second, 3, 4 * time.Second},
		{"fourth retry", time.Second, 30 * time.Second, 4, 8 * time.Second},
		{"fifth retry", time.Second, 30 * time.Second, 5, 16 * time.Second},
		{"capped", time.Second, 30 * time.Second, 7, 30 * time.Second},
		{"tight cap", 10 * time.Second, 15 * time.Second, 2, 15 * time.Second},
		{"base above cap", 40 * time.Second, 30 * time.Second, 1, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.base, tt.max, tt.attempt); got != tt.want {
				t.Fatalf("backoffDelay(%v, %v, %d) = %v, want %v", tt.base, tt.max, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestListenerPanicIsolation(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	client.Subscribe(ListenerFunc(func(Event) {
		panic("misbehaving listener")
	}))
	col := newCollector()
	client.Subscribe(col)

	client.Connect("tok")
	waitBool(t, col.connected, true, "connect despite panicking listener")

	conn := <-ready
	if err := conn.WriteJSON(map[string]any{
		"id": 1, "type": "message_sent", "message": "hi", "modified_at": "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-col.notifications:
	case <-time.After(3 * time.Second):
		t.Fatal("panicking listener blocked delivery to others")
	}
}

func TestMarkRead(t *testing.T) {
	frames := make(chan markReadFrame, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		var f markReadFrame
		if err := conn.ReadJSON(&f); err == nil {
			frames <- f
		}
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	// Not connected: silent no-op, nothing to assert beyond not panicking.
	client.MarkRead("offer_created", "42")

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")

	client.MarkRead("offer_created", "42")
	select {
	case f := <-frames:
		if f.Action != "mark_read" || f.Type != "offer_created" || f.ID != "42" {
			t.Fatalf("unexpected mark_read frame: %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("mark_read frame not received")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	client := newTestClient(srv, Options{})

	client.Disconnect()
	client.Disconnect()

	col := newCollector()
	client.Subscribe(col)
	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")

	client.Disconnect()
	client.Disconnect()
	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", client.State())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ready <- conn
	})

	client := newTestClient(srv, Options{})
	defer client.Disconnect()

	col := newCollector()
	id := client.Subscribe(col)
	keep := newCollector()
	client.Subscribe(keep)

	client.Connect("tok")
	waitBool(t, col.connected, true, "connect")
	<-keep.connected

	client.Unsubscribe(id)
	conn := <-ready
	if err := conn.WriteJSON(map[string]any{
		"id": 1, "type": "chat_created", "message": "c", "modified_at": "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case <-keep.notifications:
	case <-time.After(3 * time.Second):
		t.Fatal("remaining listener did not receive the event")
	}
	if len(col.notifications) != 0 {
		t.Fatal("unsubscribed listener still received events")
	}
}
