package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soukhq/souk/pkg/log"
)

// State is the connection state of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const notificationsPath = "/ws/notifications"

// Options configures a Client. Zero values fall back to the defaults
// below.
type Options struct {
	// BaseURL is the push endpoint base, e.g. wss://souk.example.com.
	BaseURL string
	// BaseDelay seeds the exponential backoff (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay (default 30s).
	MaxDelay time.Duration
	// MaxAttempts is the reconnect ceiling (default 5). Once reached the
	// client stays disconnected until Connect is called again.
	MaxAttempts int
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// Client is the connection manager for the notification channel. A single
// Client owns at most one live transport at any time.
type Client struct {
	baseURL     string
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	dialer      *websocket.Dialer
	sessionID   string
	logger      *log.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64
	token          string
	attempts       int
	reconnectTimer *time.Timer

	writeMu sync.Mutex

	lmu        sync.RWMutex
	listeners  map[uint64]Listener
	nextListID uint64
}

func NewClient(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	return &Client{
		baseURL:     opts.BaseURL,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		maxAttempts: opts.MaxAttempts,
		dialer:      dialer,
		sessionID:   uuid.NewString(),
		logger:      log.ForService("realtime"),
		listeners:   make(map[uint64]Listener),
	}
}

// Subscribe registers a listener and returns its id for Unsubscribe.
// Invocation order across listeners is unspecified.
func (c *Client) Subscribe(l Listener) uint64 {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	id := c.nextListID
	c.nextListID++
	c.listeners[id] = l
	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (c *Client) Unsubscribe(id uint64) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	delete(c.listeners, id)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the current reconnect attempt counter. It
// resets to zero on every successful connect.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ReconnectPending reports whether a reconnect is currently scheduled.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectTimer != nil
}

// Connect opens the channel with the given bearer token. It is a no-op
// while a connection is being established or is already open. A missing
// token is logged and ignored so callers can invoke it unconditionally on
// auth-state changes.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	if token == "" {
		c.mu.Unlock()
		c.logger.Warnf("no auth token available, not connecting")
		return
	}
	c.cancelReconnectLocked()
	c.state = StateConnecting
	c.token = token
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.dial(token, gen)
}

func (c *Client) dial(token string, gen uint64) {
	u := fmt.Sprintf("%s%s?token=%s", c.baseURL, notificationsPath, url.QueryEscape(token))
	header := http.Header{"X-Client-Session": []string{c.sessionID}}

	conn, resp, err := c.dialer.Dial(u, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect (or a newer Connect) won the race; this attempt is
		// stale and its transport must not survive.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		c.state = StateDisconnected
		c.conn = nil
		c.mu.Unlock()
		c.logger.Debugf("dial failed: %v", err)
		c.emit(ConnError{Err: err})
		c.emit(Connected{Connected: false})
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.cancelReconnectLocked()
	c.mu.Unlock()

	c.logger.Debugf("connected to %s", c.baseURL+notificationsPath)
	c.emit(Connected{Connected: true})

	go c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var frame struct {
		Payload
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		// Unrelated channel traffic is expected; drop quietly.
		c.logger.Debugf("dropping unparseable frame")
		return
	}

	if frame.Type == "token_error" {
		c.logger.Debugf("token rejected by push endpoint")
		c.emit(TokenError{NeedsRefresh: true})
		return
	}

	if !frame.Payload.valid() {
		c.logger.Debugf("dropping frame with incomplete notification shape")
		return
	}
	c.emit(Notification{Payload: frame.Payload})
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// Manual disconnect already detached this transport; stay quiet.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	c.logger.Debugf("disconnected: %v", err)
	if !normal {
		c.emit(ConnError{Err: err})
	}
	c.emit(Connected{Connected: false})

	if !normal {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts >= c.maxAttempts {
		c.logger.Warnf("reconnect ceiling reached (%d attempts), staying disconnected", c.maxAttempts)
		return
	}
	c.cancelReconnectLocked()

	c.attempts++
	delay := backoffDelay(c.baseDelay, c.maxDelay, c.attempts)
	token := c.token

	c.logger.Infof("scheduling reconnect attempt %d in %s", c.attempts, delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect(token)
	})
}

// backoffDelay computes base * 2^(attempt-1) capped at max. The attempt
// counter is incremented before the delay is computed, so the first retry
// waits the base delay.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Disconnect cancels any pending reconnect, detaches the reader so no
// further events fire during teardown, and closes the transport with a
// normal-closure code. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelReconnectLocked()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

type markReadFrame struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	ID     string `json:"id"`
}

// MarkRead sends a best-effort mark_read frame over the open channel. It
// silently does nothing when the channel is not open: no queueing, no
// error surfaced.
func (c *Client) MarkRead(notifType, id string) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateConnected
	c.mu.Unlock()

	if !open || conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(markReadFrame{Action: "mark_read", Type: notifType, ID: id}); err != nil {
		c.logger.Debugf("mark_read send failed: %v", err)
	}
}

func (c *Client) emit(evt Event) {
	c.lmu.RLock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.lmu.RUnlock()

	for _, l := range listeners {
		c.safeDeliver(l, evt)
	}
}

// safeDeliver isolates listener panics so one misbehaving subscriber does
// not starve the rest.
func (c *Client) safeDeliver(l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("listener panic: %v", r)
		}
	}()
	l.HandleEvent(evt)
}
