package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a Transport.
type TransportConfig struct {
	// BaseURL is the server origin; http(s) schemes are mapped to ws(s).
	BaseURL string
	Tokens  TokenSource

	DisableReconnect     bool
	MaxReconnectAttempts int
	// ReconnectBaseDelay is multiplied by the attempt number.
	ReconnectBaseDelay time.Duration
	// HeartbeatInterval between websocket pings; negative disables them.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	HTTPClient        *http.Client
}

func (c *TransportConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Tokens == nil {
		c.Tokens = StaticToken("")
	}
}

// TransportState is the connection lifecycle state.
type TransportState string

const (
	StateIdle       TransportState = "idle"
	StateConnecting TransportState = "connecting"
	StateOpen       TransportState = "open"
	StateClosing    TransportState = "closing"
	StateClosed     TransportState = "closed"
	StateBackoff    TransportState = "backoff"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Subscriber is anything events can be subscribed to.
type Subscriber interface {
	Subscribe(kind EventKind, fn func(Event)) (unsubscribe func())
}

// On subscribes a handler typed to a single event payload.
//
//	chatsync.On(t, func(ev chatsync.NewMessageEvent) { ... })
func On[E Event](s Subscriber, fn func(E)) (unsubscribe func()) {
	var zero E
	return s.Subscribe(zero.Kind(), func(ev Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

type subscription struct {
	id int
	fn func(Event)
}

type eventDispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventKind][]subscription
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[EventKind][]subscription)}
}

func (d *eventDispatcher) subscribe(kind EventKind, fn func(Event)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.handlers[kind]
			for i, s := range subs {
				if s.id == id {
					d.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// publish runs handlers synchronously, in registration order. A panicking
// handler does not affect the others.
func (d *eventDispatcher) publish(ev Event) {
	d.mu.RLock()
	subs := append([]subscription(nil), d.handlers[ev.Kind()]...)
	d.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[TRANSPORT] %s handler panicked: %v", ev.Kind(), r)
				}
			}()
			s.fn(ev)
		}()
	}
}

// ============================================================================
// Transport
// ============================================================================

// Stream is the live event channel of one conversation.
type Stream interface {
	Subscriber
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, cmd Command) error
	State() TransportState
}

// Transport is the websocket stream bound to a single conversation. It
// reconnects with linear backoff after unexpected closes. Once Disconnect is
// called the instance is spent; open a new Transport for the next session.
type Transport struct {
	conversationID ID
	config         TransportConfig
	dispatcher     *eventDispatcher

	mu       sync.Mutex
	state    TransportState
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	backoff  *time.Timer
	attempt  int
	session  uint64
	closed   bool
}

var _ Stream = (*Transport)(nil)

// NewTransport creates an idle transport. Call Connect to open it.
func NewTransport(conversationID ID, config TransportConfig) *Transport {
	cfg := config
	cfg.defaults()
	return &Transport{
		conversationID: conversationID,
		config:         cfg,
		dispatcher:     newEventDispatcher(),
		state:          StateIdle,
	}
}

// ConversationID returns the conversation this transport is bound to.
func (t *Transport) ConversationID() ID { return t.conversationID }

// Subscribe registers a handler for one event kind. Handlers run on the
// transport's read goroutine in arrival order.
func (t *Transport) Subscribe(kind EventKind, fn func(Event)) func() {
	return t.dispatcher.subscribe(kind, fn)
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the socket. A failed dial enters the reconnect path like any
// other unexpected close.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	if t.backoff != nil {
		t.backoff.Stop()
		t.backoff = nil
	}
	t.attempt = 0
	t.state = StateConnecting
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()

	token, err := t.config.Tokens.AccessToken(ctx)
	if err != nil {
		t.connectionLost(sess, 0, err.Error())
		return errors.Wrap(err, "access token")
	}

	opts := &websocket.DialOptions{HTTPClient: t.config.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.url(token), opts)
	cancel()
	if err != nil {
		jww.WARN.Printf("[TRANSPORT] dial conversation %s failed: %v", t.conversationID, err)
		t.connectionLost(sess, 0, err.Error())
		return errors.Wrap(err, "websocket dial")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrTransportClosed
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancelFn = connCancel
	t.state = StateOpen
	t.attempt = 0
	t.session++
	sess = t.session
	t.mu.Unlock()

	jww.INFO.Printf("[TRANSPORT] connected to conversation %s", t.conversationID)
	t.dispatcher.publish(ConnectedEvent{ConversationID: t.conversationID})

	go t.readLoop(connCtx, conn, sess)
	if t.config.HeartbeatInterval > 0 {
		go t.heartbeatLoop(connCtx, conn, sess)
	}
	return nil
}

func (t *Transport) url(token string) string {
	base := strings.Replace(t.config.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := strings.TrimRight(base, "/") + "/ws/chat/" + url.PathEscape(string(t.conversationID)) + "/"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// Disconnect closes the socket and cancels any pending reconnect. It is
// idempotent.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.backoff != nil {
		t.backoff.Stop()
		t.backoff = nil
	}
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.cancelFn = nil
	if conn != nil {
		t.state = StateClosing
	} else {
		t.state = StateClosed
	}
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	}
	if cancel != nil {
		cancel()
	}

	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()

	jww.INFO.Printf("[TRANSPORT] disconnected from conversation %s", t.conversationID)
	t.dispatcher.publish(DisconnectedEvent{
		ConversationID: t.conversationID,
		Code:           int(websocket.StatusNormalClosure),
		Reason:         "client disconnect",
	})
	if err != nil {
		return errors.Wrap(err, "websocket close")
	}
	return nil
}

// Send writes a command. Commands sent while the socket is not open are
// dropped and ErrNotConnected is returned.
func (t *Transport) Send(ctx context.Context, cmd Command) error {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		jww.DEBUG.Printf("[TRANSPORT] dropping %q command, transport not open", cmd.Type)
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "failed to marshal command")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return errors.Wrapf(err, "send %q", cmd.Type)
	}
	return nil
}

func (t *Transport) current(sess uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.session == sess
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, sess uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !t.current(sess) {
				return
			}
			code := int(websocket.CloseStatus(err))
			jww.WARN.Printf("[TRANSPORT] conversation %s connection lost: %v", t.conversationID, err)
			t.connectionLost(sess, code, err.Error())
			return
		}

		ev, err := parseEvent(data)
		if err != nil {
			jww.WARN.Printf("[TRANSPORT] dropping malformed frame: %v", err)
			continue
		}
		if ev == nil {
			jww.TRACE.Printf("[TRANSPORT] ignoring frame %s", truncate(string(data), 80))
			continue
		}
		if !t.current(sess) {
			return
		}
		t.dispatcher.publish(ev)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sess uint64) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.current(sess) {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				jww.WARN.Printf("[TRANSPORT] heartbeat failed: %v", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// connectionLost moves an unexpectedly closed session to closed and, if
// attempts remain, into backoff with a delay of attempt × base delay.
func (t *Transport) connectionLost(sess uint64, code int, reason string) {
	t.mu.Lock()
	if t.closed || t.session != sess {
		t.mu.Unlock()
		return
	}
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.conn = nil
	t.state = StateClosed

	retry := !t.config.DisableReconnect && t.attempt < t.config.MaxReconnectAttempts
	var attempt int
	var delay time.Duration
	if retry {
		t.attempt++
		attempt = t.attempt
		delay = time.Duration(attempt) * t.config.ReconnectBaseDelay
		t.state = StateBackoff
	}
	t.mu.Unlock()

	t.dispatcher.publish(DisconnectedEvent{
		ConversationID: t.conversationID,
		Code:           code,
		Reason:         reason,
		WillRetry:      retry,
	})

	if !retry {
		if !t.config.DisableReconnect {
			jww.ERROR.Printf("[TRANSPORT] conversation %s: giving up after %d reconnect attempts",
				t.conversationID, t.config.MaxReconnectAttempts)
			t.dispatcher.publish(ErrorEvent{Message: "reconnect attempts exhausted"})
		}
		return
	}

	jww.INFO.Printf("[TRANSPORT] conversation %s: reconnect attempt %d in %s", t.conversationID, attempt, delay)
	t.dispatcher.publish(ReconnectingEvent{Attempt: attempt, Delay: delay})

	t.mu.Lock()
	if !t.closed && t.state == StateBackoff && t.session == sess {
		t.backoff = time.AfterFunc(delay, t.reconnect)
	}
	t.mu.Unlock()
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.closed || t.state != StateBackoff {
		t.mu.Unlock()
		return
	}
	t.backoff = nil
	t.state = StateConnecting
	t.mu.Unlock()

	_ = t.dial(context.Background())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
