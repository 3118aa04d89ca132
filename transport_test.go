package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// wsServer is a chat stream endpoint that records connections and frames.
type wsServer struct {
	srv      *httptest.Server
	reject   atomic.Bool
	received chan string
	requests chan *http.Request

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		received: make(chan string, 64),
		requests: make(chan *http.Request, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.requests <- r
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) waitConns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.connCount() == n }, 3*time.Second, 5*time.Millisecond)
}

func (s *wsServer) last() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) push(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, s.last().Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func testTransport(s *wsServer, cfg TransportConfig) *Transport {
	cfg.BaseURL = s.srv.URL
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("tok")
	}
	cfg.HeartbeatInterval = -1
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = 10 * time.Millisecond
	}
	return NewTransport("7", cfg)
}

func record(s Subscriber, kinds ...EventKind) chan Event {
	ch := make(chan Event, 64)
	for _, k := range kinds {
		s.Subscribe(k, func(ev Event) { ch <- ev })
	}
	return ch
}

func nextEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

var allKinds = []EventKind{
	EventConnected, EventDisconnected, EventReconnecting, EventNewMessage, EventTyping,
	EventReadReceipt, EventMessageEdited, EventMessageDeleted, EventUserStatus, EventError,
}

func TestTransportConnectAndReceive(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{})
	events := record(tr, allKinds...)

	require.Equal(t, StateIdle, tr.State())
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	require.Equal(t, StateOpen, tr.State())
	require.Equal(t, ConnectedEvent{ConversationID: "7"}, nextEvent(t, events))

	req := <-s.requests
	require.Equal(t, "/ws/chat/7/", req.URL.Path)
	require.Equal(t, "tok", req.URL.Query().Get("token"))
	require.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	s.push(t, `{"type":"typing","user_id":2,"username":"bob","is_typing":true}`)
	s.push(t, `{"type":"typing","user_id":`)
	s.push(t, `{"type":"conversation_update"}`)
	s.push(t, `{"type":"message","message":{"id":"m1","sender":{"id":2,"username":"bob"},"content":"hi","created_at":"2024-03-01T10:00:00Z"}}`)
	s.push(t, `{"type":"deleted","message_id":"m1","deleted_by":2}`)

	require.Equal(t, TypingEvent{UserID: "2", Username: "bob", IsTyping: true}, nextEvent(t, events))
	nm := nextEvent(t, events).(NewMessageEvent)
	require.Equal(t, ID("m1"), nm.Message.ID)
	require.Equal(t, MessageDeletedEvent{MessageID: "m1", DeletedBy: "2"}, nextEvent(t, events))
}

func TestTransportSend(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{})

	t.Run("dropped before connect", func(t *testing.T) {
		require.ErrorIs(t, tr.Send(context.Background(), TypingCommand()), ErrNotConnected)
	})

	require.NoError(t, tr.Connect(context.Background()))

	t.Run("written when open", func(t *testing.T) {
		require.NoError(t, tr.Send(context.Background(), SendMessageCommand("hello", "m0")))
		select {
		case frame := <-s.received:
			require.JSONEq(t, `{"type":"message","content":"hello","reply_to":"m0"}`, frame)
		case <-time.After(3 * time.Second):
			t.Fatal("frame not received")
		}
	})

	require.NoError(t, tr.Disconnect())

	t.Run("dropped after disconnect", func(t *testing.T) {
		require.ErrorIs(t, tr.Send(context.Background(), TypingCommand()), ErrNotConnected)
		require.Equal(t, StateClosed, tr.State())
	})
}

func TestTransportReconnectsAfterServerClose(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{ReconnectBaseDelay: 20 * time.Millisecond})
	events := record(tr, EventConnected, EventDisconnected, EventReconnecting)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	nextEvent(t, events)
	s.waitConns(t, 1)

	go s.last().Close(websocket.StatusGoingAway, "restart")

	dis := nextEvent(t, events).(DisconnectedEvent)
	require.True(t, dis.WillRetry)
	require.Equal(t, int(websocket.StatusGoingAway), dis.Code)
	require.Equal(t, ReconnectingEvent{Attempt: 1, Delay: 20 * time.Millisecond}, nextEvent(t, events))
	require.Equal(t, ConnectedEvent{ConversationID: "7"}, nextEvent(t, events))
	require.Equal(t, StateOpen, tr.State())
	s.waitConns(t, 2)

	// counter was reset by the successful open
	go s.last().Close(websocket.StatusGoingAway, "restart")
	nextEvent(t, events)
	require.Equal(t, ReconnectingEvent{Attempt: 1, Delay: 20 * time.Millisecond}, nextEvent(t, events))
}

func TestTransportGivesUpAfterMaxAttempts(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{MaxReconnectAttempts: 3})
	events := record(tr, EventDisconnected, EventReconnecting, EventError)

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	s.waitConns(t, 1)
	s.reject.Store(true)
	go s.last().Close(websocket.StatusGoingAway, "down")

	var attempts []ReconnectingEvent
	for {
		ev := nextEvent(t, events)
		if r, ok := ev.(ReconnectingEvent); ok {
			attempts = append(attempts, r)
		}
		if _, ok := ev.(ErrorEvent); ok {
			break
		}
	}
	require.Equal(t, []ReconnectingEvent{
		{Attempt: 1, Delay: 10 * time.Millisecond},
		{Attempt: 2, Delay: 20 * time.Millisecond},
		{Attempt: 3, Delay: 30 * time.Millisecond},
	}, attempts)
	require.Equal(t, StateClosed, tr.State())
	require.Equal(t, 1, s.connCount())
}

func TestTransportDisconnectCancelsPendingReconnect(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{ReconnectBaseDelay: 200 * time.Millisecond})
	events := record(tr, EventReconnecting)

	require.NoError(t, tr.Connect(context.Background()))
	s.waitConns(t, 1)
	go s.last().Close(websocket.StatusGoingAway, "restart")
	nextEvent(t, events)
	require.Equal(t, StateBackoff, tr.State())

	require.NoError(t, tr.Disconnect())
	require.Equal(t, StateClosed, tr.State())

	time.Sleep(400 * time.Millisecond)
	require.Equal(t, 1, s.connCount())
	require.Equal(t, StateClosed, tr.State())
	require.ErrorIs(t, tr.Connect(context.Background()), ErrTransportClosed)
}

func TestTransportDeliberateDisconnect(t *testing.T) {
	s := newWSServer(t)
	tr := testTransport(s, TransportConfig{})
	events := record(tr, EventTyping, EventDisconnected)

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect())
	dis := nextEvent(t, events).(DisconnectedEvent)
	require.False(t, dis.WillRetry)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransportInitialDialFailure(t *testing.T) {
	s := newWSServer(t)
	s.reject.Store(true)
	tr := testTransport(s, TransportConfig{DisableReconnect: true})
	events := record(tr, EventDisconnected, EventReconnecting, EventError)

	require.Error(t, tr.Connect(context.Background()))
	dis := nextEvent(t, events).(DisconnectedEvent)
	require.False(t, dis.WillRetry)
	require.Equal(t, StateClosed, tr.State())

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportURL(t *testing.T) {
	tr := NewTransport("12", TransportConfig{BaseURL: "https://chat.example.com/"})
	require.Equal(t, "wss://chat.example.com/ws/chat/12/?token=a%2Bb", tr.url("a+b"))
	require.Equal(t, "wss://chat.example.com/ws/chat/12/", tr.url(""))
}

func TestDispatcherUnsubscribeAndPanics(t *testing.T) {
	d := newEventDispatcher()
	var got []string
	d.subscribe(EventTyping, func(Event) { panic("boom") })
	unsub := d.subscribe(EventTyping, func(Event) { got = append(got, "a") })
	d.subscribe(EventTyping, func(Event) { got = append(got, "b") })

	d.publish(TypingEvent{})
	unsub()
	unsub()
	d.publish(TypingEvent{})
	require.Equal(t, []string{"a", "b", "b"}, got)
}
