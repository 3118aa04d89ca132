package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MinSearchLength is the shortest query sent to user search.
const MinSearchLength = 2

// SelectionState tracks the orchestrator's view of the active conversation.
type SelectionState string

const (
	SelectionNone    SelectionState = "none"
	SelectionLoading SelectionState = "loading"
	SelectionActive  SelectionState = "active"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind names the part of the client state that changed.
type ChangeKind string

const (
	ChangeDirectory  ChangeKind = "directory"
	ChangeSelection  ChangeKind = "selection"
	ChangeTimeline   ChangeKind = "timeline"
	ChangeTyping     ChangeKind = "typing"
	ChangePresence   ChangeKind = "presence"
	ChangeConnection ChangeKind = "connection"
	ChangeError      ChangeKind = "error"
)

// Change tells a renderer what to redraw.
type Change struct {
	Kind           ChangeKind
	ConversationID ID
	Err            error
}

type changeEmitter struct {
	mu        sync.RWMutex
	listeners []func(Change)
}

func (e *changeEmitter) on(fn func(Change)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *changeEmitter) emit(ch Change) {
	e.mu.RLock()
	handlers := e.listeners
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[ENGINE] change listener panicked: %v", r)
				}
			}()
			h(ch)
		}()
	}
}

// ============================================================================
// Engine
// ============================================================================

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Self is the local user's id.
	Self ID

	TypingTTL     time.Duration
	TypingIdle    time.Duration
	MaxUploadSize int64

	// Transport configures per-conversation streams. BaseURL and Tokens
	// default to the DataAPI's.
	Transport TransportConfig
	// NewStream overrides stream construction.
	NewStream func(conversationID ID) Stream

	Now func() time.Time
}

// Engine coordinates the directory, timeline, presence tracker and composer
// with the data API and the live stream of the selected conversation.
//
// Each selection bumps a generation counter. History responses and stream
// events carry the generation they were started under and are dropped once
// it is no longer current, so exactly one stream is live and it always
// belongs to the selected conversation.
type Engine struct {
	api       DataAPI
	opts      EngineOptions
	directory *Directory
	timeline  *Timeline
	presence  *Presence
	composer  *Composer
	emitter   changeEmitter

	mu        sync.Mutex
	gen       uint64
	selection SelectionState
	active    ID
	stream    Stream
	unsubs    []func()
	connState TransportState
}

// NewEngine creates an engine with no conversation selected.
func NewEngine(api DataAPI, opts EngineOptions) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		api:       api,
		opts:      opts,
		directory: NewDirectory(opts.Self),
		timeline:  NewTimeline(opts.Self),
		selection: SelectionNone,
		connState: StateIdle,
	}
	e.presence = NewPresence(opts.Self, opts.TypingTTL, func() {
		e.emit(Change{Kind: ChangeTyping, ConversationID: e.Active()})
	})
	e.composer = newComposer(engineBackend{e}, opts.TypingIdle, opts.MaxUploadSize)
	return e
}

// OnChange registers a listener. Listeners run synchronously and must not
// block; a panicking listener is isolated from the others.
func (e *Engine) OnChange(fn func(Change)) { e.emitter.on(fn) }

func (e *Engine) emit(ch Change) { e.emitter.emit(ch) }

func (e *Engine) Directory() *Directory { return e.directory }
func (e *Engine) Timeline() *Timeline   { return e.timeline }
func (e *Engine) Presence() *Presence   { return e.presence }
func (e *Engine) Composer() *Composer   { return e.composer }

// Active returns the selected conversation id.
func (e *Engine) Active() ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Selection returns the selection state.
func (e *Engine) Selection() SelectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selection
}

// ConnectionState returns the state of the active stream.
func (e *Engine) ConnectionState() TransportState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

// Conversations renders the directory.
func (e *Engine) Conversations() []ConversationRow { return e.directory.Rows(e.opts.Now()) }

// Groups renders the timeline grouped by day.
func (e *Engine) Groups() []DayGroup { return e.timeline.Groups(e.opts.Now()) }

// TypingIndicator renders the typing line.
func (e *Engine) TypingIndicator() string { return e.presence.Indicator() }

// StatusLabel renders the counterpart's online status.
func (e *Engine) StatusLabel() string { return e.presence.StatusLabel() }

// Start loads the directory.
func (e *Engine) Start(ctx context.Context) error {
	return e.Refresh(ctx)
}

// Refresh reloads the directory from the data API.
func (e *Engine) Refresh(ctx context.Context) error {
	err := e.directory.Load(ctx, e.api)
	if err != nil {
		e.emit(Change{Kind: ChangeError, Err: err})
	}
	e.emit(Change{Kind: ChangeDirectory})
	return err
}

// Select makes a conversation active: the previous stream is torn down,
// conversation-scoped state is cleared, history is fetched and only then is
// the new stream opened. A selection superseded while its history is in
// flight returns without touching state.
func (e *Engine) Select(ctx context.Context, id ID) error {
	if id == "" {
		e.Deselect()
		return nil
	}

	conv, _ := e.directory.Get(id)
	var counterpart ID
	var online bool
	if u := conv.Counterpart(e.opts.Self); u != nil {
		counterpart, online = u.ID, u.IsOnline
	}

	e.mu.Lock()
	e.gen++
	gen := e.gen
	old, oldUnsubs := e.stream, e.unsubs
	e.stream, e.unsubs = nil, nil
	e.active = id
	e.selection = SelectionLoading
	e.connState = StateIdle
	e.timeline.Reset(id)
	e.presence.Reset(counterpart, online)
	e.composer.reset()
	e.directory.SetActive(id)
	e.mu.Unlock()

	e.teardown(old, oldUnsubs)
	jww.INFO.Printf("[ENGINE] selecting conversation %s", id)
	e.emit(Change{Kind: ChangeSelection, ConversationID: id})

	history, histErr := e.api.ListMessages(ctx, id)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		jww.DEBUG.Printf("[ENGINE] discarding history for superseded selection %s", id)
		return nil
	}
	if histErr != nil {
		e.timeline.SetError(histErr)
	} else {
		e.timeline.LoadHistory(id, history)
	}
	e.directory.MarkRead(id)
	stream := e.newStream(id)
	e.stream = stream
	e.unsubs = e.subscribe(stream, gen)
	e.selection = SelectionActive
	e.connState = StateConnecting
	e.mu.Unlock()

	e.emit(Change{Kind: ChangeTimeline, ConversationID: id})
	e.emit(Change{Kind: ChangeDirectory})
	if histErr != nil {
		jww.WARN.Printf("[ENGINE] history for %s failed: %v", id, histErr)
		e.emit(Change{Kind: ChangeError, ConversationID: id, Err: histErr})
	}

	if err := stream.Connect(ctx); err != nil && e.isCurrent(gen) {
		jww.WARN.Printf("[ENGINE] stream for %s not connected: %v", id, err)
	}

	if histErr != nil {
		return errors.Wrapf(histErr, "load history for %s", id)
	}
	return nil
}

// Deselect tears down the active stream and returns to no selection.
func (e *Engine) Deselect() {
	e.mu.Lock()
	e.gen++
	old, oldUnsubs := e.stream, e.unsubs
	e.stream, e.unsubs = nil, nil
	e.active = ""
	e.selection = SelectionNone
	e.connState = StateIdle
	e.timeline.Reset("")
	e.presence.Reset("", false)
	e.composer.reset()
	e.directory.SetActive("")
	e.mu.Unlock()

	e.teardown(old, oldUnsubs)
	e.emit(Change{Kind: ChangeSelection})
}

// Close tears down the active stream and stops all timers.
func (e *Engine) Close() error {
	e.Deselect()
	e.presence.Close()
	return nil
}

func (e *Engine) teardown(s Stream, unsubs []func()) {
	for _, u := range unsubs {
		u()
	}
	if s != nil {
		if err := s.Disconnect(); err != nil {
			jww.DEBUG.Printf("[ENGINE] closing previous stream: %v", err)
		}
	}
}

func (e *Engine) isCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}

func (e *Engine) newStream(id ID) Stream {
	if e.opts.NewStream != nil {
		return e.opts.NewStream(id)
	}
	cfg := e.opts.Transport
	if cfg.BaseURL == "" {
		cfg.BaseURL = e.api.BaseURL()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = e.api
	}
	return NewTransport(id, cfg)
}

// CreateConversation creates a conversation and selects it.
func (e *Engine) CreateConversation(ctx context.Context, participants []ID, name string, kind ConversationKind) (*Conversation, error) {
	if kind == "" {
		kind = KindDirect
		if len(participants) > 1 {
			kind = KindGroup
		}
	}
	conv, err := e.directory.Create(ctx, e.api, &CreateConversationRequest{
		ParticipantIDs: participants,
		Name:           name,
		Kind:           kind,
	})
	if err != nil {
		e.emit(Change{Kind: ChangeError, Err: err})
		return nil, err
	}
	e.emit(Change{Kind: ChangeDirectory})
	if err := e.Select(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// AddParticipants adds users to the active group conversation.
func (e *Engine) AddParticipants(ctx context.Context, users []User) ([]ID, error) {
	id := e.Active()
	if id == "" {
		return nil, ErrNoConversation
	}
	added, err := e.directory.AddParticipants(ctx, e.api, id, users)
	if err != nil {
		e.emit(Change{Kind: ChangeError, ConversationID: id, Err: err})
		return nil, err
	}
	e.emit(Change{Kind: ChangeDirectory})
	return added, nil
}

// RemoveParticipant removes a user from the active group conversation.
// Removing the local user leaves the conversation and clears the selection.
func (e *Engine) RemoveParticipant(ctx context.Context, userID ID) error {
	id := e.Active()
	if id == "" {
		return ErrNoConversation
	}
	if err := e.directory.RemoveParticipant(ctx, e.api, id, userID); err != nil {
		e.emit(Change{Kind: ChangeError, ConversationID: id, Err: err})
		return err
	}
	if userID == e.opts.Self {
		e.Deselect()
	}
	e.emit(Change{Kind: ChangeDirectory})
	return nil
}

// SearchUsers queries user search. Queries shorter than MinSearchLength
// return no results without contacting the server.
func (e *Engine) SearchUsers(ctx context.Context, q string) ([]User, error) {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < MinSearchLength {
		return nil, nil
	}
	users, err := e.api.SearchUsers(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	return users, nil
}

// EditMessage asks the server to replace a message's content. The change
// is applied when the edited event comes back.
func (e *Engine) EditMessage(ctx context.Context, id ID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	return engineBackend{e}.sendStream(ctx, EditCommand(id, content))
}

// DeleteMessage asks the server to delete a message.
func (e *Engine) DeleteMessage(ctx context.Context, id ID) error {
	return engineBackend{e}.sendStream(ctx, DeleteCommand(id))
}

// ============================================================================
// Stream event handling
// ============================================================================

func (e *Engine) subscribe(s Stream, gen uint64) []func() {
	return []func(){
		On(s, func(ev ConnectedEvent) { e.handleConnected(gen, s) }),
		On(s, func(ev DisconnectedEvent) { e.handleDisconnected(gen, ev) }),
		On(s, func(ev ReconnectingEvent) { e.handleReconnecting(gen, ev) }),
		On(s, func(ev NewMessageEvent) { e.handleNewMessage(gen, s, ev) }),
		On(s, func(ev TypingEvent) { e.handleTyping(gen, ev) }),
		On(s, func(ev ReadReceiptEvent) { e.handleReadReceipt(gen, ev) }),
		On(s, func(ev MessageEditedEvent) { e.handleEdited(gen, ev) }),
		On(s, func(ev MessageDeletedEvent) { e.handleDeleted(gen, ev) }),
		On(s, func(ev UserStatusEvent) { e.handleStatus(gen, ev) }),
		On(s, func(ev ErrorEvent) { e.handleError(gen, ev) }),
	}
}

// lockCurrent takes the engine lock if gen is still current. On false the
// lock is not held.
func (e *Engine) lockCurrent(gen uint64) bool {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return false
	}
	return true
}

func (e *Engine) handleConnected(gen uint64, s Stream) {
	if !e.lockCurrent(gen) {
		return
	}
	e.connState = StateOpen
	id := e.active
	unread := e.timeline.UnreadFrom()
	e.mu.Unlock()

	e.emit(Change{Kind: ChangeConnection, ConversationID: id})
	e.sendReceipts(s, unread)
}

func (e *Engine) handleDisconnected(gen uint64, ev DisconnectedEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	if ev.WillRetry {
		e.connState = StateBackoff
	} else {
		e.connState = StateClosed
	}
	id := e.active
	e.mu.Unlock()
	e.emit(Change{Kind: ChangeConnection, ConversationID: id})
}

func (e *Engine) handleReconnecting(gen uint64, ev ReconnectingEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	e.connState = StateBackoff
	id := e.active
	e.mu.Unlock()
	jww.DEBUG.Printf("[ENGINE] stream for %s reconnecting, attempt %d", id, ev.Attempt)
	e.emit(Change{Kind: ChangeConnection, ConversationID: id})
}

func (e *Engine) handleNewMessage(gen uint64, s Stream, ev NewMessageEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	id := e.active
	m := ev.Message
	if m.ConversationID != "" && m.ConversationID != id {
		e.directory.UpsertPreview(m.ConversationID, m)
		e.mu.Unlock()
		e.emit(Change{Kind: ChangeDirectory})
		return
	}
	needsReceipt := e.timeline.Append(m)
	e.directory.UpsertPreview(id, m)
	// a message from someone ends their typing state
	typingChanged := e.presence.SetTyping(m.Sender.ID, m.Sender.Username, false)
	e.mu.Unlock()

	e.emit(Change{Kind: ChangeTimeline, ConversationID: id})
	e.emit(Change{Kind: ChangeDirectory})
	if typingChanged {
		e.emit(Change{Kind: ChangeTyping, ConversationID: id})
	}
	if needsReceipt {
		e.sendReceipts(s, []ID{m.ID})
	}
}

func (e *Engine) handleTyping(gen uint64, ev TypingEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	changed := e.presence.SetTyping(ev.UserID, ev.Username, ev.IsTyping)
	id := e.active
	e.mu.Unlock()
	if changed {
		e.emit(Change{Kind: ChangeTyping, ConversationID: id})
	}
}

func (e *Engine) handleReadReceipt(gen uint64, ev ReadReceiptEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	reader := User{ID: ev.UserID, Username: ev.Username}
	readAt := ev.ReadAt
	if readAt.IsZero() {
		readAt = e.opts.Now()
	}
	changed := false
	for _, mid := range ev.MessageIDs {
		if e.timeline.ApplyReadReceipt(mid, reader, readAt) {
			changed = true
		}
	}
	id := e.active
	e.mu.Unlock()
	if changed {
		e.emit(Change{Kind: ChangeTimeline, ConversationID: id})
	}
}

func (e *Engine) handleEdited(gen uint64, ev MessageEditedEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	id := e.active
	changed := e.timeline.ApplyEdit(ev.MessageID, ev.Content, ev.EditedAt)
	e.directory.ApplyEdit(id, ev.MessageID, ev.Content)
	e.mu.Unlock()
	if changed {
		e.emit(Change{Kind: ChangeTimeline, ConversationID: id})
		e.emit(Change{Kind: ChangeDirectory})
	}
}

func (e *Engine) handleDeleted(gen uint64, ev MessageDeletedEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	id := e.active
	changed := e.timeline.ApplyDelete(ev.MessageID)
	e.directory.ApplyDelete(id, ev.MessageID)
	e.mu.Unlock()
	if changed {
		e.emit(Change{Kind: ChangeTimeline, ConversationID: id})
		e.emit(Change{Kind: ChangeDirectory})
	}
}

func (e *Engine) handleStatus(gen uint64, ev UserStatusEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	id := e.active
	changed := e.presence.SetOnline(ev.UserID, ev.IsOnline)
	e.directory.SetOnline(ev.UserID, ev.IsOnline)
	e.mu.Unlock()
	if changed {
		e.emit(Change{Kind: ChangePresence, ConversationID: id})
	}
}

func (e *Engine) handleError(gen uint64, ev ErrorEvent) {
	if !e.lockCurrent(gen) {
		return
	}
	id := e.active
	e.mu.Unlock()
	jww.WARN.Printf("[ENGINE] stream error in %s: %s", id, ev.Message)
	e.emit(Change{Kind: ChangeError, ConversationID: id, Err: errors.New(ev.Message)})
}

// sendReceipts acknowledges messages over the stream. Only acknowledged ids
// are recorded locally; the rest are retried on the next connect.
func (e *Engine) sendReceipts(s Stream, ids []ID) {
	if len(ids) == 0 {
		return
	}
	if err := s.Send(context.Background(), ReadCommand(ids...)); err != nil {
		jww.DEBUG.Printf("[ENGINE] read receipt for %d messages deferred: %v", len(ids), err)
		return
	}
	e.timeline.MarkReadLocally(ids, e.opts.Now())
}

// ============================================================================
// Composer backend
// ============================================================================

type engineBackend struct{ e *Engine }

func (b engineBackend) activeConversation() ID {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	if b.e.selection == SelectionNone {
		return ""
	}
	return b.e.active
}

func (b engineBackend) sendStream(ctx context.Context, cmd Command) error {
	b.e.mu.Lock()
	s := b.e.stream
	b.e.mu.Unlock()
	if s == nil {
		jww.DEBUG.Printf("[ENGINE] dropping %q command, no stream", cmd.Type)
		return ErrNotConnected
	}
	return s.Send(ctx, cmd)
}

func (b engineBackend) sendWithAttachments(ctx context.Context, conversationID ID, msg OutgoingMessage) error {
	return b.e.api.SendWithAttachments(ctx, conversationID, msg)
}
