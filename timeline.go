package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	jww "github.com/spf13/jwalterweatherman"
)

// Timeline holds the ordered messages of the active conversation.
type Timeline struct {
	mu             sync.RWMutex
	self           ID
	conversationID ID
	messages       []*Message
	byID           map[ID]*Message
	err            error
}

// NewTimeline creates an empty timeline for the given local user.
func NewTimeline(self ID) *Timeline {
	return &Timeline{self: self, byID: make(map[ID]*Message)}
}

// Reset empties the timeline and binds it to a conversation.
func (t *Timeline) Reset(conversationID ID) {
	t.mu.Lock()
	t.conversationID = conversationID
	t.messages = nil
	t.byID = make(map[ID]*Message)
	t.err = nil
	t.mu.Unlock()
}

// ConversationID returns the conversation the timeline is bound to.
func (t *Timeline) ConversationID() ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conversationID
}

// LoadHistory replaces the timeline with history, ordered oldest first.
func (t *Timeline) LoadHistory(conversationID ID, history []Message) {
	msgs := make([]*Message, 0, len(history))
	byID := make(map[ID]*Message, len(history))
	for i := range history {
		m := history[i]
		if _, dup := byID[m.ID]; dup {
			continue
		}
		if err := m.Validate(); err != nil {
			jww.WARN.Printf("[TIMELINE] skipping history message %s: %v", m.ID, err)
			continue
		}
		msgs = append(msgs, &m)
		byID[m.ID] = &m
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	t.mu.Lock()
	t.conversationID = conversationID
	t.messages = msgs
	t.byID = byID
	t.err = nil
	t.mu.Unlock()
}

// SetError records a history fetch failure for inline display.
func (t *Timeline) SetError(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Err returns the recorded history failure, if any.
func (t *Timeline) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Append adds a live message. A message whose id is already present replaces
// the existing entry in place, keeping its position and deleted state. Out-of-order arrivals are placed by creation
// time. needsReceipt reports that the message is new and from someone else,
// so a read receipt should be sent.
func (t *Timeline) Append(m Message) (needsReceipt bool) {
	if err := m.Validate(); err != nil {
		jww.WARN.Printf("[TIMELINE] dropping message %s: %v", m.ID, err)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ConversationID != "" && t.conversationID != "" && m.ConversationID != t.conversationID {
		jww.DEBUG.Printf("[TIMELINE] dropping message %s for conversation %s", m.ID, m.ConversationID)
		return false
	}

	if existing, ok := t.byID[m.ID]; ok {
		// the entry keeps its slot and a tombstone stays a tombstone
		m.CreatedAt = existing.CreatedAt
		if existing.IsDeleted {
			m.IsDeleted = true
			m.Content = ""
			m.Attachments = nil
			m.ReplyPreview = nil
		}
		*existing = m
		return false
	}

	msg := &m
	i := len(t.messages)
	for i > 0 && t.messages[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	t.messages = append(t.messages, nil)
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = msg
	t.byID[m.ID] = msg

	return m.Sender.ID != t.self && !m.ReadBy(t.self)
}

// ApplyEdit replaces a message's content. Unknown ids are ignored.
func (t *Timeline) ApplyEdit(id ID, content string, editedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return false
	}
	m.Content = content
	m.IsEdited = true
	if !editedAt.IsZero() {
		m.UpdatedAt = editedAt
	}
	return true
}

// ApplyDelete marks a message deleted in place, clearing its body,
// attachments and reply preview. Unknown ids are ignored.
func (t *Timeline) ApplyDelete(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return false
	}
	m.IsDeleted = true
	m.Content = ""
	m.Attachments = nil
	m.ReplyPreview = nil
	return true
}

// ApplyReadReceipt adds a receipt if the user has none on the message yet.
// It returns true only when a receipt was added.
func (t *Timeline) ApplyReadReceipt(id ID, reader User, readAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok || m.ReadBy(reader.ID) {
		return false
	}
	m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{User: reader, ReadAt: readAt})
	return true
}

// Get returns a copy of a message.
func (t *Timeline) Get(id ID) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.byID[id]; ok {
		return *m, true
	}
	return Message{}, false
}

// Messages returns a copy of the timeline, oldest first.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// UnreadFrom returns ids of live messages from other users that the local
// user has not acknowledged.
func (t *Timeline) UnreadFrom() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []ID
	for _, m := range t.messages {
		if m.Sender.ID != t.self && !m.IsDeleted && !m.ReadBy(t.self) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkReadLocally records the local user's receipt on the given messages so
// they are not acknowledged twice.
func (t *Timeline) MarkReadLocally(ids []ID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if m, ok := t.byID[id]; ok && !m.ReadBy(t.self) {
			m.ReadReceipts = append(m.ReadReceipts, ReadReceipt{User: User{ID: t.self}, ReadAt: at})
		}
	}
}

// Groups returns the timeline grouped by local calendar day.
func (t *Timeline) Groups(now time.Time) []DayGroup {
	return GroupByDay(t.Messages(), now)
}

// ============================================================================
// Day grouping
// ============================================================================

// DayGroup is a run of messages sharing a calendar day.
type DayGroup struct {
	Header   string
	Day      time.Time
	Messages []Message
}

// GroupByDay buckets messages by the calendar day of their creation time in
// now's location. Input order is preserved inside each group.
func GroupByDay(msgs []Message, now time.Time) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		day := startOfDay(m.CreatedAt.In(now.Location()))
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{
			Header:   DayHeader(day, now),
			Day:      day,
			Messages: []Message{m},
		})
	}
	return groups
}

// DayHeader labels a day as "Today", "Yesterday" or e.g. "Monday, January 2, 2006".
func DayHeader(day, now time.Time) string {
	today := startOfDay(now)
	d := startOfDay(day.In(now.Location()))
	switch {
	case d.Equal(today):
		return "Today"
	case d.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	}
	return d.Format("Monday, January 2, 2006")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ============================================================================
// Message rendering
// ============================================================================

// MessageView is a render-ready message.
type MessageView struct {
	ID          ID
	Sender      string
	Mine        bool
	Body        string
	Time        string
	Edited      bool
	Deleted     bool
	Reply       string
	Attachments []string
	ReadBy      []string
}

// Render prepares a message for display. Deleted messages show a
// placeholder with their reply context and attachments suppressed.
func (t *Timeline) Render(m Message) MessageView {
	v := MessageView{
		ID:     m.ID,
		Sender: m.Sender.Username,
		Mine:   m.Sender.ID == t.self,
		Time:   m.CreatedAt.Local().Format("15:04"),
		Edited: m.IsEdited,
	}
	if m.IsDeleted {
		v.Deleted = true
		v.Body = deletedPlaceholder
		return v
	}
	v.Body = m.Content
	if m.ReplyPreview != nil {
		v.Reply = m.ReplyPreview.Sender + ": " + ellipsize(m.ReplyPreview.Content, 60)
	}
	for _, a := range m.Attachments {
		v.Attachments = append(v.Attachments, attachmentLabel(a))
	}
	for _, r := range m.ReadReceipts {
		if r.User.ID != m.Sender.ID && r.User.Username != "" {
			v.ReadBy = append(v.ReadBy, r.User.Username)
		}
	}
	return v
}

func attachmentLabel(a Attachment) string {
	icon := "📎"
	if a.Kind == AttachmentImage {
		icon = "📷"
	}
	if a.FileSize > 0 {
		return icon + " " + a.FileName + " (" + humanize.Bytes(uint64(a.FileSize)) + ")"
	}
	return icon + " " + a.FileName
}
