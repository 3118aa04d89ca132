package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	previewLimit       = 40
	deletedPlaceholder = "This message was deleted"
)

// ConversationLister fetches the directory snapshot.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// ConversationCreator creates conversations.
type ConversationCreator interface {
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
}

// Directory is the client's list of conversations, ordered by recency. It is
// the only writer of previews and unread counts.
type Directory struct {
	mu            sync.RWMutex
	self          ID
	conversations []*Conversation
	active        ID
	err           error
}

// NewDirectory creates an empty directory for the given local user.
func NewDirectory(self ID) *Directory {
	return &Directory{self: self}
}

// Load replaces the directory with a fresh snapshot. On failure the previous
// list is kept and Err reports the failure.
func (d *Directory) Load(ctx context.Context, api ConversationLister) error {
	list, err := api.ListConversations(ctx)
	if err != nil {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		jww.WARN.Printf("[DIRECTORY] load failed: %v", err)
		return errors.Wrap(err, "load conversations")
	}
	d.Replace(list)
	jww.DEBUG.Printf("[DIRECTORY] loaded %d conversations", len(list))
	return nil
}

// Replace swaps in a full snapshot, preserving server order.
func (d *Directory) Replace(list []Conversation) {
	convs := make([]*Conversation, len(list))
	for i := range list {
		c := list[i]
		convs[i] = &c
	}
	d.mu.Lock()
	d.conversations = convs
	d.err = nil
	d.mu.Unlock()
}

// Err returns the last load failure, if any.
func (d *Directory) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.err
}

// Create asks the server for a new conversation, puts it at the front and
// makes it active. If the server returns an existing conversation it is
// moved to the front instead of duplicated.
func (d *Directory) Create(ctx context.Context, api ConversationCreator, req *CreateConversationRequest) (*Conversation, error) {
	conv, err := api.CreateConversation(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "create conversation")
	}
	d.mu.Lock()
	if i := d.indexLocked(conv.ID); i >= 0 {
		d.conversations = append(d.conversations[:i], d.conversations[i+1:]...)
	}
	c := *conv
	d.conversations = append([]*Conversation{&c}, d.conversations...)
	d.active = conv.ID
	d.mu.Unlock()
	return conv, nil
}

// ParticipantManager changes the membership of group conversations.
type ParticipantManager interface {
	AddParticipants(ctx context.Context, conversationID ID, userIDs []ID) ([]ID, error)
	RemoveParticipant(ctx context.Context, conversationID, userID ID) error
}

// AddParticipants adds users to a group conversation. Only the users the
// server reports as newly added join the local participant list.
func (d *Directory) AddParticipants(ctx context.Context, api ParticipantManager, conversationID ID, users []User) ([]ID, error) {
	if len(users) == 0 {
		return nil, nil
	}
	want := make([]ID, len(users))
	for i, u := range users {
		want[i] = u.ID
	}
	added, err := api.AddParticipants(ctx, conversationID, want)
	if err != nil {
		return nil, errors.Wrapf(err, "add participants to %s", conversationID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		return added, nil
	}
	c := d.conversations[i]
	for _, id := range added {
		if participantIndex(c.Participants, id) >= 0 {
			continue
		}
		for _, u := range users {
			if u.ID == id {
				c.Participants = append(c.Participants, u)
				break
			}
		}
	}
	jww.DEBUG.Printf("[DIRECTORY] added %d participants to %s", len(added), conversationID)
	return added, nil
}

// RemoveParticipant removes a user from a group conversation. Removing the
// local user leaves the conversation, which drops it from the directory.
func (d *Directory) RemoveParticipant(ctx context.Context, api ParticipantManager, conversationID, userID ID) error {
	if err := api.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return errors.Wrapf(err, "remove participant %s from %s", userID, conversationID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		return nil
	}
	if userID == d.self {
		d.conversations = append(d.conversations[:i], d.conversations[i+1:]...)
		if d.active == conversationID {
			d.active = ""
		}
		jww.INFO.Printf("[DIRECTORY] left conversation %s", conversationID)
		return nil
	}
	c := d.conversations[i]
	if j := participantIndex(c.Participants, userID); j >= 0 {
		c.Participants = append(c.Participants[:j:j], c.Participants[j+1:]...)
	}
	return nil
}

func participantIndex(users []User, id ID) int {
	for i := range users {
		if users[i].ID == id {
			return i
		}
	}
	return -1
}

// UpsertPreview records a new latest message for a conversation and moves it
// to the front. Foreign messages in inactive conversations bump the unread
// count. It returns false if the conversation is unknown.
func (d *Directory) UpsertPreview(conversationID ID, m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(conversationID)
	if i < 0 {
		return false
	}
	c := d.conversations[i]
	if c.LastMessage != nil && c.LastMessage.ID == m.ID {
		c.LastMessage = m.Preview()
		return true
	}
	c.LastMessage = m.Preview()
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	if m.Sender.ID != d.self && conversationID != d.active {
		c.UnreadCount++
	}
	copy(d.conversations[1:i+1], d.conversations[:i])
	d.conversations[0] = c
	return true
}

// ApplyEdit updates the preview if it shows the edited message.
func (d *Directory) ApplyEdit(conversationID, messageID ID, content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(conversationID); i >= 0 {
		if lm := d.conversations[i].LastMessage; lm != nil && lm.ID == messageID {
			lm.Content = content
		}
	}
}

// ApplyDelete replaces the preview body if it shows the deleted message.
func (d *Directory) ApplyDelete(conversationID, messageID ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(conversationID); i >= 0 {
		if lm := d.conversations[i].LastMessage; lm != nil && lm.ID == messageID {
			lm.Content = deletedPlaceholder
			lm.MessageType = MessageText
		}
	}
}

// MarkRead clears the unread count of a conversation.
func (d *Directory) MarkRead(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		d.conversations[i].UnreadCount = 0
	}
}

// SetActive marks the conversation shown in the timeline.
func (d *Directory) SetActive(id ID) {
	d.mu.Lock()
	d.active = id
	d.mu.Unlock()
}

func (d *Directory) Active() ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// Get returns a copy of a conversation.
func (d *Directory) Get(id ID) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexLocked(id); i >= 0 {
		return *d.conversations[i], true
	}
	return Conversation{}, false
}

// List returns a copy of all conversations in display order.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.conversations))
	for i, c := range d.conversations {
		out[i] = *c
	}
	return out
}

// SetOnline updates the cached online flag of a user across conversations.
func (d *Directory) SetOnline(user ID, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conversations {
		if c.OtherParticipant != nil && c.OtherParticipant.ID == user {
			c.OtherParticipant.IsOnline = online
		}
		for i := range c.Participants {
			if c.Participants[i].ID == user {
				c.Participants[i].IsOnline = online
			}
		}
	}
}

func (d *Directory) indexLocked(id ID) int {
	for i, c := range d.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// ============================================================================
// Rendering
// ============================================================================

// ConversationRow is a render-ready directory entry.
type ConversationRow struct {
	ID          ID
	Title       string
	Avatar      Avatar
	Preview     string
	Unread      int
	Online      bool
	Active      bool
	LastUpdated string
}

// Avatar is either an image URL or fallback initials.
type Avatar struct {
	URL      string
	Initials string
}

// Rows renders the directory relative to now.
func (d *Directory) Rows(now time.Time) []ConversationRow {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows := make([]ConversationRow, 0, len(d.conversations))
	for _, c := range d.conversations {
		row := ConversationRow{
			ID:      c.ID,
			Title:   DisplayName(c, d.self),
			Avatar:  AvatarFor(c, d.self),
			Preview: PreviewText(c, d.self),
			Unread:  c.UnreadCount,
			Active:  c.ID == d.active,
		}
		if u := c.Counterpart(d.self); u != nil {
			row.Online = u.IsOnline
		}
		if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
			row.LastUpdated = humanize.RelTime(c.LastMessage.CreatedAt, now, "ago", "from now")
		}
		rows = append(rows, row)
	}
	return rows
}

// DisplayName is the explicit conversation name if set, else the
// counterpart's username for direct conversations, else the member list.
func DisplayName(c *Conversation, self ID) string {
	if c.Name != "" {
		return c.Name
	}
	if u := c.Counterpart(self); u != nil && u.Username != "" {
		return u.Username
	}
	var names []string
	for _, p := range c.Participants {
		if p.ID != self {
			names = append(names, p.Username)
		}
	}
	if len(names) > 0 {
		return strings.Join(names, ", ")
	}
	return "Conversation " + string(c.ID)
}

// AvatarFor returns the counterpart's avatar for direct conversations and
// initials of the display name otherwise.
func AvatarFor(c *Conversation, self ID) Avatar {
	if u := c.Counterpart(self); u != nil {
		return Avatar{URL: u.Avatar, Initials: u.Initials()}
	}
	return Avatar{Initials: initials(DisplayName(c, self))}
}

// PreviewText renders the last-message line, at most 40 characters.
func PreviewText(c *Conversation, self ID) string {
	lm := c.LastMessage
	if lm == nil {
		return "No messages yet"
	}
	var body string
	switch lm.MessageType {
	case MessageImage:
		body = "📷 Photo"
	case MessageFile:
		body = "📎 File"
	default:
		body = strings.Join(strings.Fields(lm.Content), " ")
	}
	if c.Kind == KindGroup && lm.Sender != "" {
		sender := lm.Sender
		if u := userByName(c.Participants, lm.Sender); u != nil && u.ID == self {
			sender = "You"
		}
		body = sender + ": " + body
	}
	return ellipsize(body, previewLimit)
}

func userByName(users []User, name string) *User {
	for i := range users {
		if users[i].Username == name {
			return &users[i]
		}
	}
	return nil
}

// ellipsize shortens s to at most n runes, ending in an ellipsis when cut.
func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
