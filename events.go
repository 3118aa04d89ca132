package chatsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Event kinds
// ============================================================================

// EventKind enumerates everything a Transport can publish.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventReconnecting
	EventNewMessage
	EventTyping
	EventReadReceipt
	EventMessageEdited
	EventMessageDeleted
	EventUserStatus
	EventError
)

var eventKindNames = map[EventKind]string{
	EventConnected:      "connected",
	EventDisconnected:   "disconnected",
	EventReconnecting:   "reconnecting",
	EventNewMessage:     "new_message",
	EventTyping:         "typing",
	EventReadReceipt:    "read_receipt",
	EventMessageEdited:  "message_edited",
	EventMessageDeleted: "message_deleted",
	EventUserStatus:     "user_status",
	EventError:          "error",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is implemented by exactly one payload type per EventKind.
type Event interface {
	Kind() EventKind
}

// ConnectedEvent is published when the socket opens.
type ConnectedEvent struct {
	ConversationID ID
}

// DisconnectedEvent is published when the socket closes. WillRetry is false
// for deliberate disconnects and once reconnect attempts are exhausted.
type DisconnectedEvent struct {
	ConversationID ID
	Code           int
	Reason         string
	WillRetry      bool
}

// ReconnectingEvent is published when a reconnect is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// NewMessageEvent carries a message pushed by the server.
type NewMessageEvent struct {
	Message Message
}

// TypingEvent reports another participant's typing state.
type TypingEvent struct {
	UserID   ID
	Username string
	IsTyping bool
}

// ReadReceiptEvent reports that a user read a batch of messages.
type ReadReceiptEvent struct {
	UserID     ID
	Username   string
	MessageIDs []ID
	ReadAt     time.Time
}

// MessageEditedEvent reports an edit.
type MessageEditedEvent struct {
	MessageID ID
	Content   string
	EditedBy  ID
	EditedAt  time.Time
}

// MessageDeletedEvent reports a soft delete.
type MessageDeletedEvent struct {
	MessageID ID
	DeletedBy ID
}

// UserStatusEvent reports a participant going online or offline.
type UserStatusEvent struct {
	UserID   ID
	Username string
	IsOnline bool
}

// ErrorEvent carries a server-side error message or a local transport failure.
type ErrorEvent struct {
	Message string
}

func (ConnectedEvent) Kind() EventKind      { return EventConnected }
func (DisconnectedEvent) Kind() EventKind   { return EventDisconnected }
func (ReconnectingEvent) Kind() EventKind   { return EventReconnecting }
func (NewMessageEvent) Kind() EventKind     { return EventNewMessage }
func (TypingEvent) Kind() EventKind         { return EventTyping }
func (ReadReceiptEvent) Kind() EventKind    { return EventReadReceipt }
func (MessageEditedEvent) Kind() EventKind  { return EventMessageEdited }
func (MessageDeletedEvent) Kind() EventKind { return EventMessageDeleted }
func (UserStatusEvent) Kind() EventKind     { return EventUserStatus }
func (ErrorEvent) Kind() EventKind          { return EventError }

// ============================================================================
// Outbound commands
// ============================================================================

// Command is a client-to-server stream frame. Fields are flat on the wire.
type Command struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	ReplyTo    ID     `json:"reply_to,omitempty"`
	MessageID  ID     `json:"message_id,omitempty"`
	MessageIDs []ID   `json:"message_ids,omitempty"`
}

// SendMessageCommand posts a text message.
func SendMessageCommand(content string, replyTo ID) Command {
	return Command{Type: "message", Content: content, ReplyTo: replyTo}
}

// TypingCommand announces that the local user started typing.
func TypingCommand() Command { return Command{Type: "typing"} }

// StopTypingCommand announces that the local user stopped typing.
func StopTypingCommand() Command { return Command{Type: "stop_typing"} }

// ReadCommand marks messages as read.
func ReadCommand(ids ...ID) Command { return Command{Type: "read", MessageIDs: ids} }

// EditCommand edits one of the local user's messages.
func EditCommand(id ID, content string) Command {
	return Command{Type: "edit", MessageID: id, Content: content}
}

// DeleteCommand soft-deletes one of the local user's messages.
func DeleteCommand(id ID) Command { return Command{Type: "delete", MessageID: id} }

// ============================================================================
// Inbound parsing
// ============================================================================

var errMissingField = errors.New("missing required field")

// parseEvent decodes one inbound frame. It returns (nil, nil) for frame types
// the client does not handle and an error for malformed frames.
func parseEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid json")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, errors.New("frame is not an object")
	}

	typ := doc.Get("type").String()
	switch typ {
	case "message":
		raw := doc.Get("message")
		if !raw.IsObject() {
			return nil, errors.Wrap(errMissingField, "message")
		}
		var m Message
		if err := json.Unmarshal([]byte(raw.Raw), &m); err != nil {
			return nil, errors.Wrap(err, "decode message")
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return NewMessageEvent{Message: m}, nil

	case "typing":
		uid, err := requireID(doc, "user_id")
		if err != nil {
			return nil, err
		}
		return TypingEvent{
			UserID:   uid,
			Username: doc.Get("username").String(),
			IsTyping: doc.Get("is_typing").Bool(),
		}, nil

	case "read":
		uid, err := requireID(doc, "user_id")
		if err != nil {
			return nil, err
		}
		ids := doc.Get("message_ids")
		if !ids.IsArray() {
			return nil, errors.Wrap(errMissingField, "message_ids")
		}
		ev := ReadReceiptEvent{
			UserID:   uid,
			Username: doc.Get("username").String(),
			ReadAt:   parseTimestamp(doc.Get("read_at").String()),
		}
		for _, id := range ids.Array() {
			if s := id.String(); s != "" {
				ev.MessageIDs = append(ev.MessageIDs, ID(s))
			}
		}
		return ev, nil

	case "status":
		uid, err := requireID(doc, "user_id")
		if err != nil {
			return nil, err
		}
		return UserStatusEvent{
			UserID:   uid,
			Username: doc.Get("username").String(),
			IsOnline: doc.Get("is_online").Bool(),
		}, nil

	case "edited":
		mid, err := requireID(doc, "message_id")
		if err != nil {
			return nil, err
		}
		return MessageEditedEvent{
			MessageID: mid,
			Content:   doc.Get("content").String(),
			EditedBy:  ID(doc.Get("edited_by").String()),
			EditedAt:  parseTimestamp(doc.Get("edited_at").String()),
		}, nil

	case "deleted":
		mid, err := requireID(doc, "message_id")
		if err != nil {
			return nil, err
		}
		return MessageDeletedEvent{
			MessageID: mid,
			DeletedBy: ID(doc.Get("deleted_by").String()),
		}, nil

	case "error":
		return ErrorEvent{Message: doc.Get("message").String()}, nil
	}
	return nil, nil
}

func requireID(doc gjson.Result, field string) (ID, error) {
	v := doc.Get(field)
	if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
		return "", errors.Wrap(errMissingField, field)
	}
	return ID(v.String()), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
}

// parseTimestamp accepts RFC 3339 and naive ISO 8601 timestamps (taken as
// UTC). Unparseable input yields the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
