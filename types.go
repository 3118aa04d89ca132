package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the data API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

var (
	// ErrNotConnected is returned by Transport.Send when the socket is not open.
	ErrNotConnected = errors.New("transport not connected")
	// ErrTransportClosed is returned when a disconnected transport is reused.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSessionExpired means the refresh token was rejected and the session is gone.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoConversation is returned by operations that need a selected conversation.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrFileTooLarge is returned when staging a file over the upload limit.
	ErrFileTooLarge = errors.New("file exceeds upload limit")
	// ErrEmptyMessage is returned for a message with neither content nor attachments.
	ErrEmptyMessage = errors.New("message has no content and no attachments")
)

// ID is an opaque identifier. The server emits integer ids for users and
// conversations and UUIDs for messages; both decode into the same string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return errors.Errorf("invalid id %s", data)
	}
	*id = ID(data)
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Users
// ============================================================================

// User is a participant as seen by the client.
type User struct {
	ID        ID        `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Initials returns up to two uppercase letters derived from the username.
func (u User) Initials() string {
	return initials(u.Username)
}

func initials(name string) string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '.'
	})
	var out []rune
	for _, f := range fields {
		out = append(out, []rune(strings.ToUpper(f))[0])
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes direct and group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// LastMessage is the directory's preview of a conversation's latest message.
type LastMessage struct {
	ID          ID          `json:"id"`
	Content     string      `json:"content"`
	Sender      string      `json:"sender"`
	CreatedAt   time.Time   `json:"created_at"`
	MessageType MessageType `json:"message_type"`
}

// Conversation is a directory entry.
type Conversation struct {
	ID               ID               `json:"id"`
	Name             string           `json:"name"`
	Kind             ConversationKind `json:"type"`
	Participants     []User           `json:"participants"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	LastMessage      *LastMessage     `json:"last_message"`
	UnreadCount      int              `json:"unread_count"`
	OtherParticipant *User            `json:"other_participant"`
}

// Counterpart returns the other user of a direct conversation, or nil.
func (c *Conversation) Counterpart(self ID) *User {
	if c.Kind != KindDirect {
		return nil
	}
	if c.OtherParticipant != nil {
		return c.OtherParticipant
	}
	for i := range c.Participants {
		if c.Participants[i].ID != self {
			return &c.Participants[i]
		}
	}
	return nil
}

// CreateConversationRequest is the payload for creating a conversation.
type CreateConversationRequest struct {
	ParticipantIDs []ID             `json:"participant_ids"`
	Name           string           `json:"name,omitempty"`
	Kind           ConversationKind `json:"type"`
	InitialMessage string           `json:"initial_message,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageType classifies a message body.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// AttachmentKind classifies an attachment by MIME family.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
	AttachmentOther    AttachmentKind = "other"
)

var documentMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain": true,
}

// AttachmentKindFor maps a MIME type to an attachment kind.
func AttachmentKindFor(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	case documentMimeTypes[mimeType]:
		return AttachmentDocument
	}
	return AttachmentOther
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID        ID             `json:"id"`
	File      string         `json:"file,omitempty"`
	FileURL   string         `json:"file_url"`
	FileName  string         `json:"file_name"`
	FileSize  int64          `json:"file_size"`
	FileType  string         `json:"file_type"`
	Kind      AttachmentKind `json:"attachment_type"`
	Thumbnail string         `json:"thumbnail,omitempty"`
	Width     int            `json:"width,omitempty"`
	Height    int            `json:"height,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// ReplyPreview is the abbreviated form of a replied-to message.
type ReplyPreview struct {
	ID          ID          `json:"id"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	User   User      `json:"user"`
	ReadAt time.Time `json:"read_at"`
}

// Message is a single timeline entry.
type Message struct {
	ID             ID            `json:"id"`
	ConversationID ID            `json:"conversation"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content"`
	MessageType    MessageType   `json:"message_type"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	IsEdited       bool          `json:"is_edited"`
	IsDeleted      bool          `json:"is_deleted"`
	ReplyTo        ID            `json:"reply_to,omitempty"`
	ReplyPreview   *ReplyPreview `json:"reply_to_preview,omitempty"`
	Attachments    []Attachment  `json:"attachments"`
	ReadReceipts   []ReadReceipt `json:"read_receipts"`
	IsRead         bool          `json:"is_read"`
}

// Validate enforces that a live message carries content or attachments.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message has no id")
	}
	if m.IsDeleted || m.MessageType == MessageSystem {
		return nil
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

// ReadBy reports whether the user has a receipt on the message.
func (m *Message) ReadBy(user ID) bool {
	for _, r := range m.ReadReceipts {
		if r.User.ID == user {
			return true
		}
	}
	return false
}

// Preview builds the directory preview for this message.
func (m *Message) Preview() *LastMessage {
	mt := m.MessageType
	if mt == "" || mt == MessageText {
		if len(m.Attachments) > 0 {
			mt = MessageFile
			if m.Attachments[0].Kind == AttachmentImage {
				mt = MessageImage
			}
		} else {
			mt = MessageText
		}
	}
	return &LastMessage{
		ID:          m.ID,
		Content:     m.Content,
		Sender:      m.Sender.Username,
		CreatedAt:   m.CreatedAt,
		MessageType: mt,
	}
}

// OutgoingMessage is what the composer hands to the data API for
// messages carrying attachments.
type OutgoingMessage struct {
	Content string
	ReplyTo ID
	Files   []StagedFile
}
