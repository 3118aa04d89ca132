package chatsync

import (
	"bytes"
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultTypingIdle is how long after the last keystroke stop_typing is sent.
	DefaultTypingIdle = 2 * time.Second
	// DefaultMaxUploadSize is the per-file staging limit.
	DefaultMaxUploadSize int64 = 10 << 20
)

// StagedFile is a file queued for the next send.
type StagedFile struct {
	ID       string
	Name     string
	Size     int64
	MimeType string
	Kind     AttachmentKind
	Open     func() (io.ReadCloser, error)
}

// Label renders the staged file for display, e.g. "report.pdf (1.2 MB)".
func (f StagedFile) Label() string {
	return f.Name + " (" + humanize.Bytes(uint64(f.Size)) + ")"
}

// composerBackend is what the composer transmits through.
type composerBackend interface {
	activeConversation() ID
	sendStream(ctx context.Context, cmd Command) error
	sendWithAttachments(ctx context.Context, conversationID ID, msg OutgoingMessage) error
}

// Composer holds the draft being written and sends it.
type Composer struct {
	backend   composerBackend
	idle      time.Duration
	maxUpload int64

	mu          sync.Mutex
	draft       string
	files       []StagedFile
	replyTo     *Message
	typing      bool
	typingSeq   uint64
	typingTimer *time.Timer
}

func newComposer(backend composerBackend, idle time.Duration, maxUpload int64) *Composer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}
	return &Composer{backend: backend, idle: idle, maxUpload: maxUpload}
}

// SetDraft replaces the draft text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// StageFile queues a file from disk. Its content is read at send time.
func (c *Composer) StageFile(path string) (StagedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return StagedFile{}, errors.Wrapf(err, "stage %s", path)
	}
	if info.IsDir() {
		return StagedFile{}, errors.Errorf("stage %s: is a directory", path)
	}
	name := filepath.Base(path)
	return c.stage(name, info.Size(), func() (io.ReadCloser, error) { return os.Open(path) })
}

// StageBytes queues an in-memory file.
func (c *Composer) StageBytes(name string, data []byte) (StagedFile, error) {
	return c.stage(name, int64(len(data)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (c *Composer) stage(name string, size int64, open func() (io.ReadCloser, error)) (StagedFile, error) {
	if size > c.maxUpload {
		return StagedFile{}, errors.Wrapf(ErrFileTooLarge, "%s is %s, limit %s",
			name, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(c.maxUpload)))
	}
	mt := guessMimeType(name)
	f := StagedFile{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     size,
		MimeType: mt,
		Kind:     AttachmentKindFor(mt),
		Open:     open,
	}
	c.mu.Lock()
	c.files = append(c.files, f)
	c.mu.Unlock()
	return f, nil
}

// Unstage removes a staged file by id.
func (c *Composer) Unstage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.files {
		if f.ID == id {
			c.files = append(c.files[:i], c.files[i+1:]...)
			return true
		}
	}
	return false
}

// StagedFiles returns the queued files.
func (c *Composer) StagedFiles() []StagedFile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StagedFile(nil), c.files...)
}

// SetReplyTo makes the next send a reply to m.
func (c *Composer) SetReplyTo(m Message) {
	c.mu.Lock()
	c.replyTo = &m
	c.mu.Unlock()
}

// CancelReply clears the reply target.
func (c *Composer) CancelReply() {
	c.mu.Lock()
	c.replyTo = nil
	c.mu.Unlock()
}

// ReplyTarget returns the message being replied to, if any.
func (c *Composer) ReplyTarget() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyTo == nil {
		return Message{}, false
	}
	return *c.replyTo, true
}

// HandleTyping is called on every keystroke. The first keystroke sends a
// typing signal; each keystroke re-arms a single idle timer that sends
// stop_typing when it fires.
func (c *Composer) HandleTyping(ctx context.Context) {
	c.mu.Lock()
	start := !c.typing
	c.typing = true
	c.typingSeq++
	seq := c.typingSeq
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.idle, func() { c.idleExpired(seq) })
	c.mu.Unlock()

	if start {
		if err := c.backend.sendStream(ctx, TypingCommand()); err != nil {
			jww.DEBUG.Printf("[COMPOSER] typing signal not sent: %v", err)
		}
	}
}

func (c *Composer) idleExpired(seq uint64) {
	c.mu.Lock()
	if !c.typing || seq != c.typingSeq {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.typingTimer = nil
	c.mu.Unlock()

	if err := c.backend.sendStream(context.Background(), StopTypingCommand()); err != nil {
		jww.DEBUG.Printf("[COMPOSER] stop_typing not sent: %v", err)
	}
}

func (c *Composer) cancelTypingLocked() {
	c.typing = false
	c.typingSeq++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}

// Send transmits the draft. With staged files it posts a multipart request to
// the data API; otherwise it writes a message command to the live stream.
// The message itself arrives back through the stream. Draft, files and reply
// target are cleared whether or not transmission succeeds.
func (c *Composer) Send(ctx context.Context) error {
	conv := c.backend.activeConversation()

	c.mu.Lock()
	content := strings.TrimSpace(c.draft)
	files := c.files
	if content == "" && len(files) == 0 {
		c.mu.Unlock()
		return nil
	}
	if conv == "" {
		c.mu.Unlock()
		return ErrNoConversation
	}
	var replyTo ID
	if c.replyTo != nil {
		replyTo = c.replyTo.ID
	}
	c.draft = ""
	c.files = nil
	c.replyTo = nil
	c.cancelTypingLocked()
	c.mu.Unlock()

	if err := c.backend.sendStream(ctx, StopTypingCommand()); err != nil {
		jww.DEBUG.Printf("[COMPOSER] stop_typing not sent: %v", err)
	}

	if len(files) > 0 {
		err := c.backend.sendWithAttachments(ctx, conv, OutgoingMessage{Content: content, ReplyTo: replyTo, Files: files})
		if err != nil {
			jww.ERROR.Printf("[COMPOSER] send with %d attachments failed: %v", len(files), err)
			return errors.Wrap(err, "send message with attachments")
		}
		return nil
	}

	if err := c.backend.sendStream(ctx, SendMessageCommand(content, replyTo)); err != nil {
		jww.WARN.Printf("[COMPOSER] send failed: %v", err)
		return errors.Wrap(err, "send message")
	}
	return nil
}

// reset drops conversation-scoped state when the selection changes.
func (c *Composer) reset() {
	c.mu.Lock()
	c.replyTo = nil
	c.cancelTypingLocked()
	c.mu.Unlock()
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm",
		".heic": "image/heic", ".m4a": "audio/mp4",
		".doc":  "application/msword",
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
