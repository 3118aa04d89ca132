// Package chatsync is the client-side synchronization engine for a
// conversation-based chat service.
//
// It keeps a conversation directory, a message timeline, typing/presence
// state and a message composer consistent with the server through a REST
// data API and one live event stream per open conversation.
//
// Example:
//
//	client := chatsync.NewClient(chatsync.WithBaseURL("https://chat.example.com"))
//	client.Auth.Login(ctx, "ann@example.com", "secret")
//
//	engine := chatsync.NewEngine(client.DataAPI(), chatsync.EngineOptions{Self: me.ID})
//	engine.OnChange(func(ch chatsync.Change) { render(engine) })
//	engine.Start(ctx)
//	engine.Select(ctx, "42")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second

	// maxHistoryPages bounds how many pages a history fetch follows.
	maxHistoryPages = 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat data API. It owns the session tokens and
// transparently refreshes them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *tokenManager

	Auth          *AuthClient
	Users         *UsersClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokens seeds the client with a previously issued token pair.
func WithTokens(p TokenPair) ClientOption {
	return func(c *Client) { c.auth.set(p) }
}

// WithTokenRefreshHandler registers a callback invoked after every
// successful refresh, e.g. to persist the new pair.
func WithTokenRefreshHandler(fn func(TokenPair)) ClientOption {
	return func(c *Client) { c.auth.onRefresh = fn }
}

// WithLogoutHandler registers a callback invoked when the refresh token is
// rejected and the session is dropped.
func WithLogoutHandler(fn func()) ClientOption {
	return func(c *Client) { c.auth.onLogout = fn }
}

// NewClient creates a new data API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		auth: newTokenManager(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{client: c}
	c.Users = &UsersClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// BaseURL returns the data API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the current token pair.
func (c *Client) Tokens() TokenPair { return c.auth.get() }

// SetTokens replaces the current token pair.
func (c *Client) SetTokens(p TokenPair) { c.auth.set(p) }

// AccessToken returns a usable access token, refreshing it first when it is
// about to expire.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	p := c.auth.get()
	if p.Access == "" || p.Refresh == "" || !c.auth.expiresSoon(p.Access) {
		return p.Access, nil
	}
	fresh, err := c.auth.refresh(ctx, c, p.Access)
	if err == nil {
		return fresh, nil
	}
	if errors.Cause(err) == ErrSessionExpired {
		return "", err
	}
	jww.WARN.Printf("[AUTH] proactive refresh failed, using current token: %v", err)
	return p.Access, nil
}

// ============================================================================
// Internal request helpers
// ============================================================================

type request struct {
	method      string
	path        string
	query       map[string]string
	body        []byte
	contentType string
}

func jsonRequest(method, path string, body interface{}, query map[string]string) (*request, error) {
	r := &request{method: method, path: path, query: query}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		r.body = b
		r.contentType = "application/json"
	}
	return r, nil
}

// roundTrip performs a single HTTP exchange and returns the body and status.
func (c *Client) roundTrip(ctx context.Context, r *request, token string) ([]byte, int, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		params := url.Values{}
		for k, v := range r.query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		bodyReader = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create request")
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "%s %s", r.method, r.path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "failed to read response")
	}
	return data, resp.StatusCode, nil
}

// doRequest performs an authenticated request. An unauthorized response
// triggers one token refresh followed by one retry of the original call.
func (c *Client) doRequest(ctx context.Context, r *request) ([]byte, error) {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	data, status, err := c.roundTrip(ctx, r, tok)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.auth.get().Refresh != "" {
		jww.DEBUG.Printf("[API] %s %s unauthorized, refreshing token", r.method, r.path)
		tok, err = c.auth.refresh(ctx, c, tok)
		if err != nil {
			return nil, err
		}
		data, status, err = c.roundTrip(ctx, r, tok)
		if err != nil {
			return nil, err
		}
	}

	if status >= 300 {
		return nil, parseAPIError(status, data)
	}
	return data, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	r, err := jsonRequest(method, path, body, query)
	if err != nil {
		return nil, err
	}
	return c.doRequest(ctx, r)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// decodeList accepts either a bare JSON array or a paginated envelope with a
// results array. hasMore reports whether the envelope names a next page.
func decodeList[T any](data []byte) (items []T, hasMore bool, err error) {
	doc := gjson.ParseBytes(data)
	raw := doc.Raw
	if !doc.IsArray() {
		results := doc.Get("results")
		if !results.IsArray() {
			return nil, false, errors.New("response is neither a list nor a page")
		}
		raw = results.Raw
		next := doc.Get("next")
		hasMore = next.Exists() && next.Type != gjson.Null && next.String() != ""
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false, errors.Wrap(err, "failed to unmarshal list")
	}
	return items, hasMore, nil
}

// parseAPIError extracts a human-readable message from an error body.
func parseAPIError(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	if !gjson.ValidBytes(data) {
		e.Message = strings.TrimSpace(string(data))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}
	doc := gjson.ParseBytes(data)
	e.Code = doc.Get("code").String()
	for _, key := range []string{"detail", "error", "message"} {
		if v := doc.Get(key); v.Exists() {
			e.Message = v.String()
			return e
		}
	}
	// field validation errors: {"field": ["reason"]}
	doc.ForEach(func(k, v gjson.Result) bool {
		if v.IsArray() && len(v.Array()) > 0 {
			e.Message = k.String() + ": " + v.Array()[0].String()
			return false
		}
		return true
	})
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient obtains and refreshes session tokens.
type AuthClient struct{ client *Client }

// Login exchanges credentials for a token pair and installs it.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	r, err := jsonRequest(http.MethodPost, "/api/token/", map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	data, status, err := a.client.roundTrip(ctx, r, "")
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, parseAPIError(status, data)
	}
	pair, err := decodeJSON[TokenPair](data)
	if err != nil {
		return nil, err
	}
	a.client.auth.set(*pair)
	return pair, nil
}

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates an account. It does not log in.
func (a *AuthClient) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	r, err := jsonRequest(http.MethodPost, "/api/auth/register/", req, nil)
	if err != nil {
		return nil, err
	}
	data, status, err := a.client.roundTrip(ctx, r, "")
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, parseAPIError(status, data)
	}
	return decodeJSON[User](data)
}

// Refresh forces a token refresh.
func (a *AuthClient) Refresh(ctx context.Context) (*TokenPair, error) {
	if _, err := a.client.auth.refresh(ctx, a.client, a.client.auth.get().Access); err != nil {
		return nil, err
	}
	p := a.client.auth.get()
	return &p, nil
}

// UsersClient looks up users.
type UsersClient struct{ client *Client }

// Me returns the authenticated user's profile.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	data, err := u.client.doJSON(ctx, http.MethodGet, "/api/auth/profile/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// Search finds users whose username contains q.
func (u *UsersClient) Search(ctx context.Context, q string) ([]User, error) {
	data, err := u.client.doJSON(ctx, http.MethodGet, "/api/auth/users/search/", nil, map[string]string{"q": q})
	if err != nil {
		return nil, err
	}
	users, _, err := decodeList[User](data)
	return users, err
}

// ConversationsClient manages conversations.
type ConversationsClient struct{ client *Client }

// List returns every conversation the user participates in, most recent first.
func (cc *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	var all []Conversation
	for page := 1; page <= maxHistoryPages; page++ {
		q := map[string]string{}
		if page > 1 {
			q["page"] = fmt.Sprint(page)
		}
		data, err := cc.client.doJSON(ctx, http.MethodGet, "/api/chat/conversations/", nil, q)
		if err != nil {
			return nil, err
		}
		items, more, err := decodeList[Conversation](data)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if !more {
			break
		}
	}
	return all, nil
}

// Get returns a single conversation.
func (cc *ConversationsClient) Get(ctx context.Context, id ID) (*Conversation, error) {
	data, err := cc.client.doJSON(ctx, http.MethodGet, "/api/chat/conversations/"+string(id)+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// Create creates a conversation. For a direct conversation that already
// exists the server returns the existing one.
func (cc *ConversationsClient) Create(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	data, err := cc.client.doJSON(ctx, http.MethodPost, "/api/chat/conversations/create/", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// AddParticipants adds users to a group conversation and returns the ids
// that were not already members. Only group admins may add participants.
func (cc *ConversationsClient) AddParticipants(ctx context.Context, id ID, userIDs []ID) ([]ID, error) {
	data, err := cc.client.doJSON(ctx, http.MethodPost, "/api/chat/conversations/"+string(id)+"/participants/",
		map[string][]ID{"user_ids": userIDs}, nil)
	if err != nil {
		return nil, err
	}
	var added []ID
	for _, v := range gjson.GetBytes(data, "added").Array() {
		added = append(added, ID(v.String()))
	}
	return added, nil
}

// RemoveParticipant removes a user from a group conversation. Any member may
// remove themselves; removing others requires admin rights.
func (cc *ConversationsClient) RemoveParticipant(ctx context.Context, id, userID ID) error {
	_, err := cc.client.doJSON(ctx, http.MethodDelete, "/api/chat/conversations/"+string(id)+"/participants/",
		map[string]ID{"user_id": userID}, nil)
	return err
}

// UnreadCount returns the number of unread messages across all conversations.
func (cc *ConversationsClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := cc.client.doJSON(ctx, http.MethodGet, "/api/chat/unread-count/", nil, nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(data, "total_unread").Int()), nil
}

// MessagesClient reads and writes messages.
type MessagesClient struct{ client *Client }

// MessagePage is one page of history.
type MessagePage struct {
	Messages []Message
	HasMore  bool
}

// List returns one page of a conversation's history.
func (mc *MessagesClient) List(ctx context.Context, conversationID ID, page int) (*MessagePage, error) {
	q := map[string]string{}
	if page > 1 {
		q["page"] = fmt.Sprint(page)
	}
	data, err := mc.client.doJSON(ctx, http.MethodGet, "/api/chat/conversations/"+string(conversationID)+"/messages/", nil, q)
	if err != nil {
		return nil, err
	}
	msgs, more, err := decodeList[Message](data)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: msgs, HasMore: more}, nil
}

// History follows pagination and returns the whole history.
func (mc *MessagesClient) History(ctx context.Context, conversationID ID) ([]Message, error) {
	var all []Message
	for page := 1; page <= maxHistoryPages; page++ {
		p, err := mc.List(ctx, conversationID, page)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Messages...)
		if !p.HasMore {
			break
		}
	}
	return all, nil
}

// SendWithAttachments posts a message with files as multipart form data.
func (mc *MessagesClient) SendWithAttachments(ctx context.Context, conversationID ID, msg OutgoingMessage) (*Message, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if msg.Content != "" {
		_ = w.WriteField("content", msg.Content)
	}
	if msg.ReplyTo != "" {
		_ = w.WriteField("reply_to", string(msg.ReplyTo))
	}
	for _, f := range msg.Files {
		if err := writeFilePart(w, f); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalise form")
	}

	r := &request{
		method:      http.MethodPost,
		path:        "/api/chat/conversations/" + string(conversationID) + "/messages/create/",
		body:        buf.Bytes(),
		contentType: w.FormDataContentType(),
	}
	data, err := mc.client.doRequest(ctx, r)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

func writeFilePart(w *multipart.Writer, f StagedFile) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename="%s"`, escapeQuotes(f.Name)))
	h.Set("Content-Type", f.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return errors.Wrap(err, "failed to create form file")
	}
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open %s", f.Name)
	}
	defer rc.Close()
	if _, err := io.Copy(part, rc); err != nil {
		return errors.Wrapf(err, "failed to write %s", f.Name)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// MarkRead marks messages as read and returns how many were newly marked.
func (mc *MessagesClient) MarkRead(ctx context.Context, conversationID ID, ids []ID) (int, error) {
	data, err := mc.client.doJSON(ctx, http.MethodPost,
		"/api/chat/conversations/"+string(conversationID)+"/messages/read/",
		map[string][]ID{"message_ids": ids}, nil)
	if err != nil {
		return 0, err
	}
	return int(gjson.GetBytes(data, "marked_read").Int()), nil
}

// ============================================================================
// DataAPI adapter
// ============================================================================

// DataAPI is the slice of the data API the Engine depends on.
type DataAPI interface {
	TokenSource
	ParticipantManager
	BaseURL() string
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID ID) ([]Message, error)
	SendWithAttachments(ctx context.Context, conversationID ID, msg OutgoingMessage) error
	SearchUsers(ctx context.Context, q string) ([]User, error)
}

// DataAPI adapts the client to the interface consumed by the Engine.
func (c *Client) DataAPI() DataAPI { return clientAPI{c} }

type clientAPI struct{ c *Client }

func (a clientAPI) AccessToken(ctx context.Context) (string, error) { return a.c.AccessToken(ctx) }
func (a clientAPI) BaseURL() string                                  { return a.c.baseURL }

func (a clientAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	return a.c.Conversations.List(ctx)
}

func (a clientAPI) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*Conversation, error) {
	return a.c.Conversations.Create(ctx, req)
}

func (a clientAPI) AddParticipants(ctx context.Context, conversationID ID, userIDs []ID) ([]ID, error) {
	return a.c.Conversations.AddParticipants(ctx, conversationID, userIDs)
}

func (a clientAPI) RemoveParticipant(ctx context.Context, conversationID, userID ID) error {
	return a.c.Conversations.RemoveParticipant(ctx, conversationID, userID)
}

func (a clientAPI) ListMessages(ctx context.Context, conversationID ID) ([]Message, error) {
	return a.c.Messages.History(ctx, conversationID)
}

func (a clientAPI) SendWithAttachments(ctx context.Context, conversationID ID, msg OutgoingMessage) error {
	_, err := a.c.Messages.SendWithAttachments(ctx, conversationID, msg)
	return err
}

func (a clientAPI) SearchUsers(ctx context.Context, q string) ([]User, error) {
	return a.c.Users.Search(ctx, q)
}
