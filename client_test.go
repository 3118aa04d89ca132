package chatsync_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/chatsync"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func newTestClient(srv *httptest.Server, opts ...chatsync.ClientOption) *chatsync.Client {
	return chatsync.NewClient(append([]chatsync.ClientOption{chatsync.WithBaseURL(srv.URL)}, opts...)...)
}

func TestListConversations(t *testing.T) {
	body := `[{"id":1,"name":"","type":"direct","participants":[{"id":1,"username":"ann"},{"id":2,"username":"bob"}],
		"last_message":{"id":"m1","content":"hey","sender":"bob","created_at":"2024-03-01T10:00:00Z","message_type":"text"},
		"unread_count":2,"other_participant":{"id":2,"username":"bob","is_online":true}}]`

	t.Run("bare array", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/chat/conversations/", r.URL.Path)
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			io.WriteString(w, body)
		}))
		defer srv.Close()

		c := newTestClient(srv, chatsync.WithTokens(chatsync.TokenPair{Access: "tok"}))
		convs, err := c.Conversations.List(context.Background())
		require.NoError(t, err)
		require.Len(t, convs, 1)
		require.Equal(t, chatsync.ID("1"), convs[0].ID)
		require.Equal(t, 2, convs[0].UnreadCount)
		require.Equal(t, "bob", convs[0].OtherParticipant.Username)
		require.Equal(t, "hey", convs[0].LastMessage.Content)
	})

	t.Run("paginated", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("page") {
			case "":
				io.WriteString(w, `{"count":2,"next":"http://x/?page=2","previous":null,"results":[{"id":1,"type":"group","name":"a"}]}`)
			case "2":
				io.WriteString(w, `{"count":2,"next":null,"previous":"http://x/","results":[{"id":2,"type":"group","name":"b"}]}`)
			}
		}))
		defer srv.Close()

		convs, err := newTestClient(srv).Conversations.List(context.Background())
		require.NoError(t, err)
		require.Len(t, convs, 2)
		require.Equal(t, "b", convs[1].Name)
	})
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	var refreshes, calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/token/refresh/":
			atomic.AddInt32(&refreshes, 1)
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "r1", req["refresh"])
			io.WriteString(w, `{"access":"fresh"}`)
		case "/api/auth/profile/":
			atomic.AddInt32(&calls, 1)
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"detail":"Given token not valid for any token type","code":"token_not_valid"}`)
				return
			}
			io.WriteString(w, `{"id":1,"username":"ann"}`)
		}
	}))
	defer srv.Close()

	var persisted chatsync.TokenPair
	c := newTestClient(srv,
		chatsync.WithTokens(chatsync.TokenPair{Access: "stale", Refresh: "r1"}),
		chatsync.WithTokenRefreshHandler(func(p chatsync.TokenPair) { persisted = p }),
	)

	me, err := c.Users.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ann", me.Username)
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
	require.Equal(t, chatsync.TokenPair{Access: "fresh", Refresh: "r1"}, persisted)
	require.Equal(t, "fresh", c.Tokens().Access)
}

func TestUnauthorizedRetryIsNotRepeated(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			io.WriteString(w, `{"access":"still-bad"}`)
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"nope","code":"token_not_valid"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv, chatsync.WithTokens(chatsync.TokenPair{Access: "a", Refresh: "r"}))
	_, err := c.Users.Me(context.Background())

	var apiErr *chatsync.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "token_not_valid", apiErr.Code)
	require.Equal(t, "nope", apiErr.Message)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRejectedRefreshLogsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"Token is blacklisted"}`)
	}))
	defer srv.Close()

	loggedOut := false
	c := newTestClient(srv,
		chatsync.WithTokens(chatsync.TokenPair{Access: "a", Refresh: "r"}),
		chatsync.WithLogoutHandler(func() { loggedOut = true }),
	)
	_, err := c.Conversations.List(context.Background())
	require.Equal(t, chatsync.ErrSessionExpired, errors.Cause(err))
	require.True(t, loggedOut)
	require.Equal(t, chatsync.TokenPair{}, c.Tokens())
}

func TestFailedRefreshLogsOut(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"detail":"maintenance"}`)
		},
		"no token in answer": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{}`)
		},
	} {
		handler := handler
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/token/refresh/" {
					handler(w, r)
					return
				}
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"detail":"expired"}`)
			}))
			defer srv.Close()

			loggedOut := false
			c := newTestClient(srv,
				chatsync.WithTokens(chatsync.TokenPair{Access: "a", Refresh: "r"}),
				chatsync.WithLogoutHandler(func() { loggedOut = true }),
			)
			_, err := c.Users.Me(context.Background())
			require.Equal(t, chatsync.ErrSessionExpired, errors.Cause(err))
			require.True(t, loggedOut)
			require.Equal(t, chatsync.TokenPair{}, c.Tokens())
		})
	}
}

func TestProactiveRefresh(t *testing.T) {
	expiring := signedToken(t, time.Now().Add(5*time.Second))
	fresh := signedToken(t, time.Now().Add(time.Hour))

	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			atomic.AddInt32(&refreshes, 1)
			json.NewEncoder(w).Encode(map[string]string{"access": fresh, "refresh": "r2"})
			return
		}
		require.Equal(t, "Bearer "+fresh, r.Header.Get("Authorization"))
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient(srv, chatsync.WithTokens(chatsync.TokenPair{Access: expiring, Refresh: "r1"}))
	_, err := c.Conversations.List(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
	require.Equal(t, "r2", c.Tokens().Refresh)

	// a fresh token is used as is
	_, err = c.Conversations.List(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	got, ok := chatsync.TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	require.True(t, exp.Equal(got))

	_, ok = chatsync.TokenExpiry("not-a-jwt")
	require.False(t, ok)
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/token/", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail":"No active account found with the given credentials"}`)
			return
		}
		io.WriteString(w, `{"access":"a1","refresh":"r1"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Auth.Login(context.Background(), "ann@example.com", "wrong")
	require.Error(t, err)
	require.Contains(t, err.Error(), "No active account")

	pair, err := c.Auth.Login(context.Background(), "ann@example.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "a1", pair.Access)
	require.Equal(t, *pair, c.Tokens())
}

func TestSendWithAttachments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/conversations/7/messages/create/", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "look", r.FormValue("content"))
		require.Equal(t, "m0", r.FormValue("reply_to"))

		files := r.MultipartForm.File["attachments"]
		require.Len(t, files, 2)
		require.Equal(t, "a.png", files[0].Filename)
		require.Equal(t, "image/png", files[0].Header.Get("Content-Type"))
		f, err := files[1].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		require.Equal(t, "notes", string(data))

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"m1","content":"look","attachments":[{"id":1,"file_name":"a.png"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	files := []chatsync.StagedFile{
		{Name: "a.png", MimeType: "image/png", Open: opener("PNG")},
		{Name: "notes.txt", MimeType: "text/plain", Open: opener("notes")},
	}
	msg, err := c.Messages.SendWithAttachments(context.Background(), "7",
		chatsync.OutgoingMessage{Content: "look", ReplyTo: "m0", Files: files})
	require.NoError(t, err)
	require.Equal(t, chatsync.ID("m1"), msg.ID)
}

func opener(s string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(s)), nil
	}
}

func TestMarkReadAndSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/conversations/7/messages/read/":
			var req map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, []string{"a", "b"}, req["message_ids"])
			io.WriteString(w, `{"marked_read": 2}`)
		case "/api/auth/users/search/":
			require.Equal(t, "bo", r.URL.Query().Get("q"))
			io.WriteString(w, `[{"id":2,"username":"bob","is_online":true}]`)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	n, err := c.Messages.MarkRead(context.Background(), "7", []chatsync.ID{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	users, err := c.Users.Search(context.Background(), "bo")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.True(t, users[0].IsOnline)
}

func TestAPIErrorMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"participant_ids":["This field is required."]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Conversations.Create(context.Background(), &chatsync.CreateConversationRequest{Kind: chatsync.KindGroup})
	var apiErr *chatsync.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "participant_ids: This field is required.", apiErr.Message)
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/register/", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["username"] == "taken" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"username":["A user with that username already exists."]}`)
			return
		}
		require.Equal(t, "dan@example.com", req["email"])
		require.Equal(t, "pw", req["password"])
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":4,"username":"dan","email":"dan@example.com"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Auth.Register(context.Background(), &chatsync.RegisterRequest{Username: "taken", Email: "x@example.com", Password: "pw"})
	var apiErr *chatsync.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "username: A user with that username already exists.", apiErr.Message)

	u, err := c.Auth.Register(context.Background(), &chatsync.RegisterRequest{Username: "dan", Email: "dan@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, chatsync.ID("4"), u.ID)
	require.Equal(t, chatsync.TokenPair{}, c.Tokens())
}

func TestParticipantsAndUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/chat/conversations/9/participants/" && r.Method == http.MethodPost:
			var req map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, []string{"2", "3"}, req["user_ids"])
			io.WriteString(w, `{"added":[3]}`)
		case r.URL.Path == "/api/chat/conversations/9/participants/" && r.Method == http.MethodDelete:
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if req["user_id"] != "1" {
				w.WriteHeader(http.StatusForbidden)
				io.WriteString(w, `{"error":"Only admins can remove other participants"}`)
				return
			}
			io.WriteString(w, `{"removed":1}`)
		case r.URL.Path == "/api/chat/unread-count/":
			io.WriteString(w, `{"total_unread":5}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newTestClient(srv)

	added, err := c.Conversations.AddParticipants(ctx, "9", []chatsync.ID{"2", "3"})
	require.NoError(t, err)
	require.Equal(t, []chatsync.ID{"3"}, added)

	require.NoError(t, c.Conversations.RemoveParticipant(ctx, "9", "1"))
	err = c.Conversations.RemoveParticipant(ctx, "9", "2")
	var apiErr *chatsync.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "Only admins can remove other participants", apiErr.Message)

	n, err := c.Conversations.UnreadCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}
