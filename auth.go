package chatsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultRefreshSkew is how long before expiry an access token is
// proactively refreshed.
const DefaultRefreshSkew = 30 * time.Second

// TokenPair is an access/refresh token pair issued by the token endpoint.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenSource yields the current access token. The transport calls it on
// every dial so reconnects pick up refreshed tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that never refreshes.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// Signature verification is the server's job; the client only needs to know
// when to refresh.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ============================================================================
// Token manager
// ============================================================================

type tokenManager struct {
	mu     sync.Mutex
	tokens TokenPair
	skew   time.Duration
	now    func() time.Time

	// serialises refreshes so concurrent 401s trigger a single refresh
	refreshMu sync.Mutex

	onRefresh func(TokenPair)
	onLogout  func()
}

func newTokenManager() *tokenManager {
	return &tokenManager{skew: DefaultRefreshSkew, now: time.Now}
}

func (m *tokenManager) set(p TokenPair) {
	m.mu.Lock()
	m.tokens = p
	m.mu.Unlock()
}

func (m *tokenManager) get() TokenPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

func (m *tokenManager) expiresSoon(access string) bool {
	exp, ok := TokenExpiry(access)
	if !ok {
		return false
	}
	return m.now().Add(m.skew).After(exp)
}

// refresh exchanges the refresh token for a new access token. stale is the
// access token the caller saw rejected; if another goroutine already
// replaced it, the refresh is skipped. Any answer from the refresh endpoint
// other than a new token ends the session. A request that never got an
// answer does not.
func (m *tokenManager) refresh(ctx context.Context, c *Client, stale string) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cur := m.get()
	if cur.Access != "" && cur.Access != stale {
		return cur.Access, nil
	}
	if cur.Refresh == "" {
		m.logout()
		return "", ErrSessionExpired
	}

	req, err := jsonRequest(http.MethodPost, "/api/token/refresh/", map[string]string{"refresh": cur.Refresh}, nil)
	if err != nil {
		return "", err
	}
	data, status, err := c.roundTrip(ctx, req, "")
	if err != nil {
		return "", errors.Wrap(err, "refresh token")
	}
	if status >= 300 {
		jww.WARN.Printf("[AUTH] refresh failed with status %d (%s), logging out", status, parseAPIError(status, data).Message)
		m.logout()
		return "", ErrSessionExpired
	}

	next, err := decodeJSON[TokenPair](data)
	if err != nil || next.Access == "" {
		jww.WARN.Printf("[AUTH] refresh returned no usable token, logging out")
		m.logout()
		return "", ErrSessionExpired
	}
	if next.Refresh == "" {
		next.Refresh = cur.Refresh
	}
	m.set(*next)
	jww.DEBUG.Printf("[AUTH] access token refreshed")
	if m.onRefresh != nil {
		m.onRefresh(*next)
	}
	return next.Access, nil
}

func (m *tokenManager) logout() {
	m.set(TokenPair{})
	if m.onLogout != nil {
		m.onLogout()
	}
}
