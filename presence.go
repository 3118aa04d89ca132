package chatsync

import (
	"strings"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// DefaultTypingTTL is how long a typing signal stays visible without refresh.
const DefaultTypingTTL = 3 * time.Second

type typist struct {
	userID ID
	name   string
	seq    uint64
	timer  *time.Timer
}

// Presence tracks who is typing in the active conversation and whether the
// direct counterpart is online.
type Presence struct {
	mu      sync.Mutex
	self    ID
	ttl     time.Duration
	seq     uint64
	typists []*typist

	counterpart ID
	online      bool
	onExpire    func()
}

// NewPresence creates a tracker. onExpire, if set, is called when a typing
// entry times out.
func NewPresence(self ID, ttl time.Duration, onExpire func()) *Presence {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Presence{self: self, ttl: ttl, onExpire: onExpire}
}

// Reset clears typing state and binds the status label to a new direct
// counterpart (empty for group conversations).
func (p *Presence) Reset(counterpart ID, online bool) {
	p.mu.Lock()
	p.stopAllLocked()
	p.counterpart = counterpart
	p.online = online
	p.mu.Unlock()
}

// Close stops all pending expiry timers.
func (p *Presence) Close() {
	p.mu.Lock()
	p.stopAllLocked()
	p.mu.Unlock()
}

func (p *Presence) stopAllLocked() {
	for _, t := range p.typists {
		t.timer.Stop()
	}
	p.typists = nil
}

// SetTyping records a typing signal. A true signal (re)arms the entry's
// expiry; a false signal removes it immediately. It reports whether the set
// of typists changed.
func (p *Presence) SetTyping(userID ID, name string, isTyping bool) bool {
	if userID == p.self {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(userID)
	if !isTyping {
		if i < 0 {
			return false
		}
		p.typists[i].timer.Stop()
		p.typists = append(p.typists[:i], p.typists[i+1:]...)
		return true
	}

	p.seq++
	seq := p.seq
	added := i < 0
	if added {
		p.typists = append(p.typists, &typist{userID: userID, name: name})
		i = len(p.typists) - 1
	}
	t := p.typists[i]
	t.seq = seq
	if name != "" {
		t.name = name
	}
	if t.timer != nil {
		// may already be firing; expire checks seq
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(p.ttl, func() { p.expire(userID, seq) })
	return added
}

func (p *Presence) expire(userID ID, seq uint64) {
	p.mu.Lock()
	i := p.indexLocked(userID)
	if i < 0 || p.typists[i].seq != seq {
		p.mu.Unlock()
		return
	}
	p.typists = append(p.typists[:i], p.typists[i+1:]...)
	p.mu.Unlock()
	jww.TRACE.Printf("[PRESENCE] typing expired for %s", userID)
	if p.onExpire != nil {
		p.onExpire()
	}
}

func (p *Presence) indexLocked(userID ID) int {
	for i, t := range p.typists {
		if t.userID == userID {
			return i
		}
	}
	return -1
}

// Typists returns the names of everyone currently typing, in arrival order.
func (p *Presence) Typists() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.typists))
	for i, t := range p.typists {
		names[i] = t.name
	}
	return names
}

// Indicator renders the typing line: empty when nobody types,
// "Ann is typing…" for one and "Ann, Bob are typing…" for several.
func (p *Presence) Indicator() string {
	names := p.Typists()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	}
	return strings.Join(names, ", ") + " are typing…"
}

// SetOnline updates the status label when the user is the direct
// counterpart. It reports whether the label changed.
func (p *Presence) SetOnline(userID ID, online bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counterpart == "" || userID != p.counterpart || p.online == online {
		return false
	}
	p.online = online
	return true
}

// StatusLabel is "Online" or "Offline" for direct conversations and empty
// for groups.
func (p *Presence) StatusLabel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counterpart == "" {
		return ""
	}
	if p.online {
		return "Online"
	}
	return "Offline"
}
