package presence

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long a typing hint stays alive without refresh.
const DefaultTypingIdle = 2 * time.Second

// Tracker maintains the reachable-peer set from transport connect and
// disconnect events, plus a derived typing set with a per-peer idle reset.
//
// It is a hint surface only: the orchestrator consults it to decide whether
// to fire the push waker, but a request signal is always attempted
// regardless of presence.
type Tracker struct {
	mu         sync.Mutex
	online     map[string]struct{}
	typing     map[string]*time.Timer
	typingIdle time.Duration

	closed bool
}

func NewTracker() *Tracker {
	return &Tracker{
		online:     make(map[string]struct{}),
		typing:     make(map[string]*time.Timer),
		typingIdle: DefaultTypingIdle,
	}
}

// WithTypingIdle overrides the typing idle-reset window. Test hook.
func (t *Tracker) WithTypingIdle(d time.Duration) *Tracker {
	if d > 0 {
		t.typingIdle = d
	}
	return t
}

// PeerConnected marks a peer reachable over the live transport.
func (t *Tracker) PeerConnected(peerID string) {
	if peerID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.online[peerID] = struct{}{}
}

// PeerDisconnected marks a peer unreachable and clears any typing state.
func (t *Tracker) PeerDisconnected(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, peerID)
	t.stopTypingLocked(peerID)
}

// Typing records a typing hint for peerID. A hint not refreshed within the
// idle window is treated as stopped.
func (t *Tracker) Typing(peerID string) {
	if peerID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.typing[peerID]; ok {
		timer.Reset(t.typingIdle)
		return
	}
	t.typing[peerID] = time.AfterFunc(t.typingIdle, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stopTypingLocked(peerID)
	})
}

func (t *Tracker) stopTypingLocked(peerID string) {
	if timer, ok := t.typing[peerID]; ok {
		timer.Stop()
		delete(t.typing, peerID)
	}
}

// IsOnline reports whether peerID is reachable over the live transport.
func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[peerID]
	return ok
}

// IsTyping reports whether a typing hint for peerID is still fresh.
func (t *Tracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[peerID]
	return ok
}

// Close stops all typing timers. The tracker ignores events afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.typing {
		timer.Stop()
		delete(t.typing, id)
	}
}
