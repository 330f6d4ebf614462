package notify

import (
	"sync"
	"time"

	"ringlink/internal/signal"
)

// Presenter renders the transient OS-level call alert. Implemented by the
// platform shell (CallKit/full-screen intent adapters); a no-op Presenter is
// valid for headless use.
type Presenter interface {
	ShowIncomingCall(callID, callerID, callerName string, kind signal.Kind)
	Dismiss(callID string)
}

// NopPresenter discards all alerts.
type NopPresenter struct{}

func (NopPresenter) ShowIncomingCall(string, string, string, signal.Kind) {}
func (NopPresenter) Dismiss(string)                                       {}

type ActionKind string

const (
	ActionAccept  ActionKind = "accept"
	ActionDecline ActionKind = "decline"
	ActionReply   ActionKind = "reply"
)

// Action is a user response captured on an OS alert, possibly before the
// application has finished initializing.
type Action struct {
	Kind   ActionKind
	CallID string

	// ReplyText is set for ActionReply only.
	ReplyText string

	ReceivedAt time.Time
}

// Sink consumes bridged actions; the orchestrator implements it.
type Sink interface {
	HandleNotificationAction(a Action)
}

// Bridge forwards OS alert interactions into the orchestrator as synthetic
// events. It tolerates being invoked before the orchestrator exists: actions
// are queued and flushed, in arrival order, once SetSink is called.
type Bridge struct {
	mu      sync.Mutex
	sink    Sink
	pending []Action
	clock   func() time.Time
}

func NewBridge() *Bridge {
	return &Bridge{clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (b *Bridge) WithClock(clock func() time.Time) *Bridge {
	if clock != nil {
		b.clock = clock
	}
	return b
}

// Submit records a user action from an OS alert. Safe to call at any point
// in the process lifecycle, including before SetSink.
func (b *Bridge) Submit(a Action) {
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = b.clock().UTC()
	}

	b.mu.Lock()
	sink := b.sink
	if sink == nil {
		b.pending = append(b.pending, a)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	sink.HandleNotificationAction(a)
}

// SetSink attaches the orchestrator and flushes any queued actions in
// arrival order.
func (b *Bridge) SetSink(sink Sink) {
	b.mu.Lock()
	b.sink = sink
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	if sink == nil {
		return
	}
	for _, a := range queued {
		sink.HandleNotificationAction(a)
	}
}

// Pending returns the number of queued actions. Useful for diagnostics.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
