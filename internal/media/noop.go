package media

import (
	"context"
	"encoding/json"
	"sync"

	"ringlink/internal/signal"
)

// Noop is the fallback Session used where no native media engine is
// available. It reports connected immediately on Start so the signaling
// lifecycle can be exercised end to end without a media plane.
type Noop struct {
	mu          sync.Mutex
	onConnected func()
	onOutbound  func(json.RawMessage)
	onFailure   func(error)
	started     bool
	closed      bool
}

func (n *Noop) Start(_ context.Context, _ signal.Kind, _ bool) error {
	n.mu.Lock()
	if n.closed || n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	fn := n.onConnected
	n.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

func (n *Noop) HandleRemote(json.RawMessage) error { return nil }

func (n *Noop) SetMuted(bool)    {}
func (n *Noop) SetVideoOff(bool) {}

func (n *Noop) OnConnected(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnected = fn
}

func (n *Noop) OnOutbound(fn func(json.RawMessage)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onOutbound = fn
}

func (n *Noop) OnFailure(fn func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFailure = fn
}

func (n *Noop) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
}
