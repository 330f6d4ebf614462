package transport

import (
	"context"
	"fmt"
	"sync"

	"ringlink/internal/signal"
)

// Loopback wires two endpoints directly in memory. It preserves per-stream
// ordering (synchronous delivery) and honors the at-most-once contract by
// dropping signals to detached peers, which makes offline scenarios easy to
// stage in tests.
type Loopback struct {
	mu   sync.Mutex
	ends map[string]*LoopbackEnd
}

func NewLoopback() *Loopback {
	return &Loopback{ends: make(map[string]*LoopbackEnd)}
}

// Endpoint creates (or returns) the endpoint for userID.
func (l *Loopback) Endpoint(userID string) *LoopbackEnd {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.ends[userID]; ok {
		return e
	}
	e := &LoopbackEnd{net: l, userID: userID, attached: true}
	l.ends[userID] = e
	return e
}

// SetOnline toggles delivery to userID and fires peer connect/disconnect
// callbacks on every other endpoint.
func (l *Loopback) SetOnline(userID string, online bool) {
	l.mu.Lock()
	e := l.ends[userID]
	if e == nil {
		l.mu.Unlock()
		return
	}
	e.attached = online
	others := make([]*LoopbackEnd, 0, len(l.ends))
	for id, o := range l.ends {
		if id != userID {
			others = append(others, o)
		}
	}
	l.mu.Unlock()

	for _, o := range others {
		o.notifyPresence(userID, online)
	}
}

type LoopbackEnd struct {
	net    *Loopback
	userID string

	mu               sync.Mutex
	attached         bool
	onSignal         func(signal.Signal)
	onPeerConnect    func(string)
	onPeerDisconnect func(string)
}

func (e *LoopbackEnd) Send(_ context.Context, toID string, sig signal.Signal) error {
	sig.FromID = e.userID
	sig.ToID = toID
	if err := sig.Validate(); err != nil {
		return err
	}

	e.net.mu.Lock()
	dst := e.net.ends[toID]
	e.net.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("transport: unknown peer %s", toID)
	}
	dst.deliver(sig)
	return nil
}

func (e *LoopbackEnd) deliver(sig signal.Signal) {
	e.mu.Lock()
	attached, fn := e.attached, e.onSignal
	e.mu.Unlock()
	if !attached || fn == nil {
		// At-most-once: offline recipients lose the signal.
		return
	}
	fn(sig)
}

func (e *LoopbackEnd) notifyPresence(peerID string, online bool) {
	e.mu.Lock()
	up, down := e.onPeerConnect, e.onPeerDisconnect
	e.mu.Unlock()
	if online && up != nil {
		up(peerID)
	}
	if !online && down != nil {
		down(peerID)
	}
}

func (e *LoopbackEnd) OnSignal(fn func(signal.Signal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSignal = fn
}

func (e *LoopbackEnd) OnPeerConnected(fn func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeerConnect = fn
}

func (e *LoopbackEnd) OnPeerDisconnected(fn func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeerDisconnect = fn
}

func (e *LoopbackEnd) Close() error {
	e.net.SetOnline(e.userID, false)
	return nil
}
