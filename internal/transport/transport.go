// Package transport moves signaling messages between the two parties.
//
// The contract is at-most-once delivery keyed by user identity: a signal
// sent to an offline recipient is dropped, and ordering is preserved only
// within a single sender-to-receiver stream.
package transport

import (
	"context"

	"ringlink/internal/signal"
)

// Transport is the only signaling surface the orchestrator depends on.
type Transport interface {
	// Send delivers sig to toID's live session, if any. A missing or
	// offline recipient is not an error at this layer.
	Send(ctx context.Context, toID string, sig signal.Signal) error

	OnSignal(fn func(sig signal.Signal))
	OnPeerConnected(fn func(peerID string))
	OnPeerDisconnected(fn func(peerID string))

	Close() error
}

// Wire events between hub and client.
const (
	eventSignal           = "signal"
	eventPeerConnected    = "peer-connected"
	eventPeerDisconnected = "peer-disconnected"
)

type envelope struct {
	Event  string         `json:"event"`
	PeerID string         `json:"peer_id,omitempty"`
	Signal *signal.Signal `json:"signal,omitempty"`
}
