// Package media defines the capability-checked boundary to the excluded
// audio/video negotiation layer. The orchestrator depends only on the
// Session interface; a runtime probe selects a real or no-op implementation
// once at startup, never per call.
package media

import (
	"context"
	"encoding/json"
	"sync"

	"ringlink/internal/signal"
)

// Session is one media-plane attachment for one call. Negotiation payloads
// pass through as opaque JSON in both directions.
type Session interface {
	// Start acquires local devices and begins negotiation for the call.
	Start(ctx context.Context, kind signal.Kind, outgoing bool) error

	// HandleRemote feeds an inbound media-negotiation payload to the engine.
	HandleRemote(payload json.RawMessage) error

	SetMuted(muted bool)
	SetVideoOff(off bool)

	// OnConnected fires once when the media path is established.
	OnConnected(fn func())
	// OnOutbound fires for each negotiation payload to send to the peer.
	OnOutbound(fn func(payload json.RawMessage))
	// OnFailure fires when the engine gives up on the call.
	OnFailure(fn func(err error))

	// Close releases microphone/camera immediately. Idempotent, and must
	// not wait on any network acknowledgment.
	Close()
}

// Factory builds one Session per call attempt.
type Factory func() Session

var (
	factoryMu sync.Mutex
	factory   Factory
)

// Register installs the real media engine factory. Called at most once at
// startup by whichever build links a real engine in.
func Register(f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factory = f
}

// Probe returns the registered engine factory, or a no-op factory when no
// engine is available on this platform.
func Probe() Factory {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if factory != nil {
		return factory
	}
	return func() Session { return &Noop{} }
}
