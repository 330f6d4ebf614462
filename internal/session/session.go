package session

import (
	"time"

	"ringlink/internal/signal"
)

// Session is the authoritative local record of an in-progress or just-ended
// call. At most one non-idle Session exists per device at any time.
//
// Only the orchestrator mutates a Session (through Machine); everything else
// reads snapshots.

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRequested Phase = "requested"
	PhaseRinging   Phase = "ringing"
	PhaseAccepted  Phase = "accepted"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
)

type Session struct {
	CallID    string      `json:"call_id"`
	PeerID    string      `json:"peer_id"`
	Kind      signal.Kind `json:"kind"`
	Direction Direction   `json:"direction"`
	Phase     Phase       `json:"phase"`

	// Facets are mutable without a phase transition.
	IsMuted     bool `json:"is_muted"`
	IsVideoOff  bool `json:"is_video_off"`
	IsMinimized bool `json:"is_minimized"`

	// StartedAt is set when Phase becomes connected.
	StartedAt time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Active reports whether the session occupies the device: any phase other
// than the idle/ended rest state.
func (s Session) Active() bool {
	return s.Phase != PhaseIdle && s.Phase != PhaseEnded
}
