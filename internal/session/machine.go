package session

import (
	"errors"
	"fmt"
	"time"

	"ringlink/internal/signal"
)

// Machine owns the single Session value and validates every phase
// transition. It is deliberately not concurrency-safe: the orchestrator is
// the single writer and serializes access.
//
// Transitions that are forbidden for the current phase return an error
// wrapping ErrProtocolViolation; the caller drops the triggering event and
// logs it. The machine itself never ends up in an inconsistent state.

var (
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrCallMismatch      = errors.New("session: signal for unknown call")
	ErrBusy              = errors.New("session: another call is active")
)

type FinishReason int

const (
	ReasonLocalEnd FinishReason = iota
	ReasonRemoteEnd
	ReasonLocalReject
	ReasonRemoteReject
	ReasonRingTimeout
	ReasonMediaFailure
)

type Machine struct {
	cur              Session
	reachedConnected bool
	clock            func() time.Time
}

func NewMachine() *Machine {
	return &Machine{cur: Session{Phase: PhaseIdle}, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Current returns a snapshot of the session value.
func (m *Machine) Current() Session { return m.cur }

// Matches reports whether callID refers to the current session.
func (m *Machine) Matches(callID string) bool {
	return m.cur.Active() && m.cur.CallID == callID
}

// Initiate creates an outgoing session: idle -> requested.
func (m *Machine) Initiate(callID, peerID string, kind signal.Kind) error {
	if m.cur.Active() {
		return fmt.Errorf("%w: call %s in phase %s", ErrBusy, m.cur.CallID, m.cur.Phase)
	}
	m.cur = Session{
		CallID:    callID,
		PeerID:    peerID,
		Kind:      kind,
		Direction: DirectionOutgoing,
		Phase:     PhaseRequested,
		CreatedAt: m.clock().UTC(),
	}
	m.reachedConnected = false
	return nil
}

// InboundRequest creates an incoming session: idle -> ringing.
// The busy guard (auto-reject) is the orchestrator's responsibility; this
// method only refuses to clobber an active session.
func (m *Machine) InboundRequest(callID, peerID string, kind signal.Kind) error {
	if m.cur.Active() {
		return fmt.Errorf("%w: call %s in phase %s", ErrBusy, m.cur.CallID, m.cur.Phase)
	}
	m.cur = Session{
		CallID:    callID,
		PeerID:    peerID,
		Kind:      kind,
		Direction: DirectionIncoming,
		Phase:     PhaseRinging,
		CreatedAt: m.clock().UTC(),
	}
	m.reachedConnected = false
	return nil
}

// RemoteRinging marks the callee's device as ringing: requested -> ringing.
// Informational for the caller; it does not gate later transitions, so a
// remote accept can still arrive while we are in requested.
func (m *Machine) RemoteRinging(callID string) error {
	if !m.Matches(callID) {
		return fmt.Errorf("%w: %s", ErrCallMismatch, callID)
	}
	if m.cur.Phase != PhaseRequested || m.cur.Direction != DirectionOutgoing {
		return fmt.Errorf("%w: ringing signal in phase %s", ErrProtocolViolation, m.cur.Phase)
	}
	m.cur.Phase = PhaseRinging
	return nil
}

// AcceptLocal answers an incoming call: ringing (incoming) -> accepted.
func (m *Machine) AcceptLocal() error {
	if m.cur.Phase != PhaseRinging || m.cur.Direction != DirectionIncoming {
		return fmt.Errorf("%w: accept in phase %s/%s", ErrProtocolViolation, m.cur.Phase, m.cur.Direction)
	}
	m.cur.Phase = PhaseAccepted
	return nil
}

// AcceptRemote applies the callee's accept on the caller's side:
// requested|ringing (outgoing) -> accepted.
func (m *Machine) AcceptRemote(callID string) error {
	if !m.Matches(callID) {
		return fmt.Errorf("%w: %s", ErrCallMismatch, callID)
	}
	if m.cur.Direction != DirectionOutgoing {
		return fmt.Errorf("%w: remote accept on incoming call", ErrProtocolViolation)
	}
	if m.cur.Phase != PhaseRequested && m.cur.Phase != PhaseRinging {
		return fmt.Errorf("%w: accept signal in phase %s", ErrProtocolViolation, m.cur.Phase)
	}
	m.cur.Phase = PhaseAccepted
	return nil
}

// Connected records that the media layer established: accepted -> connected.
// Incoming sessions therefore cannot reach connected without passing through
// accepted.
func (m *Machine) Connected() error {
	if m.cur.Phase != PhaseAccepted {
		return fmt.Errorf("%w: media connected in phase %s", ErrProtocolViolation, m.cur.Phase)
	}
	m.cur.Phase = PhaseConnected
	m.cur.StartedAt = m.clock().UTC()
	m.reachedConnected = true
	return nil
}

// Finish moves any active session to ended and derives the call outcome:
// completed when the call reached connected, missed on ring timeout,
// rejected otherwise. The caller runs teardown side effects and then Reset.
func (m *Machine) Finish(reason FinishReason) (Outcome, error) {
	if !m.cur.Active() {
		return "", fmt.Errorf("%w: finish with no active call", ErrProtocolViolation)
	}
	m.cur.Phase = PhaseEnded
	switch {
	case m.reachedConnected:
		return OutcomeCompleted, nil
	case reason == ReasonRingTimeout:
		return OutcomeMissed, nil
	default:
		return OutcomeRejected, nil
	}
}

// Reset returns the machine to the idle rest state: ended -> idle.
func (m *Machine) Reset() {
	m.cur = Session{Phase: PhaseIdle}
	m.reachedConnected = false
}

// SetMuted flips the mute facet without a phase transition.
func (m *Machine) SetMuted(muted bool) error {
	if !m.cur.Active() {
		return fmt.Errorf("%w: no active call", ErrProtocolViolation)
	}
	m.cur.IsMuted = muted
	return nil
}

// SetVideoOff flips the video facet without a phase transition.
func (m *Machine) SetVideoOff(off bool) error {
	if !m.cur.Active() {
		return fmt.Errorf("%w: no active call", ErrProtocolViolation)
	}
	m.cur.IsVideoOff = off
	return nil
}

// SetMinimized flips the minimized facet without a phase transition.
// Phase and StartedAt are untouched, so restore never renegotiates media.
func (m *Machine) SetMinimized(min bool) error {
	if !m.cur.Active() {
		return fmt.Errorf("%w: no active call", ErrProtocolViolation)
	}
	m.cur.IsMinimized = min
	return nil
}
