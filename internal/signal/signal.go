package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Signal is a call-control message exchanged over the signal transport.
//
// Every Signal except typing carries the CallID of the session it refers to.
// Media-negotiation payloads (offer/answer/ICE) are opaque to this layer and
// forwarded unmodified to the media session.

type Type string

const (
	TypeRequest          Type = "request"
	TypeRinging          Type = "ringing"
	TypeAccept           Type = "accept"
	TypeReject           Type = "reject"
	TypeEnd              Type = "end"
	TypeMediaNegotiation Type = "media-negotiation"

	// TypeTyping is a presence hint, not a call-control message.
	// It carries no CallID and never touches the session machine.
	TypeTyping Type = "typing"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Signal struct {
	Type   Type   `json:"type"`
	CallID string `json:"call_id,omitempty"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Kind   Kind   `json:"kind,omitempty"`

	// Payload is opaque media-negotiation data; only set for TypeMediaNegotiation.
	Payload json.RawMessage `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

var ErrInvalidSignal = errors.New("signal: invalid signal")

// Validate checks structural requirements per type. It does not check the
// signal against any session; that is the orchestrator's job.
func (s Signal) Validate() error {
	switch s.Type {
	case TypeRequest, TypeRinging, TypeAccept, TypeReject, TypeEnd, TypeMediaNegotiation, TypeTyping:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	if s.FromID == "" || s.ToID == "" {
		return fmt.Errorf("%w: from_id and to_id are required", ErrInvalidSignal)
	}
	if s.Type == TypeTyping {
		return nil
	}
	if s.CallID == "" {
		return fmt.Errorf("%w: call_id is required for %s", ErrInvalidSignal, s.Type)
	}
	if s.Type == TypeRequest {
		if s.Kind != KindAudio && s.Kind != KindVideo {
			return fmt.Errorf("%w: request requires kind audio or video, got %q", ErrInvalidSignal, s.Kind)
		}
	}
	if s.Type == TypeMediaNegotiation && len(s.Payload) == 0 {
		return fmt.Errorf("%w: media-negotiation requires a payload", ErrInvalidSignal)
	}
	return nil
}
