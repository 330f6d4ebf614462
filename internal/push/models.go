package push

import (
	"time"

	"ringlink/internal/signal"
)

// RingTTL bounds how long a wake push may stay deliverable. A push that
// outlives the ringing window is useless and must not arrive late.
const RingTTL = 60 * time.Second

type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// WakePayload is the minimal data sent through the push waker. It must stay
// small and data-only (no platform-rendered alert text) so the OS hands it
// to the app's background handler instead of only showing a notification.
type WakePayload struct {
	CallID     string      `json:"call_id"`
	CallerID   string      `json:"caller_id"`
	CallerName string      `json:"caller_name"`
	Kind       signal.Kind `json:"kind"`
}

// DeviceToken is one registered push destination for a user. VoIP marks
// tokens eligible for the platform's highest-priority call push class.
type DeviceToken struct {
	UserID   string   `json:"user_id"`
	Token    string   `json:"token"`
	Platform Platform `json:"platform"`
	VoIP     bool     `json:"voip"`

	UpdatedAt time.Time `json:"updated_at"`
}
