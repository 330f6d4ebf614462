package calllog

import (
	"time"

	"ringlink/internal/session"
	"ringlink/internal/signal"
)

// Entry is the write-once record appended when a session reaches ended.
// It is never mutated afterward.
type Entry struct {
	ID        string            `json:"id" db:"id"`
	PeerID    string            `json:"peer_id" db:"peer_id"`
	Direction session.Direction `json:"direction" db:"direction"`
	Kind      signal.Kind       `json:"kind" db:"kind"`
	Outcome   session.Outcome   `json:"outcome" db:"outcome"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	EndedAt time.Time `json:"ended_at" db:"ended_at"`
}

// Summary aggregates a peer's call history for the history screen.
type Summary struct {
	PeerID string `json:"peer_id"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	RejectedCalls  int `json:"rejected_calls"`
	MissedCalls    int `json:"missed_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
