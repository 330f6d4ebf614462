package calllog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ringlink/internal/session"
)

var (
	ErrInvalidEntry   = errors.New("calllog: invalid entry")
	ErrInvalidRequest = errors.New("calllog: invalid request")
)

// Repository is the persistence contract for the call log.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByPeer(ctx context.Context, peerID string, from, to time.Time) ([]Entry, error)
}

// Service validates and appends entries, and aggregates history summaries.
// Callers treat appends as best-effort: a failed append never blocks call
// teardown.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if e.PeerID == "" {
		return ErrInvalidEntry
	}
	switch e.Outcome {
	case session.OutcomeCompleted, session.OutcomeRejected, session.OutcomeMissed:
	default:
		return ErrInvalidEntry
	}
	if e.DurationSeconds < 0 {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

type SummaryRequest struct {
	PeerID string
	From   time.Time
	To     time.Time
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.PeerID == "" {
		return Summary{}, ErrInvalidRequest
	}
	if req.From.IsZero() || req.To.IsZero() || !req.To.After(req.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("calllog: repository not configured")
	}

	rows, err := s.repo.ListByPeer(ctx, req.PeerID, req.From, req.To)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{PeerID: req.PeerID}
	for _, e := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += e.DurationSeconds
		switch e.Outcome {
		case session.OutcomeCompleted:
			out.CompletedCalls++
		case session.OutcomeRejected:
			out.RejectedCalls++
		case session.OutcomeMissed:
			out.MissedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	return out, nil
}
