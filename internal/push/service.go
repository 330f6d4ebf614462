package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ringlink/internal/signal"
)

var ErrInvalidRequest = errors.New("push: invalid request")

// TokenRepository stores device registrations per user.
type TokenRepository interface {
	Save(ctx context.Context, tok DeviceToken) error
	ListByUser(ctx context.Context, userID string) ([]DeviceToken, error)
	Delete(ctx context.Context, userID, token string) error
}

// Sender delivers one wake payload to one device token. Adapters exist per
// platform; no provider SDK calls happen outside them.
type Sender interface {
	Platform() Platform
	Send(ctx context.Context, tok DeviceToken, p WakePayload) error
}

// SingleFlight suppresses duplicate wake fan-out for the same call attempt
// (e.g. the caller retrying dispatch during one ringing window).
type SingleFlight interface {
	TryAcquire(ctx context.Context, callID string) (bool, error)
}

type DispatchRequest struct {
	CalleeID   string `json:"callee_id"`
	CallID     string `json:"call_id"`
	CallerID   string `json:"caller_id"`
	CallerName string `json:"caller_name"`
	CallType   string `json:"call_type"`
}

type TokenResult struct {
	Platform Platform `json:"platform"`
	Token    string   `json:"token"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
}

type DispatchResult struct {
	Success bool          `json:"success"`
	Results []TokenResult `json:"results"`
}

// Service looks up the callee's registered tokens and dispatches the wake
// payload per platform. Per-token failures are independent; the result is
// never atomic and the caller proceeds even if zero tokens succeed, since
// live-transport delivery may still work.
type Service struct {
	repo    TokenRepository
	senders map[Platform]Sender
	flight  SingleFlight
	log     *slog.Logger

	perTokenTimeout time.Duration
}

func NewService(repo TokenRepository, senders []Sender, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[Platform]Sender, len(senders))
	for _, s := range senders {
		if s != nil {
			m[s.Platform()] = s
		}
	}
	return &Service{
		repo:            repo,
		senders:         m,
		log:             log,
		perTokenTimeout: 10 * time.Second,
	}
}

// WithSingleFlight installs a per-call dedupe lock. Optional.
func (s *Service) WithSingleFlight(f SingleFlight) *Service {
	s.flight = f
	return s
}

func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if req.CalleeID == "" || req.CallID == "" || req.CallerID == "" {
		return DispatchResult{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return DispatchResult{}, errors.New("push: token repository not configured")
	}

	if s.flight != nil {
		ok, err := s.flight.TryAcquire(ctx, req.CallID)
		if err != nil {
			// Dedupe is an optimization; never let it block a wake.
			s.log.Warn("push: single-flight check failed", "call_id", req.CallID, "err", err)
		} else if !ok {
			s.log.Info("push: duplicate dispatch suppressed", "call_id", req.CallID)
			return DispatchResult{Success: true, Results: []TokenResult{}}, nil
		}
	}

	tokens, err := s.repo.ListByUser(ctx, req.CalleeID)
	if err != nil {
		return DispatchResult{}, err
	}

	payload := WakePayload{
		CallID:     req.CallID,
		CallerID:   req.CallerID,
		CallerName: req.CallerName,
		Kind:       kindFromCallType(req.CallType),
	}

	out := DispatchResult{Results: make([]TokenResult, 0, len(tokens))}
	for _, tok := range tokens {
		res := TokenResult{Platform: tok.Platform, Token: tok.Token}

		sender := s.senders[tok.Platform]
		if sender == nil {
			res.Error = "no sender for platform"
			out.Results = append(out.Results, res)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.perTokenTimeout)
		err := sender.Send(sendCtx, tok, payload)
		cancel()
		if err != nil {
			res.Error = err.Error()
			s.log.Warn("push: delivery failed",
				"callee_id", req.CalleeID, "platform", string(tok.Platform), "err", err)
		} else {
			res.Success = true
			out.Success = true
		}
		out.Results = append(out.Results, res)
	}
	return out, nil
}

func kindFromCallType(t string) signal.Kind {
	if t == "video" {
		return signal.KindVideo
	}
	return signal.KindAudio
}
