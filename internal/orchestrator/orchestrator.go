// Package orchestrator is the single writer of call session state. Local
// user actions, remote signals, timer expiries and media callbacks all
// funnel through one mutex-serialized core; every other surface (UI,
// notification bridge, presence) reads snapshots from the state stream.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ringlink/internal/calllog"
	"ringlink/internal/media"
	"ringlink/internal/notify"
	"ringlink/internal/presence"
	"ringlink/internal/push"
	"ringlink/internal/session"
	"ringlink/internal/signal"
	"ringlink/internal/transport"
)

var (
	ErrNoIncomingCall = errors.New("orchestrator: no active incoming call")
	ErrNoActiveCall   = errors.New("orchestrator: no active call")
	ErrCallInProgress = errors.New("orchestrator: a call is already in progress")
)

// Waker fires the out-of-band wake for a peer with no live transport
// connection. Best-effort: failures are logged, never surfaced.
type Waker interface {
	Wake(ctx context.Context, calleeID string, p push.WakePayload) error
}

type Config struct {
	SelfID   string
	SelfName string

	// RingTimeout bounds how long a call may ring unanswered. Default 60s.
	RingTimeout time.Duration
	// WakeTimeout bounds the fire-and-forget push waker call. Default 5s.
	WakeTimeout time.Duration

	Logger *slog.Logger
}

type outbound struct {
	toID string
	sig  signal.Signal
}

type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	clock func() time.Time

	transport transport.Transport
	waker     Waker
	presence  *presence.Tracker
	presenter notify.Presenter
	logs      *calllog.Service
	mediaNew  media.Factory

	mu        sync.Mutex
	machine   *session.Machine
	mediaSess media.Session
	ringTimer *time.Timer

	obsMu     sync.Mutex
	observers []func(session.Session)

	replyMu sync.Mutex
	replyFn func(peerID, text string)

	sendQ   chan outbound
	updates chan session.Session
	done    chan struct{}
	closed  sync.Once
}

// New wires the orchestrator to its collaborators and starts consuming the
// transport. Any of waker, tracker and presenter may be nil/no-op.
func New(cfg Config, tr transport.Transport, waker Waker, tracker *presence.Tracker,
	presenter notify.Presenter, logs *calllog.Service, mediaNew media.Factory) *Orchestrator {

	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 60 * time.Second
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if presenter == nil {
		presenter = notify.NopPresenter{}
	}
	if mediaNew == nil {
		mediaNew = media.Probe()
	}

	o := &Orchestrator{
		cfg:       cfg,
		log:       cfg.Logger,
		clock:     time.Now,
		transport: tr,
		waker:     waker,
		presence:  tracker,
		presenter: presenter,
		logs:      logs,
		mediaNew:  mediaNew,
		machine:   session.NewMachine(),
		sendQ:     make(chan outbound, 64),
		updates:   make(chan session.Session, 64),
		done:      make(chan struct{}),
	}

	if tr != nil {
		tr.OnSignal(o.HandleSignal)
		tr.OnPeerConnected(func(peerID string) {
			if o.presence != nil {
				o.presence.PeerConnected(peerID)
			}
		})
		tr.OnPeerDisconnected(func(peerID string) {
			if o.presence != nil {
				o.presence.PeerDisconnected(peerID)
			}
		})
	}

	go o.sendLoop()
	go o.notifyLoop()
	return o
}

// WithClock overrides the time source. Test hook; call before use.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	if clock != nil {
		o.clock = clock
		o.machine.WithClock(clock)
	}
	return o
}

// Snapshot returns the current session value.
func (o *Orchestrator) Snapshot() session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.Current()
}

// Subscribe registers an observer of session state changes. Observers are
// invoked in publish order on a dedicated goroutine and must not block.
func (o *Orchestrator) Subscribe(fn func(session.Session)) {
	if fn == nil {
		return
	}
	o.obsMu.Lock()
	o.observers = append(o.observers, fn)
	o.obsMu.Unlock()
}

// SetReplyHandler installs the consumer for inline-reply notification
// actions (the chat layer). Optional; replies are dropped without one.
func (o *Orchestrator) SetReplyHandler(fn func(peerID, text string)) {
	o.replyMu.Lock()
	o.replyFn = fn
	o.replyMu.Unlock()
}

// Initiate starts an outgoing call and returns its call id.
//
// Side-effect order: session persisted locally first, then the push waker
// for an offline peer (fire-and-forget, bounded timeout), then the request
// signal — always sent, so a transport-connect race resolves in favor of
// fast delivery.
func (o *Orchestrator) Initiate(ctx context.Context, peerID string, kind signal.Kind) (string, error) {
	if peerID == "" {
		return "", errors.New("orchestrator: peer id required")
	}
	if kind != signal.KindAudio && kind != signal.KindVideo {
		return "", errors.New("orchestrator: kind must be audio or video")
	}

	callID := uuid.NewString()

	o.mu.Lock()
	if err := o.machine.Initiate(callID, peerID, kind); err != nil {
		o.mu.Unlock()
		return "", ErrCallInProgress
	}
	o.startRingTimerLocked(callID)
	snap := o.machine.Current()
	o.mu.Unlock()
	o.publish(snap)

	if o.waker != nil && (o.presence == nil || !o.presence.IsOnline(peerID)) {
		payload := push.WakePayload{
			CallID:     callID,
			CallerID:   o.cfg.SelfID,
			CallerName: o.cfg.SelfName,
			Kind:       kind,
		}
		go func() {
			wakeCtx, cancel := context.WithTimeout(context.Background(), o.cfg.WakeTimeout)
			defer cancel()
			if err := o.waker.Wake(wakeCtx, peerID, payload); err != nil {
				o.log.Warn("wake dispatch failed", "call_id", callID, "peer_id", peerID, "err", err)
			}
		}()
	}

	o.enqueue(peerID, signal.Signal{
		Type:   signal.TypeRequest,
		CallID: callID,
		FromID: o.cfg.SelfID,
		ToID:   peerID,
		Kind:   kind,
	})
	return callID, nil
}

// Accept answers the current incoming call. Calling it again on an already
// accepted session is a no-op; calling it with no incoming call returns
// ErrNoIncomingCall.
func (o *Orchestrator) Accept() error {
	o.mu.Lock()
	cur := o.machine.Current()
	if cur.Direction == session.DirectionIncoming &&
		(cur.Phase == session.PhaseAccepted || cur.Phase == session.PhaseConnected) {
		// Already answered; no duplicate signal.
		o.mu.Unlock()
		return nil
	}
	if err := o.machine.AcceptLocal(); err != nil {
		o.mu.Unlock()
		return ErrNoIncomingCall
	}
	o.cancelRingTimerLocked()
	o.startMediaLocked(cur.CallID, cur.Kind, false)
	snap := o.machine.Current()
	o.mu.Unlock()

	o.presenter.Dismiss(cur.CallID)
	o.enqueue(cur.PeerID, signal.Signal{
		Type:   signal.TypeAccept,
		CallID: cur.CallID,
		FromID: o.cfg.SelfID,
		ToID:   cur.PeerID,
	})
	o.publish(snap)
	return nil
}

// Reject declines the current incoming call. Allowed while ringing and in
// the accepted gap before media connects; past that, use End.
func (o *Orchestrator) Reject() error {
	o.mu.Lock()
	cur := o.machine.Current()
	if cur.Direction != session.DirectionIncoming ||
		(cur.Phase != session.PhaseRinging && cur.Phase != session.PhaseAccepted) {
		o.mu.Unlock()
		return ErrNoIncomingCall
	}
	o.finishLocked(session.ReasonLocalReject, signal.TypeReject)
	o.mu.Unlock()
	return nil
}

// End hangs up the current call regardless of phase.
func (o *Orchestrator) End() error {
	o.mu.Lock()
	if !o.machine.Current().Active() {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	o.finishLocked(session.ReasonLocalEnd, signal.TypeEnd)
	o.mu.Unlock()
	return nil
}

// ToggleMute flips the mute facet and returns the new muted state.
func (o *Orchestrator) ToggleMute() (bool, error) {
	o.mu.Lock()
	cur := o.machine.Current()
	if !cur.Active() {
		o.mu.Unlock()
		return false, ErrNoActiveCall
	}
	muted := !cur.IsMuted
	_ = o.machine.SetMuted(muted)
	sess := o.mediaSess
	snap := o.machine.Current()
	o.mu.Unlock()

	if sess != nil {
		sess.SetMuted(muted)
	}
	o.publish(snap)
	return muted, nil
}

// ToggleVideo flips the video-off facet and returns the new disabled state.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	o.mu.Lock()
	cur := o.machine.Current()
	if !cur.Active() {
		o.mu.Unlock()
		return false, ErrNoActiveCall
	}
	off := !cur.IsVideoOff
	_ = o.machine.SetVideoOff(off)
	sess := o.mediaSess
	snap := o.machine.Current()
	o.mu.Unlock()

	if sess != nil {
		sess.SetVideoOff(off)
	}
	o.publish(snap)
	return off, nil
}

// SetMinimized flips the minimized facet. Phase and StartedAt are never
// touched; media stream handles are transferred, not released, so restore
// needs no renegotiation.
func (o *Orchestrator) SetMinimized(min bool) error {
	o.mu.Lock()
	if !o.machine.Current().Active() {
		o.mu.Unlock()
		return ErrNoActiveCall
	}
	_ = o.machine.SetMinimized(min)
	snap := o.machine.Current()
	o.mu.Unlock()

	o.publish(snap)
	return nil
}

// Close tears down the orchestrator. An active call is ended locally; no
// signals are waited on.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.machine.Current().Active() {
		o.finishLocked(session.ReasonLocalEnd, signal.TypeEnd)
	}
	o.mu.Unlock()

	o.closed.Do(func() { close(o.done) })
	if o.presence != nil {
		o.presence.Close()
	}
}
