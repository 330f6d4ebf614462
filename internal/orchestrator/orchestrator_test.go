package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ringlink/internal/calllog"
	"ringlink/internal/media"
	"ringlink/internal/notify"
	"ringlink/internal/presence"
	"ringlink/internal/push"
	"ringlink/internal/session"
	"ringlink/internal/signal"
	"ringlink/internal/transport"
)

type fakePresenter struct {
	mu        sync.Mutex
	shown     []string
	dismissed []string
}

func (p *fakePresenter) ShowIncomingCall(callID, _, _ string, _ signal.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, callID)
}

func (p *fakePresenter) Dismiss(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismissed = append(p.dismissed, callID)
}

func (p *fakePresenter) shownCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shown...)
}

func (p *fakePresenter) dismissedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dismissed...)
}

type fakeWaker struct {
	calls chan push.WakePayload
}

func (w *fakeWaker) Wake(_ context.Context, _ string, p push.WakePayload) error {
	w.calls <- p
	return nil
}

type peer struct {
	orch      *Orchestrator
	repo      *calllog.MemoryRepo
	presenter *fakePresenter
}

func newPeer(t *testing.T, net *transport.Loopback, id string, ringTimeout time.Duration) *peer {
	t.Helper()
	return newPeerWithMedia(t, net, id, ringTimeout, nil)
}

func newPeerWithMedia(t *testing.T, net *transport.Loopback, id string, ringTimeout time.Duration, mediaNew media.Factory) *peer {
	t.Helper()
	repo := calllog.NewMemoryRepo()
	presenter := &fakePresenter{}
	o := New(Config{SelfID: id, SelfName: id, RingTimeout: ringTimeout},
		net.Endpoint(id), nil, presence.NewTracker(), presenter,
		calllog.NewService(repo), mediaNew)
	t.Cleanup(o.Close)
	return &peer{orch: o, repo: repo, presenter: presenter}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *peer) inPhase(phase session.Phase) func() bool {
	return func() bool { return p.orch.Snapshot().Phase == phase }
}

func TestCallHappyPath(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	callID, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	waitFor(t, func() bool {
		s := bob.orch.Snapshot()
		return s.Phase == session.PhaseRinging && s.Direction == session.DirectionIncoming
	}, "bob ringing")

	if s := bob.orch.Snapshot(); s.CallID != callID || s.PeerID != "alice" || s.Kind != signal.KindAudio {
		t.Fatalf("bob session wrong: %+v", s)
	}
	waitFor(t, func() bool { return len(bob.presenter.shownCalls()) == 1 }, "incoming alert shown")

	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, alice.inPhase(session.PhaseConnected), "alice connected")
	waitFor(t, bob.inPhase(session.PhaseConnected), "bob connected")

	if s := alice.orch.Snapshot(); s.Direction != session.DirectionOutgoing || s.StartedAt.IsZero() {
		t.Fatalf("alice session wrong: %+v", s)
	}

	if err := alice.orch.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")
	waitFor(t, bob.inPhase(session.PhaseIdle), "bob idle")

	waitFor(t, func() bool { return len(alice.repo.All()) == 1 && len(bob.repo.All()) == 1 }, "logs written")
	ae, be := alice.repo.All()[0], bob.repo.All()[0]
	if ae.Outcome != session.OutcomeCompleted || ae.Direction != session.DirectionOutgoing || ae.PeerID != "bob" {
		t.Fatalf("alice entry: %+v", ae)
	}
	if be.Outcome != session.OutcomeCompleted || be.Direction != session.DirectionIncoming || be.PeerID != "alice" {
		t.Fatalf("bob entry: %+v", be)
	}
	if got := bob.presenter.dismissedCalls(); len(got) != 1 || got[0] != callID {
		t.Fatalf("alert not dismissed: %v", got)
	}
}

func TestOutgoingRingTimeoutLogsMissedOnce(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 40*time.Millisecond)
	// Bob exists on the network but nothing consumes his signals.
	net.Endpoint("bob")

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	waitFor(t, alice.inPhase(session.PhaseIdle), "alice back to idle")
	waitFor(t, func() bool { return len(alice.repo.All()) == 1 }, "missed entry")

	e := alice.repo.All()[0]
	if e.Outcome != session.OutcomeMissed || e.DurationSeconds != 0 {
		t.Fatalf("entry: %+v", e)
	}

	// A stale timer or late signal must not produce a second entry.
	time.Sleep(80 * time.Millisecond)
	if n := len(alice.repo.All()); n != 1 {
		t.Fatalf("expected exactly one entry, got %d", n)
	}
}

func TestIncomingRingTimeout(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 40*time.Millisecond)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Bob never answers; his timeout rejects the call on both sides.
	waitFor(t, bob.inPhase(session.PhaseIdle), "bob idle")
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")

	waitFor(t, func() bool { return len(bob.repo.All()) == 1 && len(alice.repo.All()) == 1 }, "logs written")
	if e := bob.repo.All()[0]; e.Outcome != session.OutcomeMissed || e.Direction != session.DirectionIncoming {
		t.Fatalf("bob entry: %+v", e)
	}
	if e := alice.repo.All()[0]; e.Outcome != session.OutcomeRejected {
		t.Fatalf("alice entry: %+v", e)
	}
}

func TestRejectDeclinesIncomingCall(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")

	if err := bob.orch.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseIdle), "bob idle")
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")

	waitFor(t, func() bool { return len(alice.repo.All()) == 1 }, "alice entry")
	if e := alice.repo.All()[0]; e.Outcome != session.OutcomeRejected {
		t.Fatalf("alice entry: %+v", e)
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")

	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseConnected), "bob connected")

	// Second accept (e.g. UI tap racing a notification action) is a no-op.
	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("second accept should be a no-op, got %v", err)
	}
	if s := bob.orch.Snapshot(); s.Phase != session.PhaseConnected {
		t.Fatalf("phase changed: %s", s.Phase)
	}
}

func TestLocalActionsRequireMatchingState(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)

	if err := alice.orch.Accept(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("accept while idle: %v", err)
	}
	if err := alice.orch.Reject(); !errors.Is(err, ErrNoIncomingCall) {
		t.Fatalf("reject while idle: %v", err)
	}
	if err := alice.orch.End(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("end while idle: %v", err)
	}
	if _, err := alice.orch.ToggleMute(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("mute while idle: %v", err)
	}
	if err := alice.orch.SetMinimized(true); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("minimize while idle: %v", err)
	}

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := alice.orch.Initiate(context.Background(), "carol", signal.KindAudio); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second initiate: %v", err)
	}
}

func TestBusyPeerAutoRejectsSecondCall(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)
	carol := newPeer(t, net, "carol", 5*time.Second)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")
	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseConnected), "bob connected")
	activeCallID := bob.orch.Snapshot().CallID

	if _, err := carol.orch.Initiate(context.Background(), "bob", signal.KindVideo); err != nil {
		t.Fatalf("carol initiate: %v", err)
	}

	// Carol's attempt bounces; the alice-bob call is untouched.
	waitFor(t, carol.inPhase(session.PhaseIdle), "carol idle")
	if s := bob.orch.Snapshot(); s.Phase != session.PhaseConnected || s.CallID != activeCallID {
		t.Fatalf("active call disturbed: %+v", s)
	}

	waitFor(t, func() bool { return len(bob.repo.All()) == 1 }, "bob busy entry")
	if e := bob.repo.All()[0]; e.PeerID != "carol" || e.Outcome != session.OutcomeRejected || e.Direction != session.DirectionIncoming {
		t.Fatalf("bob busy entry: %+v", e)
	}
	waitFor(t, func() bool { return len(carol.repo.All()) == 1 }, "carol entry")
	if e := carol.repo.All()[0]; e.Outcome != session.OutcomeRejected {
		t.Fatalf("carol entry: %+v", e)
	}
	// No alert for the auto-rejected call.
	if got := bob.presenter.shownCalls(); len(got) != 1 || got[0] != activeCallID {
		t.Fatalf("alerts shown: %v", got)
	}
}

func TestFacetsDuringCall(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindVideo); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")
	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, alice.inPhase(session.PhaseConnected), "alice connected")
	startedAt := alice.orch.Snapshot().StartedAt

	muted, err := alice.orch.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("mute: %v %v", muted, err)
	}
	videoOff, err := alice.orch.ToggleVideo()
	if err != nil || !videoOff {
		t.Fatalf("video: %v %v", videoOff, err)
	}
	if err := alice.orch.SetMinimized(true); err != nil {
		t.Fatalf("minimize: %v", err)
	}

	s := alice.orch.Snapshot()
	if !s.IsMuted || !s.IsVideoOff || !s.IsMinimized {
		t.Fatalf("facets not applied: %+v", s)
	}
	if s.Phase != session.PhaseConnected || s.StartedAt != startedAt {
		t.Fatalf("facet writes must not disturb the call: %+v", s)
	}

	if err := alice.orch.SetMinimized(false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if s := alice.orch.Snapshot(); s.IsMinimized {
		t.Fatalf("restore failed")
	}
	muted, err = alice.orch.ToggleMute()
	if err != nil || muted {
		t.Fatalf("unmute: %v %v", muted, err)
	}
}

func TestWakerFiresForOfflinePeer(t *testing.T) {
	net := transport.NewLoopback()
	waker := &fakeWaker{calls: make(chan push.WakePayload, 1)}
	tracker := presence.NewTracker()
	o := New(Config{SelfID: "alice", SelfName: "Alice", RingTimeout: 5 * time.Second},
		net.Endpoint("alice"), waker, tracker, nil, nil, nil)
	defer o.Close()

	callID, err := o.Initiate(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	select {
	case p := <-waker.calls:
		if p.CallID != callID || p.CallerID != "alice" || p.Kind != signal.KindAudio {
			t.Fatalf("wake payload: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("waker never fired for offline peer")
	}
}

func TestWakerSkippedForOnlinePeer(t *testing.T) {
	net := transport.NewLoopback()
	waker := &fakeWaker{calls: make(chan push.WakePayload, 1)}
	tracker := presence.NewTracker()
	tracker.PeerConnected("bob")
	o := New(Config{SelfID: "alice", RingTimeout: 5 * time.Second},
		net.Endpoint("alice"), waker, tracker, nil, nil, nil)
	defer o.Close()

	if _, err := o.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	select {
	case <-waker.calls:
		t.Fatalf("waker fired for a reachable peer")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotificationActionsBridgedFromColdStart(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")
	callID := bob.orch.Snapshot().CallID

	// The OS alert was answered before the app layer attached the sink.
	bridge := notify.NewBridge()
	bridge.Submit(notify.Action{Kind: notify.ActionAccept, CallID: callID})
	if bridge.Pending() != 1 {
		t.Fatalf("action should be queued")
	}

	bridge.SetSink(bob.orch)
	waitFor(t, bob.inPhase(session.PhaseConnected), "bob connected via bridged accept")
}

func TestReplyActionRoutedToHandler(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	type reply struct{ peerID, text string }
	got := make(chan reply, 1)
	bob.orch.SetReplyHandler(func(peerID, text string) { got <- reply{peerID, text} })

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")

	bob.orch.HandleNotificationAction(notify.Action{
		Kind: notify.ActionReply, CallID: bob.orch.Snapshot().CallID, ReplyText: "in a meeting",
	})

	select {
	case r := <-got:
		if r.peerID != "alice" || r.text != "in a meeting" {
			t.Fatalf("reply: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("reply never routed")
	}
}

func TestObserversSeeEndedBeforeIdle(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	var mu sync.Mutex
	var phases []session.Phase
	alice.orch.Subscribe(func(s session.Session) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")
	if err := bob.orch.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == session.PhaseIdle
	}, "idle observed")

	mu.Lock()
	defer mu.Unlock()
	endedIdx := -1
	for i, p := range phases {
		if p == session.PhaseEnded {
			endedIdx = i
		}
	}
	if endedIdx == -1 {
		t.Fatalf("ended snapshot never published: %v", phases)
	}
	if endedIdx+1 >= len(phases) || phases[endedIdx+1] != session.PhaseIdle {
		t.Fatalf("idle must directly follow ended: %v", phases)
	}
}

func TestLateSignalsForDeadCallDropped(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 40*time.Millisecond)
	net.Endpoint("bob")

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle after timeout")

	// A late reject for the dead call must not log again or change state.
	alice.orch.HandleSignal(signal.Signal{
		Type: signal.TypeReject, CallID: "stale-call", FromID: "bob", ToID: "alice",
	})
	if s := alice.orch.Snapshot(); s.Phase != session.PhaseIdle {
		t.Fatalf("late signal changed state: %+v", s)
	}
	waitFor(t, func() bool { return len(alice.repo.All()) == 1 }, "single entry")
	time.Sleep(50 * time.Millisecond)
	if n := len(alice.repo.All()); n != 1 {
		t.Fatalf("late signal caused extra log entries: %d", n)
	}
}

// stalledMedia never reports a connected path, holding the session in the
// accepted phase for as long as the test needs.
type stalledMedia struct{}

func (stalledMedia) Start(context.Context, signal.Kind, bool) error { return nil }
func (stalledMedia) HandleRemote(json.RawMessage) error             { return nil }
func (stalledMedia) SetMuted(bool)                                  {}
func (stalledMedia) SetVideoOff(bool)                               {}
func (stalledMedia) OnConnected(func())                             {}
func (stalledMedia) OnOutbound(func(json.RawMessage))               {}
func (stalledMedia) OnFailure(func(error))                          {}
func (stalledMedia) Close()                                         {}

func TestRejectAllowedInAcceptedGap(t *testing.T) {
	net := transport.NewLoopback()
	stall := func() media.Session { return stalledMedia{} }
	alice := newPeerWithMedia(t, net, "alice", 5*time.Second, stall)
	bob := newPeerWithMedia(t, net, "bob", 5*time.Second, stall)

	if _, err := alice.orch.Initiate(context.Background(), "bob", signal.KindAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseRinging), "bob ringing")

	if err := bob.orch.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseAccepted), "bob accepted")

	// The callee can still back out before the media path comes up.
	if err := bob.orch.Reject(); err != nil {
		t.Fatalf("reject after accept: %v", err)
	}
	waitFor(t, bob.inPhase(session.PhaseIdle), "bob idle")
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")

	waitFor(t, func() bool { return len(alice.repo.All()) == 1 && len(bob.repo.All()) == 1 }, "logs written")
	if e := alice.repo.All()[0]; e.Outcome != session.OutcomeRejected {
		t.Fatalf("alice entry: %+v", e)
	}
	if e := bob.repo.All()[0]; e.Outcome != session.OutcomeRejected {
		t.Fatalf("bob entry: %+v", e)
	}
}

func TestSimultaneousMutualCallsBothRecover(t *testing.T) {
	net := transport.NewLoopback()
	alice := newPeer(t, net, "alice", 5*time.Second)
	bob := newPeer(t, net, "bob", 5*time.Second)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var errAlice, errBob error
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errAlice = alice.orch.Initiate(context.Background(), "bob", signal.KindAudio)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errBob = bob.orch.Initiate(context.Background(), "alice", signal.KindAudio)
	}()
	close(start)
	wg.Wait()

	// One side may have seen the peer's request land before its own
	// Initiate ran; that Initiate fails and the side is left ringing with
	// the peer's call, which it declines by hand. When both Initiates won,
	// the crossing requests auto-reject each other instead.
	for _, side := range []struct {
		p   *peer
		err error
	}{{alice, errAlice}, {bob, errBob}} {
		if side.err == nil {
			continue
		}
		if !errors.Is(side.err, ErrCallInProgress) {
			t.Fatalf("initiate: %v", side.err)
		}
		loser := side.p
		waitFor(t, func() bool {
			s := loser.orch.Snapshot()
			return s.Phase == session.PhaseRinging && s.Direction == session.DirectionIncoming
		}, "crossed side ringing")
		if err := loser.orch.Reject(); err != nil {
			t.Fatalf("reject: %v", err)
		}
	}

	// Whichever way the requests interleaved, both sides settle back to
	// idle with nothing stuck ringing.
	waitFor(t, alice.inPhase(session.PhaseIdle), "alice idle")
	waitFor(t, bob.inPhase(session.PhaseIdle), "bob idle")

	waitFor(t, func() bool { return len(alice.repo.All()) >= 1 && len(bob.repo.All()) >= 1 }, "logs written")
	for _, p := range []*peer{alice, bob} {
		for _, e := range p.repo.All() {
			if e.Outcome != session.OutcomeRejected {
				t.Fatalf("entry: %+v", e)
			}
		}
	}
}
