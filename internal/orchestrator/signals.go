package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ringlink/internal/calllog"
	"ringlink/internal/notify"
	"ringlink/internal/session"
	"ringlink/internal/signal"
)

// HandleSignal applies one inbound signal. Malformed or out-of-order
// signals are dropped and logged, never fatal.
func (o *Orchestrator) HandleSignal(sig signal.Signal) {
	if err := sig.Validate(); err != nil {
		o.log.Warn("invalid signal dropped", "err", err)
		return
	}

	if sig.Type == signal.TypeTyping {
		if o.presence != nil {
			o.presence.Typing(sig.FromID)
		}
		return
	}

	switch sig.Type {
	case signal.TypeRequest:
		o.handleRequest(sig)
	case signal.TypeRinging:
		o.handleRinging(sig)
	case signal.TypeAccept:
		o.handleAccept(sig)
	case signal.TypeReject:
		o.handleReject(sig)
	case signal.TypeEnd:
		o.handleEnd(sig)
	case signal.TypeMediaNegotiation:
		o.handleMediaNegotiation(sig)
	}
}

func (o *Orchestrator) handleRequest(sig signal.Signal) {
	o.mu.Lock()
	cur := o.machine.Current()
	if cur.Active() {
		if cur.CallID == sig.CallID {
			// Duplicate request for the call we already track.
			o.mu.Unlock()
			return
		}
		// Busy guard: a second request (including the glare race) is
		// auto-rejected; the existing session is untouched.
		o.mu.Unlock()
		o.log.Info("busy: auto-rejecting inbound call",
			"call_id", sig.CallID, "from_id", sig.FromID, "active_call_id", cur.CallID)
		o.enqueue(sig.FromID, signal.Signal{
			Type:   signal.TypeReject,
			CallID: sig.CallID,
			FromID: o.cfg.SelfID,
			ToID:   sig.FromID,
		})
		o.appendLog(calllog.Entry{
			PeerID:    sig.FromID,
			Direction: session.DirectionIncoming,
			Kind:      sig.Kind,
			Outcome:   session.OutcomeRejected,
		})
		return
	}

	if err := o.machine.InboundRequest(sig.CallID, sig.FromID, sig.Kind); err != nil {
		o.mu.Unlock()
		o.log.Warn("request dropped", "call_id", sig.CallID, "err", err)
		return
	}
	o.startRingTimerLocked(sig.CallID)
	snap := o.machine.Current()
	o.mu.Unlock()

	o.enqueue(sig.FromID, signal.Signal{
		Type:   signal.TypeRinging,
		CallID: sig.CallID,
		FromID: o.cfg.SelfID,
		ToID:   sig.FromID,
	})
	o.presenter.ShowIncomingCall(sig.CallID, sig.FromID, sig.FromID, sig.Kind)
	o.publish(snap)
}

func (o *Orchestrator) handleRinging(sig signal.Signal) {
	o.mu.Lock()
	if err := o.machine.RemoteRinging(sig.CallID); err != nil {
		o.mu.Unlock()
		o.log.Debug("ringing signal dropped", "call_id", sig.CallID, "err", err)
		return
	}
	snap := o.machine.Current()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) handleAccept(sig signal.Signal) {
	o.mu.Lock()
	cur := o.machine.Current()
	if err := o.machine.AcceptRemote(sig.CallID); err != nil {
		o.mu.Unlock()
		o.log.Warn("accept signal dropped", "call_id", sig.CallID, "err", err)
		return
	}
	o.cancelRingTimerLocked()
	o.startMediaLocked(cur.CallID, cur.Kind, true)
	snap := o.machine.Current()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) handleReject(sig signal.Signal) {
	o.mu.Lock()
	if !o.machine.Matches(sig.CallID) {
		// Reject for a call already torn down (or never known): no state
		// change, no duplicate log entry.
		o.mu.Unlock()
		o.log.Debug("reject signal for inactive call dropped", "call_id", sig.CallID)
		return
	}
	o.finishLocked(session.ReasonRemoteReject, "")
	o.mu.Unlock()
}

func (o *Orchestrator) handleEnd(sig signal.Signal) {
	o.mu.Lock()
	if !o.machine.Matches(sig.CallID) {
		o.mu.Unlock()
		o.log.Debug("end signal for inactive call dropped", "call_id", sig.CallID)
		return
	}
	// End already received from the peer; do not echo one back.
	o.finishLocked(session.ReasonRemoteEnd, "")
	o.mu.Unlock()
}

func (o *Orchestrator) handleMediaNegotiation(sig signal.Signal) {
	o.mu.Lock()
	match := o.machine.Matches(sig.CallID)
	sess := o.mediaSess
	o.mu.Unlock()
	if !match || sess == nil {
		o.log.Debug("media negotiation for inactive call dropped", "call_id", sig.CallID)
		return
	}
	if err := sess.HandleRemote(sig.Payload); err != nil {
		o.log.Warn("media negotiation payload rejected", "call_id", sig.CallID, "err", err)
	}
}

// HandleNotificationAction consumes user responses bridged from OS alerts.
func (o *Orchestrator) HandleNotificationAction(a notify.Action) {
	switch a.Kind {
	case notify.ActionAccept:
		if err := o.Accept(); err != nil {
			o.log.Warn("notification accept ignored", "call_id", a.CallID, "err", err)
		}
	case notify.ActionDecline:
		if err := o.Reject(); err != nil {
			o.log.Warn("notification decline ignored", "call_id", a.CallID, "err", err)
		}
	case notify.ActionReply:
		o.replyMu.Lock()
		fn := o.replyFn
		o.replyMu.Unlock()
		o.mu.Lock()
		peerID := o.machine.Current().PeerID
		o.mu.Unlock()
		if fn != nil && peerID != "" {
			fn(peerID, a.ReplyText)
		}
	}
}

// --- media callbacks ---

// startMediaLocked attaches a fresh media session for the accepted call.
// Start runs on its own goroutine: engines may report connected
// synchronously and must not re-enter the orchestrator lock.
func (o *Orchestrator) startMediaLocked(callID string, kind signal.Kind, outgoing bool) {
	sess := o.mediaNew()
	peerID := o.machine.Current().PeerID

	sess.OnOutbound(func(payload json.RawMessage) {
		o.enqueue(peerID, signal.Signal{
			Type:    signal.TypeMediaNegotiation,
			CallID:  callID,
			FromID:  o.cfg.SelfID,
			ToID:    peerID,
			Payload: payload,
		})
	})
	sess.OnConnected(func() { o.onMediaConnected(callID) })
	sess.OnFailure(func(err error) { o.onMediaFailure(callID, err) })

	o.mediaSess = sess
	go func() {
		if err := sess.Start(context.Background(), kind, outgoing); err != nil {
			o.onMediaFailure(callID, err)
		}
	}()
}

func (o *Orchestrator) onMediaConnected(callID string) {
	o.mu.Lock()
	if !o.machine.Matches(callID) {
		o.mu.Unlock()
		return
	}
	if err := o.machine.Connected(); err != nil {
		o.mu.Unlock()
		o.log.Warn("media connected in unexpected phase", "call_id", callID, "err", err)
		return
	}
	snap := o.machine.Current()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) onMediaFailure(callID string, err error) {
	o.mu.Lock()
	if !o.machine.Matches(callID) {
		o.mu.Unlock()
		return
	}
	o.log.Warn("media failure, ending call", "call_id", callID, "err", err)
	o.finishLocked(session.ReasonMediaFailure, signal.TypeEnd)
	o.mu.Unlock()
}

// --- teardown ---

// finishLocked runs the ended transition synchronously: outbound farewell
// signal (optional, optimistic, never retried), media release first, alert
// dismissal, call-log append, then reset to idle. Callers hold o.mu.
func (o *Orchestrator) finishLocked(reason session.FinishReason, farewell signal.Type) {
	cur := o.machine.Current()
	outcome, err := o.machine.Finish(reason)
	if err != nil {
		o.log.Warn("finish dropped", "err", err)
		return
	}
	o.cancelRingTimerLocked()

	// Resource release is prioritized over protocol correctness: the media
	// session closes before any network farewell is attempted.
	if o.mediaSess != nil {
		o.mediaSess.Close()
		o.mediaSess = nil
	}

	if farewell != "" {
		o.enqueue(cur.PeerID, signal.Signal{
			Type:   farewell,
			CallID: cur.CallID,
			FromID: o.cfg.SelfID,
			ToID:   cur.PeerID,
		})
	}

	o.presenter.Dismiss(cur.CallID)

	durationSeconds := 0
	if outcome == session.OutcomeCompleted && !cur.StartedAt.IsZero() {
		durationSeconds = int(o.clock().UTC().Sub(cur.StartedAt) / time.Second)
		if durationSeconds < 0 {
			durationSeconds = 0
		}
	}
	o.appendLog(calllog.Entry{
		PeerID:          cur.PeerID,
		Direction:       cur.Direction,
		Kind:            cur.Kind,
		Outcome:         outcome,
		DurationSeconds: durationSeconds,
	})

	ended := o.machine.Current()
	o.machine.Reset()
	idle := o.machine.Current()

	// Every terminal cause funnels observers through the same ended
	// snapshot before the idle reset.
	o.publish(ended)
	o.publish(idle)
}

func (o *Orchestrator) appendLog(e calllog.Entry) {
	if o.logs == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.EndedAt = o.clock().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.logs.Append(ctx, e); err != nil {
		o.log.Warn("call log append failed", "peer_id", e.PeerID, "err", err)
	}
}

// --- timers ---

func (o *Orchestrator) startRingTimerLocked(callID string) {
	o.cancelRingTimerLocked()
	o.ringTimer = time.AfterFunc(o.cfg.RingTimeout, func() { o.onRingTimeout(callID) })
}

func (o *Orchestrator) cancelRingTimerLocked() {
	if o.ringTimer != nil {
		o.ringTimer.Stop()
		o.ringTimer = nil
	}
}

func (o *Orchestrator) onRingTimeout(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.machine.Matches(callID) {
		// Stale timer; the session already moved on.
		return
	}
	cur := o.machine.Current()
	if cur.Phase != session.PhaseRequested && cur.Phase != session.PhaseRinging {
		return
	}
	o.log.Info("ringing timed out", "call_id", callID, "direction", string(cur.Direction))
	farewell := signal.TypeEnd
	if cur.Direction == session.DirectionIncoming {
		farewell = signal.TypeReject
	}
	o.finishLocked(session.ReasonRingTimeout, farewell)
}

// --- async plumbing ---

// enqueue hands a signal to the send loop. Outbound delivery never blocks a
// state transition; on overflow the signal is dropped with a warning, per
// the no-retry policy.
func (o *Orchestrator) enqueue(toID string, sig signal.Signal) {
	select {
	case o.sendQ <- outbound{toID: toID, sig: sig}:
	case <-o.done:
	default:
		o.log.Warn("outbound signal queue full, dropping", "type", string(sig.Type), "call_id", sig.CallID)
	}
}

// sendLoop is the single outbound writer, preserving per-peer signal order.
func (o *Orchestrator) sendLoop() {
	for {
		select {
		case <-o.done:
			return
		case ob := <-o.sendQ:
			if o.transport == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := o.transport.Send(ctx, ob.toID, ob.sig)
			cancel()
			if err != nil {
				// No retry: peer-side inconsistency self-resolves via its
				// own timers.
				o.log.Warn("signal send failed", "type", string(ob.sig.Type), "call_id", ob.sig.CallID, "err", err)
			}
		}
	}
}

func (o *Orchestrator) publish(snap session.Session) {
	select {
	case o.updates <- snap:
	case <-o.done:
	default:
		o.log.Warn("state update queue full, dropping snapshot", "phase", string(snap.Phase))
	}
}

// notifyLoop delivers snapshots to observers in publish order.
func (o *Orchestrator) notifyLoop() {
	for {
		select {
		case <-o.done:
			return
		case snap := <-o.updates:
			o.obsMu.Lock()
			obs := make([]func(session.Session), len(o.observers))
			copy(obs, o.observers)
			o.obsMu.Unlock()
			for _, fn := range obs {
				fn(snap)
			}
		}
	}
}
