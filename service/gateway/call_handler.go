package gateway

import (
	"context"
	"time"

	"miniim/logger"
	"miniim/service/store"
	"miniim/tools/ids"
	"miniim/tools/safe"
)

func callError(reason string, env *Envelope) *Envelope {
	out := &Envelope{Type: TypeCallError, Reason: reason, Ts: nowMillis()}
	if env != nil {
		out.CallID = env.CallID
	}
	return out
}

// handleCallInvite checks, in order: not self, supported kind, valid offer,
// friendship, callee presence, then atomic busy-checked creation. Each
// failure has its own reason so the caller UI can react precisely.
func (g *Gateway) handleCallInvite(conn *Conn, env *Envelope) {
	caller := conn.UserID()
	if env.To == "" {
		conn.Send(callError(ReasonMissingTo, env))
		return
	}
	if env.To == caller {
		conn.Send(callError(ReasonCannotCallSelf, env))
		return
	}
	kind := env.CallKind
	if kind == "" {
		kind = "audio"
	}
	if kind != "audio" && kind != "video" {
		conn.Send(callError(ReasonUnsupportedCallKind, env))
		return
	}
	if env.SDP == "" {
		conn.Send(callError(ReasonMissingSDP, env))
		return
	}
	if len(env.SDP) > g.cfg.Gateway.MaxSDPBytes {
		conn.Send(callError(ReasonSDPTooLong, env))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	friends, err := g.store.AreFriends(ctx, caller, env.To)
	if err != nil {
		conn.Send(callError(ReasonInternalError, env))
		return
	}
	if !friends {
		conn.Send(callError(ReasonNotFriend, env))
		return
	}
	if !g.UserReachable(ctx, env.To) {
		conn.Send(callError(ReasonCalleeOffline, env))
		return
	}

	callID := ids.GenerateString()
	call, ok := g.calls.TryCreate(callID, caller, env.To, kind)
	if !ok {
		conn.Send(callError(ReasonBusy, env))
		return
	}

	g.calls.ArmRingTimer(callID, g.cfg.Gateway.RingTimeout, func() {
		g.onRingTimeout(callID)
	})

	record := &store.CallRecord{
		ID: callID, CallerID: caller, CalleeID: env.To,
		Kind: kind, State: string(CallRinging), CreatedAt: call.CreatedAt,
	}
	safe.Go("call-record", func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rcancel()
		if err := g.store.SaveCallRecord(rctx, record); err != nil {
			logger.Warnf("[call] save record %s: %v", callID, err)
		}
	})

	invite := &Envelope{
		Type: TypeCallInvite, CallID: callID, From: caller, To: env.To,
		CallKind: kind, SDP: env.SDP, Ts: nowMillis(),
	}
	g.PushToUser(ctx, env.To, invite.Encode())

	// echo the assigned callId so the caller can address later frames
	conn.Send(&Envelope{Type: TypeCallInvite, CallID: callID, To: env.To, CallKind: kind, Ts: nowMillis()})
}

func (g *Gateway) onRingTimeout(callID string) {
	call, ok := g.calls.Terminate(callID, CallMissed, CallRinging)
	if !ok {
		return
	}
	g.recordCallState(callID, CallMissed, "timeout")
	timeout := &Envelope{Type: TypeCallTimeout, CallID: callID, Ts: nowMillis()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw := timeout.Encode()
	g.PushToUser(ctx, call.CallerID, raw)
	g.PushToUser(ctx, call.CalleeID, raw)
}

// lookupCall centralizes the callId/participant validation shared by every
// post-invite frame.
func (g *Gateway) lookupCall(conn *Conn, env *Envelope) (*CallSession, string, bool) {
	uid := conn.UserID()
	if env.CallID == "" {
		conn.Send(callError(ReasonMissingCallID, env))
		return nil, uid, false
	}
	call := g.calls.Get(env.CallID)
	if call == nil {
		conn.Send(callError(ReasonCallNotFound, env))
		return nil, uid, false
	}
	if !call.IsParticipant(uid) {
		conn.Send(callError(ReasonCallNotParticipant, env))
		return nil, uid, false
	}
	return call, uid, true
}

func (g *Gateway) handleCallAccept(conn *Conn, env *Envelope) {
	call, uid, ok := g.lookupCall(conn, env)
	if !ok {
		return
	}
	if uid != call.CalleeID {
		conn.Send(callError(ReasonOnlyCalleeAccept, env))
		return
	}
	if env.SDP == "" {
		conn.Send(callError(ReasonMissingSDP, env))
		return
	}
	if len(env.SDP) > g.cfg.Gateway.MaxSDPBytes {
		conn.Send(callError(ReasonSDPTooLong, env))
		return
	}
	if _, ok := g.calls.Accept(call.ID); !ok {
		conn.Send(callError(ReasonCallNotRinging, env))
		return
	}
	g.recordCallState(call.ID, CallAccepted, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallAccept, CallID: call.ID, From: uid, SDP: env.SDP, Ts: nowMillis()}
	g.PushToUser(ctx, call.CallerID, out.Encode())
}

func (g *Gateway) handleCallReject(conn *Conn, env *Envelope) {
	call, uid, ok := g.lookupCall(conn, env)
	if !ok {
		return
	}
	if uid != call.CalleeID {
		conn.Send(callError(ReasonOnlyCalleeReject, env))
		return
	}
	ended, ok := g.calls.Terminate(call.ID, CallRejected, CallRinging)
	if !ok {
		conn.Send(callError(ReasonCallNotRinging, env))
		return
	}
	g.recordCallState(call.ID, CallRejected, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallReject, CallID: call.ID, From: uid, Ts: nowMillis()}
	g.PushToUser(ctx, ended.CallerID, out.Encode())
}

func (g *Gateway) handleCallCancel(conn *Conn, env *Envelope) {
	call, uid, ok := g.lookupCall(conn, env)
	if !ok {
		return
	}
	if uid != call.CallerID {
		conn.Send(callError(ReasonOnlyCallerCancel, env))
		return
	}
	ended, ok := g.calls.Terminate(call.ID, CallCanceled, CallRinging)
	if !ok {
		conn.Send(callError(ReasonCallNotRinging, env))
		return
	}
	g.recordCallState(call.ID, CallCanceled, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallCancel, CallID: call.ID, From: uid, Ts: nowMillis()}
	g.PushToUser(ctx, ended.CalleeID, out.Encode())
}

func (g *Gateway) handleCallEnd(conn *Conn, env *Envelope) {
	call, uid, ok := g.lookupCall(conn, env)
	if !ok {
		return
	}
	ended, ok := g.calls.Terminate(call.ID, CallEnded, CallAccepted)
	if !ok {
		conn.Send(callError(ReasonCallNotRinging, env))
		return
	}
	g.recordCallState(call.ID, CallEnded, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallEnd, CallID: call.ID, From: uid, Ts: nowMillis()}
	g.PushToUser(ctx, ended.PeerOf(uid), out.Encode())
}

// handleCallICE relays candidates best-effort to the other participant while
// the call is live.
func (g *Gateway) handleCallICE(conn *Conn, env *Envelope) {
	call, uid, ok := g.lookupCall(conn, env)
	if !ok {
		return
	}
	if env.Candidate == "" {
		conn.Send(callError(ReasonMissingICE, env))
		return
	}
	if len(env.Candidate) > g.cfg.Gateway.MaxICEBytes {
		conn.Send(callError(ReasonICETooLong, env))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallICE, CallID: call.ID, From: uid, Candidate: env.Candidate, Ts: nowMillis()}
	g.PushToUser(ctx, call.PeerOf(uid), out.Encode())
}

// endCallsOnDisconnect force-fails the user's active call when their last
// connection drops, and tells the other side why.
func (g *Gateway) endCallsOnDisconnect(userID string) {
	call := g.calls.ActiveForUser(userID)
	if call == nil {
		return
	}
	ended, ok := g.calls.Terminate(call.ID, CallFailed)
	if !ok {
		return
	}
	g.recordCallState(call.ID, CallFailed, ReasonPeerDisconnect)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &Envelope{Type: TypeCallEnd, CallID: call.ID, Reason: ReasonPeerDisconnect, Ts: nowMillis()}
	g.PushToUser(ctx, ended.PeerOf(userID), out.Encode())
}

func (g *Gateway) recordCallState(callID string, state CallState, reason string) {
	safe.Go("call-state", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.UpdateCallState(ctx, callID, string(state), reason, time.Now()); err != nil {
			logger.Warnf("[call] update state %s -> %s: %v", callID, state, err)
		}
	})
}
