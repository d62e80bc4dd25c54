package gateway

import (
	"context"
	"time"
)

// handleRevoke lets a sender retract a message inside the revoke window. The
// stored body stays; peers get MESSAGE_REVOKED and render a placeholder.
func (g *Gateway) handleRevoke(conn *Conn, env *Envelope) {
	if env.ServerMsgID == "" {
		conn.Send(errorFrameFor(ReasonMissingServerMsg, env))
		return
	}
	uid := conn.UserID()
	conn.queue.Enqueue(func() error {
		return g.processRevoke(conn, uid, env)
	})
}

func (g *Gateway) processRevoke(conn *Conn, uid string, env *Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := g.store.GetMessage(ctx, env.ServerMsgID)
	if err != nil {
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	if msg == nil {
		conn.Send(errorFrameFor(ReasonMessageNotFound, env))
		return nil
	}
	if msg.From != uid {
		conn.Send(errorFrameFor(ReasonRevokeNotAllowed, env))
		return nil
	}
	if time.Since(msg.CreatedAt) > g.cfg.Gateway.RevokeWindow {
		conn.Send(errorFrameFor(ReasonRevokeWindowOver, env))
		return nil
	}

	if err := g.store.MarkRevoked(ctx, msg.ID, time.Now()); err != nil {
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}

	revoked := &Envelope{
		Type:        TypeMessageRevoked,
		ServerMsgID: msg.ID,
		From:        uid,
		GroupID:     msg.GroupID,
		MsgSeq:      msg.MsgSeq,
		Ts:          nowMillis(),
	}
	raw := revoked.Encode()

	// confirm to the sender's own devices first
	conn.SendRaw(raw)

	if msg.GroupID == "" {
		g.PushToUser(ctx, msg.To, raw)
		return nil
	}
	members, err := g.store.GroupMemberIDs(ctx, msg.GroupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == uid {
			continue
		}
		g.PushToUser(ctx, m, raw)
	}
	return nil
}
