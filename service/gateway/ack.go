package gateway

import (
	"context"
	"time"

	"miniim/service/store"
)

func (g *Gateway) handleAck(conn *Conn, env *Envelope) {
	ackType := normalizeAckType(env.AckType)
	if ackType == "" {
		conn.Send(errorFrameFor(ReasonMissingAckType, env))
		return
	}
	if env.ServerMsgID == "" {
		conn.Send(errorFrameFor(ReasonMissingServerMsg, env))
		return
	}
	uid := conn.UserID()
	conn.queue.Enqueue(func() error {
		return g.processAck(conn, uid, ackType, env)
	})
}

func (g *Gateway) processAck(conn *Conn, uid, ackType string, env *Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

	// only a recipient may move its own cursor
	if !g.mayAck(ctx, uid, msg) {
		conn.Send(errorFrameFor(ReasonAckNotAllowed, env))
		return nil
	}

	switch ackType {
	case AckDelivered:
		if err := g.store.AdvanceDelivered(ctx, msg.ConversationID, uid, msg.MsgSeq); err != nil {
			conn.Send(errorFrameFor(ReasonInternalError, env))
			return err
		}
		if msg.GroupID == "" && msg.Status == store.MsgStatusSaved {
			_ = g.store.MarkStatus(ctx, msg.ID, store.MsgStatusDelivered)
		}
	case AckRead:
		if err := g.store.AdvanceRead(ctx, msg.ConversationID, uid, msg.MsgSeq); err != nil {
			conn.Send(errorFrameFor(ReasonInternalError, env))
			return err
		}
		if msg.GroupID == "" && msg.Status != store.MsgStatusRevoked {
			_ = g.store.MarkStatus(ctx, msg.ID, store.MsgStatusRead)
		}
	}

	// let the sender see the receipt
	receipt := &Envelope{
		Type:        TypeAck,
		AckType:     ackType,
		ServerMsgID: msg.ID,
		From:        uid,
		To:          msg.From,
		GroupID:     msg.GroupID,
		MsgSeq:      msg.MsgSeq,
		Ts:          nowMillis(),
	}
	g.PushToUser(ctx, msg.From, receipt.Encode())
	return nil
}

func (g *Gateway) mayAck(ctx context.Context, uid string, msg *store.Message) bool {
	if msg.GroupID == "" {
		return msg.To == uid
	}
	if msg.From == uid {
		return false
	}
	ok, err := g.store.IsGroupMember(ctx, msg.GroupID, uid)
	return err == nil && ok
}
