package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"miniim/logger"
	"miniim/service/storage"
	"miniim/service/store"
	"miniim/tools/ids"
)

const bizSingleChat = "single_chat"

func (g *Gateway) handleSingleChat(conn *Conn, env *Envelope) {
	from := conn.UserID()
	if reason := validateChatFrame(env, g.cfg.Gateway.MaxBodyBytes); reason != "" {
		conn.Send(errorFrameFor(reason, env))
		return
	}
	if env.To == "" {
		conn.Send(errorFrameFor(ReasonMissingTo, env))
		return
	}
	if env.To == from {
		conn.Send(errorFrameFor(ReasonCannotSendToSelf, env))
		return
	}
	body := g.sanitize.Sanitize(env.Body)

	if !conn.queue.TryEnqueue(func() error {
		return g.processSingleChat(conn, from, env, body)
	}) {
		conn.Send(errorFrameFor(ReasonServerBusy, env))
	}
}

func validateChatFrame(env *Envelope, maxBody int) string {
	if env.ClientMsgID == "" {
		return ReasonMissingMsgID
	}
	if env.Body == "" {
		return ReasonMissingBody
	}
	if len(env.Body) > maxBody {
		return ReasonBodyTooLong
	}
	return ""
}

func (g *Gateway) processSingleChat(conn *Conn, from string, env *Envelope, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := storage.ClientMsgKey(from, bizSingleChat, env.ClientMsgID)
	serverMsgID := ids.GenerateString()

	existing, fresh, err := g.idem.Claim(ctx, key, serverMsgID)
	if err != nil {
		if errors.Is(err, storage.ErrIdemUnavailable) {
			conn.Send(errorFrameFor(ReasonServerBusy, env))
		} else {
			conn.Send(errorFrameFor(ReasonInternalError, env))
		}
		return err
	}
	if !fresh {
		// retry of an admitted send: the first claim's id is authoritative,
		// nothing is re-persisted or re-pushed
		msg, _ := g.store.GetMessage(ctx, existing)
		conn.Send(duplicateAck(env.ClientMsgID, existing, msg))
		return nil
	}

	if g.cfg.Gateway.TwoPhase.Enabled && g.producer != nil {
		err := g.producer.Produce(ctx, from, env.To, env.ClientMsgID, serverMsgID, body, env.MsgType, nowMillis())
		if err == nil {
			conn.Send(&Envelope{
				Type: TypeAck, AckType: AckAccepted,
				ClientMsgID: env.ClientMsgID, ServerMsgID: serverMsgID,
				Ts: nowMillis(),
			})
			return nil
		}
		logger.Warnf("[singlechat] two-phase produce failed, falling back to direct: %v", err)
	}

	return g.persistAndDeliver(ctx, conn, from, env, body, key, serverMsgID)
}

// duplicateAck answers a retried clientMsgId. The claim's serverMsgId is
// authoritative either way, but saved is only asserted once the message is
// actually durable; a claim still in flight through the pipeline gets
// accepted and the save stage's own ACK follows.
func duplicateAck(clientMsgID, serverMsgID string, msg *store.Message) *Envelope {
	if msg != nil {
		return &Envelope{
			Type: TypeAck, AckType: AckSaved,
			ClientMsgID: clientMsgID, ServerMsgID: serverMsgID,
			MsgSeq: msg.MsgSeq, Ts: nowMillis(),
		}
	}
	return &Envelope{
		Type: TypeAck, AckType: AckAccepted,
		ClientMsgID: clientMsgID, ServerMsgID: serverMsgID,
		Ts: nowMillis(),
	}
}

// persistAndDeliver is the direct path: conversation, sequence, durable
// write, saved ACK, then push.
func (g *Gateway) persistAndDeliver(ctx context.Context, conn *Conn, from string, env *Envelope, body, idemKey, serverMsgID string) error {
	conv, err := g.store.GetOrCreateSingle(ctx, from, env.To)
	if err != nil {
		g.idem.Rollback(ctx, idemKey)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	seq, err := g.store.NextSeq(ctx, conv.ID)
	if err != nil {
		g.idem.Rollback(ctx, idemKey)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	msg := &store.Message{
		ID:             serverMsgID,
		ConversationID: conv.ID,
		From:           from,
		To:             env.To,
		Body:           body,
		MsgType:        env.MsgType,
		Status:         store.MsgStatusSaved,
		MsgSeq:         seq,
		ClientMsgID:    env.ClientMsgID,
		ReplyTo:        env.ReplyTo,
		CreatedAt:      time.Now(),
	}
	if err := g.store.SaveMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrMessageExists) {
		g.idem.Rollback(ctx, idemKey)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}

	conn.Send(&Envelope{
		Type: TypeAck, AckType: AckSaved,
		ClientMsgID: env.ClientMsgID, ServerMsgID: serverMsgID,
		MsgSeq: seq, Ts: nowMillis(),
	})

	push := &Envelope{
		Type:        TypeSingleChat,
		ServerMsgID: serverMsgID,
		From:        from,
		To:          env.To,
		Body:        body,
		MsgType:     env.MsgType,
		MsgSeq:      seq,
		ReplyTo:     env.ReplyTo,
		Ts:          nowMillis(),
	}
	g.PushToUser(ctx, env.To, push.Encode())
	g.debounce.Touch(conv.ID)
	return nil
}
