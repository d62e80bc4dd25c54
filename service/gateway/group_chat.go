package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"miniim/service/storage"
	"miniim/service/store"
	"miniim/tools/ids"
)

const bizGroupChat = "group_chat"

func (g *Gateway) handleGroupChat(conn *Conn, env *Envelope) {
	from := conn.UserID()
	if env.GroupID == "" {
		conn.Send(errorFrameFor(ReasonMissingTo, env))
		return
	}
	if reason := validateChatFrame(env, g.cfg.Gateway.MaxBodyBytes); reason != "" {
		conn.Send(errorFrameFor(reason, env))
		return
	}
	body := g.sanitize.Sanitize(env.Body)

	if !conn.queue.TryEnqueue(func() error {
		return g.processGroupChat(conn, from, env, body)
	}) {
		conn.Send(errorFrameFor(ReasonServerBusy, env))
	}
}

func (g *Gateway) processGroupChat(conn *Conn, from string, env *Envelope, body string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ok, err := g.store.IsGroupMember(ctx, env.GroupID, from)
	if err != nil {
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	if !ok {
		conn.Send(errorFrameFor(ReasonNotGroupMember, env))
		return nil
	}

	key := storage.ClientMsgKey(from, bizGroupChat, env.ClientMsgID)
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
		msg, _ := g.store.GetMessage(ctx, existing)
		conn.Send(duplicateAck(env.ClientMsgID, existing, msg))
		return nil
	}

	conv, err := g.store.GetOrCreateGroup(ctx, env.GroupID)
	if err != nil {
		g.idem.Rollback(ctx, key)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	seq, err := g.store.NextSeq(ctx, conv.ID)
	if err != nil {
		g.idem.Rollback(ctx, key)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	msg := &store.Message{
		ID:             serverMsgID,
		ConversationID: conv.ID,
		GroupID:        env.GroupID,
		From:           from,
		Body:           body,
		MsgType:        env.MsgType,
		Status:         store.MsgStatusSaved,
		MsgSeq:         seq,
		ClientMsgID:    env.ClientMsgID,
		Mentions:       env.Mentions,
		ReplyTo:        env.ReplyTo,
		CreatedAt:      time.Now(),
	}
	if err := g.store.SaveMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrMessageExists) {
		g.idem.Rollback(ctx, key)
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}

	conn.Send(&Envelope{
		Type: TypeAck, AckType: AckSaved,
		ClientMsgID: env.ClientMsgID, ServerMsgID: serverMsgID,
		MsgSeq: seq, Ts: nowMillis(),
	})

	members, err := g.store.GroupMemberIDs(ctx, env.GroupID)
	if err != nil {
		// message is durable; recipients recover via resend
		return err
	}
	important := g.importantRecipients(ctx, msg)

	full := Envelope{
		Type:        TypeGroupChat,
		ServerMsgID: serverMsgID,
		From:        from,
		GroupID:     env.GroupID,
		Body:        body,
		MsgType:     env.MsgType,
		MsgSeq:      seq,
		Mentions:    env.Mentions,
		ReplyTo:     env.ReplyTo,
		Ts:          nowMillis(),
	}
	notify := Envelope{
		Type:        TypeGroupNotify,
		ServerMsgID: serverMsgID,
		From:        from,
		GroupID:     env.GroupID,
		MsgSeq:      seq,
		Ts:          full.Ts,
	}
	g.fanout.Dispatch(ctx, from, members, important, &full, &notify)
	g.debounce.Touch(conv.ID)
	return nil
}

// importantRecipients marks @-mentioned members and the author of a
// replied-to message.
func (g *Gateway) importantRecipients(ctx context.Context, msg *store.Message) map[string]bool {
	out := make(map[string]bool, len(msg.Mentions)+1)
	for _, uid := range msg.Mentions {
		out[uid] = true
	}
	if msg.ReplyTo != "" {
		if orig, err := g.store.GetMessage(ctx, msg.ReplyTo); err == nil && orig != nil {
			out[orig.From] = true
		}
	}
	return out
}
