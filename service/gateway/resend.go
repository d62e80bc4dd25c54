package gateway

import (
	"context"
	"time"

	"miniim/logger"
	"miniim/service/storage"
	"miniim/service/store"
)

const resendLockPrefix = "im:gw:resend:lock:"

// resendSource is the storage slice the replay walk reads.
type resendSource interface {
	EnsureMemberCursors(ctx context.Context, userID string) error
	CursorsForUser(ctx context.Context, userID string) ([]store.MemberCursor, error)
	MessagesAfterSeq(ctx context.Context, conversationID string, afterSeq, limit int64) ([]store.Message, error)
	GetMessage(ctx context.Context, serverMsgID string) (*store.Message, error)
}

// resendPending replays undelivered messages to a freshly authenticated
// connection. It runs once per connection lifetime and only after a first
// AUTH. A shared lock bounds replay to one attempt per user at a time across
// simultaneous device reconnects; lock errors fail open to allow, duplicate
// replay being cheaper than lost replay.
func (g *Gateway) resendPending(conn *Conn) {
	uid := conn.UserID()
	if uid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lockKey := resendLockPrefix + uid
	held, err := storage.TryLock(ctx, g.rdb, lockKey, conn.ID, g.cfg.Gateway.ResendLockTTL)
	if err == nil && !held {
		return
	}
	if err == nil {
		defer func() { _ = storage.Unlock(ctx, g.rdb, lockKey, conn.ID) }()
	}

	sent := replayPending(ctx, conn, uid, g.store, g.cfg.Gateway.ResendLimit)
	if sent > 0 {
		logger.Infof("[resend] replayed %d messages to %s", sent, uid)
	}
}

// replayPending walks the user's cursor rows and replays everything past the
// delivered mark. Cursor rows are materialized first: a recipient who was
// offline for the first message of a conversation has never ACKed anything
// there, owns no row, and the walk would otherwise skip that conversation
// forever.
func replayPending(ctx context.Context, conn *Conn, uid string, src resendSource, limit int64) int {
	if err := src.EnsureMemberCursors(ctx, uid); err != nil {
		logger.Warnf("[resend] ensure cursors for %s: %v", uid, err)
	}
	cursors, err := src.CursorsForUser(ctx, uid)
	if err != nil {
		logger.Warnf("[resend] cursors for %s: %v", uid, err)
		return 0
	}

	sent := 0
	for _, cur := range cursors {
		if int64(sent) >= limit {
			break
		}
		msgs, err := src.MessagesAfterSeq(ctx, cur.ConversationID, cur.LastDeliveredSeq, limit-int64(sent))
		if err != nil {
			logger.Warnf("[resend] range %s for %s: %v", cur.ConversationID, uid, err)
			continue
		}
		for i := range msgs {
			msg := &msgs[i]
			if !resendTarget(uid, msg) {
				continue
			}
			// never force a backlog onto a saturated connection
			if !conn.Writable() {
				logger.Debugf("[resend] conn %s not writable, stopping replay", conn.ID)
				return sent
			}
			conn.SendRaw(replayFrame(ctx, uid, msg, src))
			sent++
		}
	}
	return sent
}

func resendTarget(uid string, msg *store.Message) bool {
	if msg.GroupID == "" {
		return msg.To == uid
	}
	return msg.From != uid
}

func replayFrame(ctx context.Context, uid string, msg *store.Message, src resendSource) []byte {
	if msg.Status == store.MsgStatusRevoked {
		// tombstone only; the stored body never leaves the server once revoked
		env := &Envelope{
			Type:        TypeMessageRevoked,
			ServerMsgID: msg.ID,
			From:        msg.From,
			MsgSeq:      msg.MsgSeq,
			Ts:          msg.CreatedAt.UnixMilli(),
		}
		if msg.GroupID == "" {
			env.To = msg.To
		} else {
			env.GroupID = msg.GroupID
		}
		return env.Encode()
	}
	env := &Envelope{
		ServerMsgID: msg.ID,
		From:        msg.From,
		Body:        msg.Body,
		MsgType:     msg.MsgType,
		MsgSeq:      msg.MsgSeq,
		Mentions:    msg.Mentions,
		ReplyTo:     msg.ReplyTo,
		Important:   replayImportant(ctx, uid, msg, src),
		Ts:          msg.CreatedAt.UnixMilli(),
	}
	if msg.GroupID == "" {
		env.Type = TypeSingleChat
		env.To = msg.To
	} else {
		env.Type = TypeGroupChat
		env.GroupID = msg.GroupID
	}
	return env.Encode()
}

// replayImportant flags mentions of the recipient and replies to their
// messages.
func replayImportant(ctx context.Context, uid string, msg *store.Message, src resendSource) bool {
	for _, m := range msg.Mentions {
		if m == uid {
			return true
		}
	}
	if msg.ReplyTo != "" {
		if orig, err := src.GetMessage(ctx, msg.ReplyTo); err == nil && orig != nil && orig.From == uid {
			return true
		}
	}
	return false
}
