package gateway

import (
	"context"
	"time"

	"miniim/service/store"
	"miniim/tools/ids"
)

// handleFriendRequest relays a friend request to the target and persists it
// so offline targets see it on next login.
func (g *Gateway) handleFriendRequest(conn *Conn, env *Envelope) {
	from := conn.UserID()
	if env.To == "" {
		conn.Send(errorFrameFor(ReasonMissingTo, env))
		return
	}
	if env.To == from {
		conn.Send(errorFrameFor(ReasonCannotSendToSelf, env))
		return
	}
	conn.queue.Enqueue(func() error {
		return g.processFriendRequest(conn, from, env)
	})
}

func (g *Gateway) processFriendRequest(conn *Conn, from string, env *Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	already, err := g.store.AreFriends(ctx, from, env.To)
	if err != nil {
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}
	if already {
		conn.Send(errorFrameFor(ReasonAlreadyFriends, env))
		return nil
	}

	req := &store.FriendRequest{
		ID:        ids.GenerateString(),
		From:      from,
		To:        env.To,
		Message:   env.Body,
		CreatedAt: time.Now(),
	}
	if err := g.store.SaveFriendRequest(ctx, req); err != nil {
		conn.Send(errorFrameFor(ReasonInternalError, env))
		return err
	}

	out := &Envelope{
		Type: TypeFriendRequest,
		From: from,
		To:   env.To,
		Body: env.Body,
		Ts:   nowMillis(),
	}
	g.PushToUser(ctx, env.To, out.Encode())
	return nil
}
