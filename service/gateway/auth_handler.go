package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"miniim/logger"
	"miniim/service/auth"
	"miniim/service/storage"
	"miniim/tools/safe"
)

func (g *Gateway) handleAuth(conn *Conn, env *Envelope) {
	g.authenticate(conn, env.Token, true)
}

// authenticate verifies the credential and binds the connection. firstAuth
// controls whether offline resend may run; REAUTH never replays.
func (g *Gateway) authenticate(conn *Conn, token string, firstAuth bool) {
	if token == "" {
		g.authFail(conn, ReasonMissingToken)
		return
	}
	id, err := auth.Verify(g.authOpts, token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			g.authFail(conn, ReasonTokenExpired)
		} else {
			g.authFail(conn, ReasonInvalidToken)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// epoch check at bind time; a token minted before the latest login is
	// already superseded
	epoch := id.SessionVersion
	if cur, err := g.sessVers.Current(ctx, id.UserID); err == nil {
		if id.SessionVersion > 0 && cur > id.SessionVersion {
			g.authFail(conn, ReasonSessionInvalid)
			return
		}
		if cur > epoch {
			epoch = cur
		}
	}

	checker := auth.NewEpochChecker(g.sessVers, g.cfg.Auth.SessionVersionRecheck)
	conn.bind(id.UserID, id.ExpiresAt, epoch, checker)
	g.conns.BindUser(conn)

	route := storage.Route{InstanceID: g.instanceID, ConnID: conn.ID}
	if old, err := g.routes.Claim(ctx, id.UserID, route); err == nil && old != nil && old.ConnID != conn.ID {
		// same-epoch binds are multi-device and coexist; supersession is
		// epoch-driven, eagerly below for local conns, via ForceNewLogin
		// and the lazy checker for remote ones
		logger.Debugf("[auth] %s route moved from %s/%s to %s/%s",
			id.UserID, old.InstanceID, old.ConnID, route.InstanceID, route.ConnID)
	}
	for _, other := range g.conns.UserConns(id.UserID) {
		if other.ID != conn.ID && other.Epoch() < epoch {
			other.Send(errorFrame(ReasonSessionInvalid))
			g.teardown(other, ReasonSessionInvalid)
		}
	}

	conn.Send(&Envelope{Type: TypeAuthOK, To: id.UserID, Ts: nowMillis()})
	logger.Infof("[auth] user %s bound to conn %s", id.UserID, conn.ID)

	if firstAuth && conn.markResendDone() {
		safe.Go("resend-"+conn.ID, func() { g.resendPending(conn) })
	}
}

func (g *Gateway) authFail(conn *Conn, reason string) {
	conn.Send(&Envelope{Type: TypeAuthFail, Reason: reason, Ts: nowMillis()})
	conn.Close(reason)
}

// handleReauth refreshes the credential on a live connection. The new token
// must belong to the already-bound user.
func (g *Gateway) handleReauth(conn *Conn, env *Envelope) {
	if !conn.Authorized() && !conn.TokenExpired() {
		// never authenticated; treat like a first AUTH
		g.authenticate(conn, env.Token, true)
		return
	}
	if env.Token == "" {
		g.authFail(conn, ReasonMissingToken)
		return
	}
	id, err := auth.Verify(g.authOpts, env.Token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			g.authFail(conn, ReasonTokenExpired)
		} else {
			g.authFail(conn, ReasonInvalidToken)
		}
		return
	}
	if uid := conn.UserID(); uid != "" && uid != id.UserID {
		g.authFail(conn, ReasonReauthUIDMismatch)
		return
	}

	conn.mu.Lock()
	conn.tokenExpiry = id.ExpiresAt
	if id.SessionVersion > conn.epoch {
		conn.epoch = id.SessionVersion
	}
	checker := conn.checker
	conn.mu.Unlock()
	if checker != nil {
		checker.Reset()
	}
	conn.Send(&Envelope{Type: TypeAuthOK, To: id.UserID, Ts: nowMillis()})
}
