package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"miniim/global/config"
	"miniim/logger"
	"miniim/service/auth"
	"miniim/service/cluster"
	"miniim/service/filter"
	"miniim/service/storage"
	"miniim/service/store"
	"miniim/tools/ids"
	"miniim/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TwoPhaseProducer is the ingress of the accept -> deliver -> save pipeline;
// nil or disabled means every send takes the direct path.
type TwoPhaseProducer interface {
	Produce(ctx context.Context, from, to, clientMsgID, serverMsgID, body, msgType string, sendTs int64) error
}

// RouteRegistry is the cross-instance presence map; *storage.RouteStore in
// production.
type RouteRegistry interface {
	Claim(ctx context.Context, userID string, r storage.Route) (*storage.Route, error)
	Renew(ctx context.Context, userID string, r storage.Route) error
	Release(ctx context.Context, userID string, r storage.Route) error
	Lookup(ctx context.Context, userID string) (*storage.Route, error)
	BatchLookup(ctx context.Context, userIDs []string) (map[string]storage.Route, error)
}

// ControlBus carries kick/push control messages between instances;
// *cluster.Bus in production.
type ControlBus interface {
	Subscribe(handler func(cluster.ControlMessage)) error
	Kick(instanceID, userID, exceptConn, reason string) error
	Push(instanceID, userID string, payload []byte) error
	PushBatch(instanceID string, users []string, payload []byte) error
}

// SessionVersionStore is the authoritative login-epoch counter;
// *auth.SessionVersions in production.
type SessionVersionStore interface {
	Current(ctx context.Context, userID string) (int64, error)
	Bump(ctx context.Context, userID string) (int64, error)
}

// Gateway ties the connection runtime to its collaborators. One Gateway per
// process; instanceID is what route entries and cluster subjects carry.
type Gateway struct {
	cfg        *config.AppConfig
	instanceID string

	conns    *ConnManager
	routes   RouteRegistry
	idem     *storage.Idempotency
	rdb      *redis.Client
	store    *store.Store
	authOpts auth.Options
	sessVers SessionVersionStore
	bus      ControlBus
	sanitize filter.Sanitizer
	calls    *CallRegistry
	fanout   *Dispatcher
	debounce *Debouncer
	producer TwoPhaseProducer
}

type Deps struct {
	Cfg      *config.AppConfig
	Routes   RouteRegistry
	Idem     *storage.Idempotency
	Redis    *redis.Client
	Store    *store.Store
	SessVers SessionVersionStore
	Bus      ControlBus
	Sanitize filter.Sanitizer
	Producer TwoPhaseProducer
}

func New(d Deps) *Gateway {
	g := &Gateway{
		cfg:        d.Cfg,
		instanceID: d.Cfg.Instance.ID,
		conns:      NewConnManager(),
		routes:     d.Routes,
		idem:       d.Idem,
		rdb:        d.Redis,
		store:      d.Store,
		authOpts:   auth.Options{Secret: d.Cfg.JwtSecretBytes(), Alg: d.Cfg.Auth.JwtAlg},
		sessVers:   d.SessVers,
		bus:        d.Bus,
		sanitize:   d.Sanitize,
		producer:   d.Producer,
	}
	if g.sanitize == nil {
		g.sanitize = filter.Noop{}
	}
	g.calls = NewCallRegistry()
	g.fanout = NewDispatcher(&d.Cfg.Gateway, g.instanceID, g, g.routes, g.bus)
	g.debounce = NewDebouncer(d.Cfg.Gateway.UpdatedAtDebounce, g.store)
	return g
}

// SetProducer wires the two-phase pipeline after construction; the pipeline
// needs gateway callbacks, so it is built second.
func (g *Gateway) SetProducer(p TwoPhaseProducer) { g.producer = p }

// Register mounts the websocket endpoint plus the login-service hook and
// starts listening on the cluster bus.
func (g *Gateway) Register(r *gin.Engine) error {
	r.GET(g.cfg.Server.WsPath, g.HandleWS)
	r.POST("/internal/session/bump", g.handleSessionBump)
	return g.bus.Subscribe(g.onControl)
}

func (g *Gateway) Shutdown() {
	g.conns.Stop()
	g.debounce.Stop()
}

func (g *Gateway) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade: %v", err)
		return
	}

	gw := &g.cfg.Gateway
	conn := newConn(ids.GenerateString(), ws, gw.SendQueueCap, gw.SerialQueueMaxPending, g.cfg.Auth.AuthWindow)
	conn.guard = NewBackpressureGuard(gw.BackpressureGrace, conn.Queued, func(int) {
		g.teardown(conn, "backpressure")
	})
	g.conns.Add(conn)
	safe.Go("ws-writer-"+conn.ID, conn.writeLoop)

	// handshake credential: Authorization header or token query param; both
	// converge on the same bind as the in-band AUTH frame
	if token := handshakeToken(c.Request); token != "" {
		g.authenticate(conn, token, true)
	}

	g.readLoop(conn)
}

func handshakeToken(r *http.Request) string {
	const bearer = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(bearer) && h[:len(bearer)] == bearer {
		return h[len(bearer):]
	}
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	return q.Get("accessToken")
}

func (g *Gateway) readLoop(conn *Conn) {
	defer g.teardown(conn, "connection closed")

	conn.ws.SetReadLimit(int64(g.cfg.Gateway.MaxSDPBytes + 4096))
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := DecodeEnvelope(raw)
		if err != nil {
			conn.Send(errorFrame(errReason(err)))
			if conn.protocolStrike() {
				conn.Close("protocol errors")
				return
			}
			continue
		}
		g.dispatch(conn, env)
		select {
		case <-conn.Done():
			return
		default:
		}
	}
}

func errReason(err error) string {
	if err == errBadJSON {
		return ReasonBadJSON
	}
	return ReasonMissingType
}

func (g *Gateway) dispatch(conn *Conn, env *Envelope) {
	switch env.Type {
	case TypeAuth:
		g.handleAuth(conn, env)
		return
	case TypeReauth:
		g.handleReauth(conn, env)
		return
	case TypePing:
		g.handlePing(conn)
		return
	}

	if !g.requireSession(conn) {
		return
	}

	switch env.Type {
	case TypeSingleChat:
		g.handleSingleChat(conn, env)
	case TypeGroupChat:
		g.handleGroupChat(conn, env)
	case TypeAck:
		g.handleAck(conn, env)
	case TypeMessageRevoke:
		g.handleRevoke(conn, env)
	case TypeFriendRequest:
		g.handleFriendRequest(conn, env)
	case TypeCallInvite:
		g.handleCallInvite(conn, env)
	case TypeCallAccept:
		g.handleCallAccept(conn, env)
	case TypeCallReject:
		g.handleCallReject(conn, env)
	case TypeCallCancel:
		g.handleCallCancel(conn, env)
	case TypeCallEnd:
		g.handleCallEnd(conn, env)
	case TypeCallICE:
		g.handleCallICE(conn, env)
	default:
		conn.Send(errorFrameFor(ReasonNotImplemented, env))
	}
}

// requireSession gates every frame other than AUTH/REAUTH/PING: the
// connection must be authenticated, unexpired and on the current session
// epoch.
func (g *Gateway) requireSession(conn *Conn) bool {
	if conn.TokenExpired() {
		conn.Send(errorFrame(ReasonTokenExpired))
		conn.Close(ReasonTokenExpired)
		return false
	}
	if !conn.Authorized() {
		conn.Send(errorFrame(ReasonUnauthorized))
		conn.Close(ReasonUnauthorized)
		return false
	}
	conn.mu.Lock()
	checker := conn.checker
	uid := conn.userID
	epoch := conn.epoch
	conn.mu.Unlock()
	if checker != nil && !checker.Valid(context.Background(), uid, epoch) {
		conn.Send(errorFrame(ReasonSessionInvalid))
		conn.Close(ReasonSessionInvalid)
		return false
	}
	return true
}

func (g *Gateway) handlePing(conn *Conn) {
	conn.Send(&Envelope{Type: TypePong, Ts: nowMillis()})
	if uid := conn.UserID(); uid != "" {
		route := storage.Route{InstanceID: g.instanceID, ConnID: conn.ID}
		safe.Go("route-renew", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = g.routes.Renew(ctx, uid, route)
		})
	}
}

// teardown runs exactly once per connection regardless of which path closed
// it: unbind locally, release the route if still ours, end any active call.
func (g *Gateway) teardown(conn *Conn, reason string) {
	conn.Close(reason)
	g.conns.Remove(conn)
	uid := conn.UserID()
	if uid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = g.routes.Release(ctx, uid, storage.Route{InstanceID: g.instanceID, ConnID: conn.ID})
	if !g.conns.UserOnline(uid) {
		g.endCallsOnDisconnect(uid)
	}
}

// onControl handles kick/push/push_batch addressed to this instance.
func (g *Gateway) onControl(cm cluster.ControlMessage) {
	switch cm.Kind {
	case cluster.KindKick:
		reason := cm.Reason
		if reason == "" {
			reason = ReasonSessionInvalid
		}
		g.kickLocal(cm.UserID, cm.ExceptConn, reason)
	case cluster.KindPush:
		g.PushLocal(cm.UserID, cm.Payload)
	case cluster.KindPushBatch:
		for _, uid := range cm.Users {
			g.PushLocal(uid, cm.Payload)
		}
	default:
		logger.Debugf("[cluster] unknown control kind %q", cm.Kind)
	}
}
