package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"miniim/logger"
	"miniim/service/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Conn wraps one client websocket. All writes go through the bounded send
// channel; exactly one writer goroutine drains it, so no two goroutines ever
// touch the socket concurrently.
type Conn struct {
	ID string

	ws    *websocket.Conn
	send  chan []byte
	queue *SerialQueue
	guard *BackpressureGuard

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	userID       string
	authorized   bool
	tokenExpiry  time.Time
	epoch        int64
	checker      *auth.EpochChecker
	authDeadline time.Time
	resendDone   bool
	closeReason  string

	protoErrs     int
	protoErrSince time.Time
}

// protocolStrike counts malformed frames; too many inside a minute means the
// peer is broken or hostile and the connection should go.
func (c *Conn) protocolStrike() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.protoErrSince) > time.Minute {
		c.protoErrs = 0
		c.protoErrSince = now
	}
	c.protoErrs++
	return c.protoErrs >= 5
}

func newConn(id string, ws *websocket.Conn, sendCap, queueBound int, authWindow time.Duration) *Conn {
	return &Conn{
		ID:           id,
		ws:           ws,
		send:         make(chan []byte, sendCap),
		queue:        NewSerialQueue(queueBound),
		closed:       make(chan struct{}),
		authDeadline: time.Now().Add(authWindow),
	}
}

func (c *Conn) bind(userID string, expiry time.Time, epoch int64, checker *auth.EpochChecker) {
	c.mu.Lock()
	c.userID = userID
	c.authorized = true
	c.tokenExpiry = expiry
	c.epoch = epoch
	c.checker = checker
	c.mu.Unlock()
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized && time.Now().Before(c.tokenExpiry)
}

func (c *Conn) TokenExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized && !time.Now().Before(c.tokenExpiry)
}

func (c *Conn) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// markResendDone returns true the first time only; offline replay runs once
// per connection lifetime.
func (c *Conn) markResendDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resendDone {
		return false
	}
	c.resendDone = true
	return true
}

// Writable reports whether the send buffer has room; the resend path skips
// already-saturated connections instead of piling a backlog onto them.
func (c *Conn) Writable() bool {
	return len(c.send) < cap(c.send)
}

func (c *Conn) Queued() int { return len(c.send) }

// SendRaw enqueues pre-serialized bytes without blocking. A full buffer
// trips the backpressure guard and drops the frame.
func (c *Conn) SendRaw(raw []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		if c.guard != nil {
			c.guard.Unwritable()
		}
		return false
	}
}

func (c *Conn) Send(env *Envelope) bool {
	return c.SendRaw(env.Encode())
}

// Close is idempotent; the first reason wins and is what gets logged.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
		if c.guard != nil {
			c.guard.Stop()
		}
		if c.ws != nil {
			_ = c.ws.Close()
		}
		logger.Debugf("[conn] %s closed: %s", c.ID, reason)
	})
}

func (c *Conn) Done() <-chan struct{} { return c.closed }

// writeLoop owns the socket for writing: drains the send channel, keeps the
// peer alive with pings, and reports drained buffers to the guard.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.Close("write error")
				return
			}
			if c.guard != nil && len(c.send) <= cap(c.send)/2 {
				c.guard.Writable()
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping write error")
				return
			}
		case <-c.closed:
			return
		}
	}
}
