package gateway

import (
	"sync"
	"time"

	"miniim/logger"
)

// BackpressureGuard closes a connection whose outbound buffer stays
// saturated past a grace period. The first unwritable signal records the
// timestamp and arms a single one-shot check; repeated unwritable signals
// while armed change nothing. Writability returning clears the state and
// cancels the check.
type BackpressureGuard struct {
	grace   time.Duration
	onEvict func(queued int)

	mu              sync.Mutex
	unwritableSince time.Time
	timer           *time.Timer
	queuedFn        func() int
}

func NewBackpressureGuard(grace time.Duration, queuedFn func() int, onEvict func(queued int)) *BackpressureGuard {
	return &BackpressureGuard{grace: grace, queuedFn: queuedFn, onEvict: onEvict}
}

func (g *BackpressureGuard) Unwritable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.unwritableSince.IsZero() {
		return
	}
	g.unwritableSince = time.Now()
	g.timer = time.AfterFunc(g.grace, g.check)
}

func (g *BackpressureGuard) Writable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unwritableSince.IsZero() {
		return
	}
	g.unwritableSince = time.Time{}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *BackpressureGuard) check() {
	g.mu.Lock()
	since := g.unwritableSince
	g.mu.Unlock()
	if since.IsZero() || time.Since(since) < g.grace {
		return
	}
	queued := 0
	if g.queuedFn != nil {
		queued = g.queuedFn()
	}
	logger.Warnf("[backpressure] connection saturated for %s, queued=%d, evicting", time.Since(since), queued)
	g.onEvict(queued)
}

// Stop releases the pending timer when the connection closes for another
// reason.
func (g *BackpressureGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
