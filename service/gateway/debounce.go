package gateway

import (
	"context"
	"sync"
	"time"

	"miniim/logger"
)

// ConversationToucher is the slice of the store the debouncer needs.
type ConversationToucher interface {
	TouchUpdatedAt(ctx context.Context, conversationID string, ts time.Time) error
}

// Debouncer coalesces last-activity updates per conversation. A burst of
// sends inside one window costs a single write.
type Debouncer struct {
	window time.Duration
	store  ConversationToucher

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func NewDebouncer(window time.Duration, store ConversationToucher) *Debouncer {
	return &Debouncer{
		window:  window,
		store:   store,
		pending: make(map[string]*time.Timer),
	}
}

func (d *Debouncer) Touch(conversationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if _, armed := d.pending[conversationID]; armed {
		return
	}
	d.pending[conversationID] = time.AfterFunc(d.window, func() {
		d.flush(conversationID)
	})
}

func (d *Debouncer) flush(conversationID string) {
	d.mu.Lock()
	delete(d.pending, conversationID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.TouchUpdatedAt(ctx, conversationID, time.Now()); err != nil {
		logger.Warnf("[debounce] touch %s: %v", conversationID, err)
	}
}

func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.pending {
		t.Stop()
		delete(d.pending, id)
	}
}
