package gateway

import (
	"sync/atomic"

	"miniim/logger"
)

// SerialQueue runs tasks strictly in enqueue order for one connection, even
// though each task may itself block on storage or the shared store. The tail
// pointer is swapped with CAS; every task waits for its predecessor's done
// channel, so a slow task delays later ones but never reorders them. Task
// errors are logged and swallowed: one failing message must not stall the
// chain behind it.
type SerialQueue struct {
	tail       atomic.Pointer[chan struct{}]
	pending    atomic.Int32
	maxPending int32
}

// NewSerialQueue with maxPending <= 0 means unbounded.
func NewSerialQueue(maxPending int) *SerialQueue {
	return &SerialQueue{maxPending: int32(maxPending)}
}

func (q *SerialQueue) Pending() int {
	return int(q.pending.Load())
}

// TryEnqueue appends fn after the current tail. Returns false when the bound
// is hit; the caller answers server_busy instead of queueing unbounded work.
func (q *SerialQueue) TryEnqueue(fn func() error) bool {
	return q.enqueue(fn, true)
}

// Enqueue is the unbounded form for frames that must never be rejected.
func (q *SerialQueue) Enqueue(fn func() error) {
	q.enqueue(fn, false)
}

func (q *SerialQueue) enqueue(fn func() error, bounded bool) bool {
	if bounded && q.maxPending > 0 {
		if q.pending.Add(1) > q.maxPending {
			q.pending.Add(-1)
			return false
		}
	} else {
		q.pending.Add(1)
	}

	done := make(chan struct{})
	var prev *chan struct{}
	for {
		prev = q.tail.Load()
		if q.tail.CompareAndSwap(prev, &done) {
			break
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[serialq] task panic: %v", r)
			}
			close(done)
			q.pending.Add(-1)
		}()
		if prev != nil {
			<-*prev
		}
		if err := fn(); err != nil {
			logger.Warnf("[serialq] task failed: %v", err)
		}
	}()
	return true
}
