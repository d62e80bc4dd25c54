package pipeline

import (
	"context"

	"github.com/pkg/errors"

	"miniim/logger"
)

var ErrQueueFull = errors.New("two-phase local queue full")

// localQueue keeps both stage logs as bounded in-process channels. Ordering
// per conversation holds because both channels are drained by a single
// worker each.
type localQueue struct {
	accepted chan Accepted
	toSave   chan Accepted
}

func newLocalQueue(capacity int) *localQueue {
	return &localQueue{
		accepted: make(chan Accepted, capacity),
		toSave:   make(chan Accepted, capacity),
	}
}

func (q *localQueue) appendAccepted(_ context.Context, m Accepted) error {
	select {
	case q.accepted <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *localQueue) appendToSave(ctx context.Context, m Accepted) error {
	select {
	case q.toSave <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *localQueue) run(ctx context.Context, p *Pipeline) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-q.accepted:
				if err := p.handleAccepted(ctx, m); err != nil {
					logger.Warnf("[twophase] deliver stage %s: %v", m.ServerMsgID, err)
				}
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-q.toSave:
			if err := p.handleToSave(ctx, m); err != nil {
				logger.Warnf("[twophase] save stage %s: %v", m.ServerMsgID, err)
			}
		}
	}
}
