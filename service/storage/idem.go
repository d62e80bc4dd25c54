package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"miniim/logger"
	"miniim/tools/safe"
)

const idemKeyPrefix = "im:idem:client_msg_id:"

// ClientMsgKey builds the dedup key for one logical send attempt.
func ClientMsgKey(senderID, biz, clientMsgID string) string {
	return strings.Join([]string{senderID, biz, clientMsgID}, ":")
}

type idemEntry struct {
	serverMsgID string
	expireAt    time.Time
}

// Idempotency maps send-attempt keys to the serverMsgId that won the first
// claim. Two layers: a local TTL cache absorbs same-instance retries, redis
// SET NX arbitrates across instances. After a redis error all claims fail
// fast for failFast so a flapping store doesn't stall the send path.
type Idempotency struct {
	rdb      Client
	localTTL time.Duration
	redisTTL time.Duration
	failFast time.Duration

	mu        sync.Mutex
	local     map[string]idemEntry
	downUntil atomic.Int64

	stopCh chan struct{}
}

var ErrIdemUnavailable = errors.New("idempotency store unavailable")

func NewIdempotency(rdb Client, localTTL, redisTTL, failFast time.Duration) *Idempotency {
	c := &Idempotency{
		rdb:      rdb,
		localTTL: localTTL,
		redisTTL: redisTTL,
		failFast: failFast,
		local:    make(map[string]idemEntry),
		stopCh:   make(chan struct{}),
	}
	safe.Go("idem-sweeper", c.sweep)
	return c
}

func (c *Idempotency) sweep() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-t.C:
			c.mu.Lock()
			for k, e := range c.local {
				if now.After(e.expireAt) {
					delete(c.local, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Idempotency) Stop() { close(c.stopCh) }

// Claim tries to bind key -> serverMsgID. The first writer wins: when the key
// already exists the established serverMsgId comes back with fresh=false and
// the caller must discard its own id.
func (c *Idempotency) Claim(ctx context.Context, key, serverMsgID string) (existing string, fresh bool, err error) {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.local[key]; ok && now.Before(e.expireAt) {
		c.mu.Unlock()
		return e.serverMsgID, false, nil
	}
	c.mu.Unlock()

	if now.UnixNano() < c.downUntil.Load() {
		return "", false, ErrIdemUnavailable
	}

	ok, err := c.rdb.SetNX(ctx, idemKeyPrefix+key, serverMsgID, c.redisTTL).Result()
	if err != nil {
		c.downUntil.Store(time.Now().Add(c.failFast).UnixNano())
		logger.Warnf("[idem] claim error, failing fast for %s: %v", c.failFast, err)
		return "", false, errors.Wrap(err, "idem claim")
	}
	if !ok {
		v, err := c.rdb.Get(ctx, idemKeyPrefix+key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", false, errors.Wrap(err, "idem read existing")
		}
		if v != "" {
			c.remember(key, v)
			return v, false, nil
		}
		// claim lost and entry already expired; treat as fresh with our id
	}
	c.remember(key, serverMsgID)
	return serverMsgID, true, nil
}

// Rollback removes a claim whose message failed to persist, so the client's
// retry is admitted again.
func (c *Idempotency) Rollback(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
	if err := c.rdb.Del(ctx, idemKeyPrefix+key).Err(); err != nil {
		logger.Warnf("[idem] rollback %s: %v", key, err)
	}
}

func (c *Idempotency) remember(key, serverMsgID string) {
	c.mu.Lock()
	c.local[key] = idemEntry{serverMsgID: serverMsgID, expireAt: time.Now().Add(c.localTTL)}
	c.mu.Unlock()
}
