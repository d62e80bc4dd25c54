package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const sessVerKeyPrefix = "im:gw:sess_ver:"

// SessionVersions is the authoritative per-user login epoch. A new login
// bumps it; connections that captured an older value are superseded.
type SessionVersions struct {
	rdb *redis.Client
}

func NewSessionVersions(rdb *redis.Client) *SessionVersions {
	return &SessionVersions{rdb: rdb}
}

func (s *SessionVersions) Current(ctx context.Context, userID string) (int64, error) {
	v, err := s.rdb.Get(ctx, sessVerKeyPrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "session version get")
	}
	return v, nil
}

// Bump invalidates every session issued before this call.
func (s *SessionVersions) Bump(ctx context.Context, userID string) (int64, error) {
	v, err := s.rdb.Incr(ctx, sessVerKeyPrefix+userID).Result()
	if err != nil {
		return 0, errors.Wrap(err, "session version bump")
	}
	return v, nil
}

// VersionReader is the read side EpochChecker needs; *SessionVersions
// implements it, tests substitute fakes.
type VersionReader interface {
	Current(ctx context.Context, userID string) (int64, error)
}

// EpochChecker re-validates a connection's captured epoch against the
// authoritative value, at most once per interval. Store errors count as
// valid: epoch enforcement degrades open rather than dropping healthy
// connections.
type EpochChecker struct {
	store    VersionReader
	interval time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	lastOK    bool
}

func NewEpochChecker(store VersionReader, interval time.Duration) *EpochChecker {
	return &EpochChecker{store: store, interval: interval, lastOK: true}
}

func (c *EpochChecker) Valid(ctx context.Context, userID string, captured int64) bool {
	c.mu.Lock()
	if time.Since(c.lastCheck) < c.interval {
		ok := c.lastOK
		c.mu.Unlock()
		return ok
	}
	c.lastCheck = time.Now()
	c.mu.Unlock()

	cur, err := c.store.Current(ctx, userID)
	ok := err != nil || cur <= captured
	c.mu.Lock()
	c.lastOK = ok
	c.mu.Unlock()
	return ok
}

// Reset re-arms the checker after REAUTH captures a new epoch.
func (c *EpochChecker) Reset() {
	c.mu.Lock()
	c.lastCheck = time.Time{}
	c.lastOK = true
	c.mu.Unlock()
}
