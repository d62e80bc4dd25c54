package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	lockRenewIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	lockDelIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// TryLock takes a short one-shot mutex. Returns held=false when someone else
// has it. Errors bubble up so callers can pick their own fail-open policy.
func TryLock(ctx context.Context, rdb Client, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "trylock")
	}
	return ok, nil
}

func Unlock(ctx context.Context, rdb Client, key, owner string) error {
	err := lockDelIfOwner.Run(ctx, rdb, []string{key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "unlock")
	}
	return nil
}

// LeaderLease is a renewable exclusive lease; at most one holder per key at a
// time. Used to bound log drainers to a single instance per partition group.
type LeaderLease struct {
	rdb   Client
	key   string
	owner string
	ttl   time.Duration
}

func NewLeaderLease(rdb Client, key, owner string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	return TryLock(ctx, l.rdb, l.key, l.owner, l.ttl)
}

// Renew extends the lease only while still owned; held=false means the lease
// was lost and the caller must stop draining.
func (l *LeaderLease) Renew(ctx context.Context) (bool, error) {
	n, err := lockRenewIfOwner.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, errors.Wrap(err, "lease renew")
	}
	return n == 1, nil
}

func (l *LeaderLease) Release(ctx context.Context) error {
	return Unlock(ctx, l.rdb, l.key, l.owner)
}
