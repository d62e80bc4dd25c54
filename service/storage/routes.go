package storage

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"miniim/logger"
)

const routeKeyPrefix = "im:gw:route:"

// Route is who currently owns a user's live connection.
type Route struct {
	InstanceID string
	ConnID     string
}

func (r Route) Encode() string { return r.InstanceID + "|" + r.ConnID }

// ParseRoute accepts "instance|conn"; a bare value without the separator is
// read as instance-only (older writers).
func ParseRoute(v string) Route {
	if i := strings.IndexByte(v, '|'); i >= 0 {
		return Route{InstanceID: v[:i], ConnID: v[i+1:]}
	}
	return Route{InstanceID: v}
}

var (
	// SET new value, return whatever was there before.
	routeSetAndGetOld = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return old`)

	routeExpireIfMatch = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	routeDelIfMatch = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RouteStore keeps the cross-instance userId -> (instance, conn) map in redis.
// Every operation is time-boxed fail-fast: after an error the store reports
// unavailable for failFast, so fanout paths can degrade without piling up
// timeouts.
type RouteStore struct {
	rdb       Client
	ttl       time.Duration
	failFast  time.Duration
	downUntil atomic.Int64 // unix nanos
}

var ErrRouteStoreDown = errors.New("route store unavailable")

func NewRouteStore(rdb Client, ttl, failFast time.Duration) *RouteStore {
	return &RouteStore{rdb: rdb, ttl: ttl, failFast: failFast}
}

func routeKey(userID string) string { return routeKeyPrefix + userID }

func (s *RouteStore) available() bool {
	return time.Now().UnixNano() >= s.downUntil.Load()
}

func (s *RouteStore) markDown(err error) {
	s.downUntil.Store(time.Now().Add(s.failFast).UnixNano())
	logger.Warnf("[route] store error, failing fast for %s: %v", s.failFast, err)
}

// Claim registers the route for userID and returns the previous owner, if
// any. The previous owner is what the auth path kicks.
func (s *RouteStore) Claim(ctx context.Context, userID string, r Route) (*Route, error) {
	if !s.available() {
		return nil, ErrRouteStoreDown
	}
	v, err := routeSetAndGetOld.Run(ctx, s.rdb,
		[]string{routeKey(userID)}, r.Encode(), s.ttl.Milliseconds()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.markDown(err)
		return nil, errors.Wrap(err, "route claim")
	}
	if v == nil {
		return nil, nil
	}
	old, ok := v.(string)
	if !ok || old == "" {
		return nil, nil
	}
	parsed := ParseRoute(old)
	return &parsed, nil
}

// Renew refreshes the TTL only while this connection still owns the entry.
func (s *RouteStore) Renew(ctx context.Context, userID string, r Route) error {
	if !s.available() {
		return ErrRouteStoreDown
	}
	err := routeExpireIfMatch.Run(ctx, s.rdb,
		[]string{routeKey(userID)}, r.Encode(), s.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.markDown(err)
		return errors.Wrap(err, "route renew")
	}
	return nil
}

// Release deletes the entry only if it still points at this connection, so a
// late close never destroys a newer connection's route.
func (s *RouteStore) Release(ctx context.Context, userID string, r Route) error {
	if !s.available() {
		return ErrRouteStoreDown
	}
	err := routeDelIfMatch.Run(ctx, s.rdb,
		[]string{routeKey(userID)}, r.Encode()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.markDown(err)
		return errors.Wrap(err, "route release")
	}
	return nil
}

// Lookup returns nil when the user has no live route anywhere.
func (s *RouteStore) Lookup(ctx context.Context, userID string) (*Route, error) {
	if !s.available() {
		return nil, ErrRouteStoreDown
	}
	v, err := s.rdb.Get(ctx, routeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.markDown(err)
		return nil, errors.Wrap(err, "route lookup")
	}
	r := ParseRoute(v)
	return &r, nil
}

// BatchLookup resolves many users in one MGET. A nil map with nil error means
// the store is unavailable; callers fail open to direct push.
func (s *RouteStore) BatchLookup(ctx context.Context, userIDs []string) (map[string]Route, error) {
	if len(userIDs) == 0 {
		return map[string]Route{}, nil
	}
	if !s.available() {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = routeKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.markDown(err)
		return nil, nil
	}
	out := make(map[string]Route, len(userIDs))
	for i, v := range vals {
		sv, ok := v.(string)
		if !ok || sv == "" {
			continue
		}
		out[userIDs[i]] = ParseRoute(sv)
	}
	return out, nil
}
