package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// fakeRedis implements Client over a plain map, including the few Lua
// scripts this package runs.
type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	failing bool

	setNXCalls int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: make(map[string]string)} }

func (f *fakeRedis) fail(on bool) {
	f.mu.Lock()
	f.failing = on
	f.mu.Unlock()
}

// fakeRedisErr satisfies the redis.Error marker so script fallback routing
// treats it like a server reply.
type fakeRedisErr string

func (e fakeRedisErr) Error() string { return string(e) }
func (fakeRedisErr) RedisError()     {}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setNXCalls++
	if f.failing {
		return redis.NewBoolResult(false, errors.New("connection refused"))
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewSliceResult(nil, errors.New("connection refused"))
	}
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return redis.NewCmdResult(nil, errors.New("connection refused"))
	}
	key := keys[0]
	switch {
	case strings.Contains(script, "'PEXPIRE'"):
		if f.data[key] == fmt.Sprint(args[0]) {
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case strings.Contains(script, "'DEL'"):
		if f.data[key] == fmt.Sprint(args[0]) {
			delete(f.data, key)
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	case strings.Contains(script, "'SET'"):
		old, had := f.data[key]
		f.data[key] = fmt.Sprint(args[0])
		if !had {
			return redis.NewCmdResult(nil, redis.Nil)
		}
		return redis.NewCmdResult(old, nil)
	}
	return redis.NewCmdResult(nil, errors.New("unknown script"))
}

func (f *fakeRedis) EvalSha(context.Context, string, []string, ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, fakeRedisErr("NOSCRIPT fake client has no script cache"))
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func newTestIdem(t *testing.T, f *fakeRedis) *Idempotency {
	t.Helper()
	idem := NewIdempotency(f, time.Minute, time.Minute, time.Hour)
	t.Cleanup(idem.Stop)
	return idem
}

func TestIdemClaimFirstWriterWins(t *testing.T) {
	f := newFakeRedis()
	idem := newTestIdem(t, f)
	ctx := context.Background()
	key := ClientMsgKey("alice", "single_chat", "m-1")

	id, fresh, err := idem.Claim(ctx, key, "srv-1")
	if err != nil || !fresh || id != "srv-1" {
		t.Fatalf("first claim: id=%q fresh=%v err=%v", id, fresh, err)
	}

	id, fresh, err = idem.Claim(ctx, key, "srv-2")
	if err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if fresh {
		t.Fatal("retry of a claimed key must not be fresh")
	}
	if id != "srv-1" {
		t.Fatalf("retry must return the first claim's serverMsgId, got %q", id)
	}
}

func TestIdemClaimCrossInstance(t *testing.T) {
	f := newFakeRedis()
	a := newTestIdem(t, f)
	b := newTestIdem(t, f)
	ctx := context.Background()
	key := ClientMsgKey("alice", "single_chat", "m-1")

	if _, fresh, err := a.Claim(ctx, key, "srv-1"); err != nil || !fresh {
		t.Fatalf("first claim on instance a: fresh=%v err=%v", fresh, err)
	}
	id, fresh, err := b.Claim(ctx, key, "srv-2")
	if err != nil {
		t.Fatalf("claim on instance b: %v", err)
	}
	if fresh || id != "srv-1" {
		t.Fatalf("instance b must see a's claim, got id=%q fresh=%v", id, fresh)
	}
}

func TestIdemLocalCacheAbsorbsRetry(t *testing.T) {
	f := newFakeRedis()
	idem := newTestIdem(t, f)
	ctx := context.Background()
	key := ClientMsgKey("alice", "single_chat", "m-1")

	idem.Claim(ctx, key, "srv-1")
	idem.Claim(ctx, key, "srv-2")
	if f.setNXCalls != 1 {
		t.Fatalf("same-instance retry must hit the local cache, SETNX called %d times", f.setNXCalls)
	}
}

func TestIdemRollbackReadmits(t *testing.T) {
	f := newFakeRedis()
	idem := newTestIdem(t, f)
	ctx := context.Background()
	key := ClientMsgKey("alice", "single_chat", "m-1")

	idem.Claim(ctx, key, "srv-1")
	idem.Rollback(ctx, key)
	id, fresh, err := idem.Claim(ctx, key, "srv-2")
	if err != nil || !fresh || id != "srv-2" {
		t.Fatalf("claim after rollback: id=%q fresh=%v err=%v", id, fresh, err)
	}
}

func TestIdemFailFastWindow(t *testing.T) {
	f := newFakeRedis()
	idem := newTestIdem(t, f)
	ctx := context.Background()

	f.fail(true)
	if _, _, err := idem.Claim(ctx, ClientMsgKey("a", "b", "1"), "srv-1"); err == nil {
		t.Fatal("claim against a down store must error")
	}
	f.fail(false)
	_, _, err := idem.Claim(ctx, ClientMsgKey("a", "b", "2"), "srv-2")
	if !errors.Is(err, ErrIdemUnavailable) {
		t.Fatalf("claims inside the fail-fast window must report unavailable, got %v", err)
	}
}
