package storage

import (
	"context"
	"testing"
	"time"
)

func TestRouteEncodeParse(t *testing.T) {
	r := Route{InstanceID: "gw-a", ConnID: "12345"}
	got := ParseRoute(r.Encode())
	if got != r {
		t.Fatalf("roundtrip mismatch: %+v != %+v", got, r)
	}
}

func TestParseRouteBareValue(t *testing.T) {
	got := ParseRoute("gw-legacy")
	if got.InstanceID != "gw-legacy" || got.ConnID != "" {
		t.Fatalf("bare value should parse as instance-only: %+v", got)
	}
}

func TestClientMsgKey(t *testing.T) {
	k := ClientMsgKey("alice", "single_chat", "m-1")
	if k != "alice:single_chat:m-1" {
		t.Fatalf("unexpected key %q", k)
	}
}

func newTestRouteStore(f *fakeRedis) *RouteStore {
	return NewRouteStore(f, time.Minute, time.Hour)
}

func TestRouteClaimReturnsPreviousOwner(t *testing.T) {
	s := newTestRouteStore(newFakeRedis())
	ctx := context.Background()

	old, err := s.Claim(ctx, "alice", Route{InstanceID: "gw-a", ConnID: "c1"})
	if err != nil || old != nil {
		t.Fatalf("first claim: old=%+v err=%v", old, err)
	}
	old, err = s.Claim(ctx, "alice", Route{InstanceID: "gw-b", ConnID: "c2"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if old == nil || old.InstanceID != "gw-a" || old.ConnID != "c1" {
		t.Fatalf("second claim must return the displaced owner, got %+v", old)
	}
}

func TestRouteReleaseOnlyIfOwned(t *testing.T) {
	s := newTestRouteStore(newFakeRedis())
	ctx := context.Background()
	mine := Route{InstanceID: "gw-a", ConnID: "c1"}
	s.Claim(ctx, "alice", mine)

	// a late close from a superseded connection must not destroy the entry
	if err := s.Release(ctx, "alice", Route{InstanceID: "gw-a", ConnID: "c0"}); err != nil {
		t.Fatalf("release with stale route: %v", err)
	}
	if r, _ := s.Lookup(ctx, "alice"); r == nil || r.ConnID != "c1" {
		t.Fatalf("route must survive a stale release, got %+v", r)
	}

	if err := s.Release(ctx, "alice", mine); err != nil {
		t.Fatalf("owned release: %v", err)
	}
	if r, _ := s.Lookup(ctx, "alice"); r != nil {
		t.Fatalf("route must be gone after owned release, got %+v", r)
	}
}

func TestRouteBatchLookup(t *testing.T) {
	s := newTestRouteStore(newFakeRedis())
	ctx := context.Background()
	s.Claim(ctx, "alice", Route{InstanceID: "gw-a", ConnID: "c1"})
	s.Claim(ctx, "bob", Route{InstanceID: "gw-b", ConnID: "c2"})

	got, err := s.BatchLookup(ctx, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("batch lookup: %v", err)
	}
	if len(got) != 2 || got["alice"].InstanceID != "gw-a" || got["bob"].ConnID != "c2" {
		t.Fatalf("unexpected batch result %+v", got)
	}
	if _, ok := got["carol"]; ok {
		t.Fatal("routeless user must be absent from the result")
	}
}

func TestRouteBatchLookupFailsOpen(t *testing.T) {
	f := newFakeRedis()
	s := newTestRouteStore(f)
	ctx := context.Background()

	f.fail(true)
	got, err := s.BatchLookup(ctx, []string{"alice"})
	if err != nil || got != nil {
		t.Fatalf("a down store must yield nil,nil so callers degrade, got %v %v", got, err)
	}

	// subsequent calls inside the fail-fast window short-circuit
	f.fail(false)
	if got, err := s.BatchLookup(ctx, []string{"alice"}); err != nil || got != nil {
		t.Fatalf("fail-fast window must keep yielding nil,nil, got %v %v", got, err)
	}
	if _, err := s.Lookup(ctx, "alice"); err != ErrRouteStoreDown {
		t.Fatalf("lookup inside the window must report the store down, got %v", err)
	}
}
