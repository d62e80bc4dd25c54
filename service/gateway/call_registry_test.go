package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCallRegistryBusyEnforcement(t *testing.T) {
	r := NewCallRegistry()

	if _, ok := r.TryCreate("c1", "alice", "bob", "audio"); !ok {
		t.Fatal("first call should create")
	}
	if _, ok := r.TryCreate("c2", "alice", "carol", "audio"); ok {
		t.Fatal("caller already in a call, must be busy")
	}
	if _, ok := r.TryCreate("c3", "dave", "bob", "audio"); ok {
		t.Fatal("callee already in a call, must be busy")
	}
	if _, ok := r.TryCreate("c4", "dave", "carol", "audio"); !ok {
		t.Fatal("unrelated pair should create")
	}
}

func TestCallRegistryConcurrentInvites(t *testing.T) {
	r := NewCallRegistry()

	var wg sync.WaitGroup
	created := make(chan string, 2)
	for _, id := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(callID string) {
			defer wg.Done()
			if _, ok := r.TryCreate(callID, "alice", "bob", "audio"); ok {
				created <- callID
			}
		}(id)
	}
	wg.Wait()
	close(created)

	var winners []string
	for id := range created {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("exactly one of two simultaneous invites may win, got %v", winners)
	}
}

func TestCallRegistryAcceptOnlyFromRinging(t *testing.T) {
	r := NewCallRegistry()
	r.TryCreate("c1", "alice", "bob", "video")

	if _, ok := r.Accept("c1"); !ok {
		t.Fatal("accept from RINGING should succeed")
	}
	if _, ok := r.Accept("c1"); ok {
		t.Fatal("second accept must fail")
	}

	s, ok := r.Terminate("c1", CallEnded, CallAccepted)
	if !ok || s.State != CallEnded {
		t.Fatalf("end from ACCEPTED should succeed, got %v ok=%v", s, ok)
	}
	if r.ActiveForUser("alice") != nil || r.ActiveForUser("bob") != nil {
		t.Fatal("terminal call must free both participants")
	}
}

func TestCallRegistryRingTimeoutFiresOnce(t *testing.T) {
	r := NewCallRegistry()
	r.TryCreate("c1", "alice", "bob", "audio")

	var missed atomic.Int32
	r.ArmRingTimer("c1", 20*time.Millisecond, func() {
		if _, ok := r.Terminate("c1", CallMissed, CallRinging); ok {
			missed.Add(1)
		}
	})
	time.Sleep(100 * time.Millisecond)

	if n := missed.Load(); n != 1 {
		t.Fatalf("ring timeout produced %d MISSED transitions, want exactly 1", n)
	}
	if r.ActiveForUser("alice") != nil || r.ActiveForUser("bob") != nil {
		t.Fatal("missed call must free both participants")
	}
	if _, ok := r.Terminate("c1", CallMissed, CallRinging); ok {
		t.Fatal("a second timeout path must find nothing to terminate")
	}
}

func TestCallRegistryAcceptDisarmsRingTimer(t *testing.T) {
	r := NewCallRegistry()
	r.TryCreate("c1", "alice", "bob", "audio")

	var missed atomic.Int32
	r.ArmRingTimer("c1", 30*time.Millisecond, func() {
		if _, ok := r.Terminate("c1", CallMissed, CallRinging); ok {
			missed.Add(1)
		}
	})
	if _, ok := r.Accept("c1"); !ok {
		t.Fatal("accept from RINGING should succeed")
	}
	time.Sleep(100 * time.Millisecond)

	if missed.Load() != 0 {
		t.Fatal("accepted call must never go MISSED")
	}
	if s := r.ActiveForUser("alice"); s == nil || s.State != CallAccepted {
		t.Fatalf("call should still be live and accepted, got %+v", s)
	}
}

func TestCallRegistryTerminateRequiresState(t *testing.T) {
	r := NewCallRegistry()
	r.TryCreate("c1", "alice", "bob", "audio")
	r.Accept("c1")

	if _, ok := r.Terminate("c1", CallCanceled, CallRinging); ok {
		t.Fatal("cancel after accept must fail")
	}
	if _, ok := r.Terminate("c1", CallFailed); !ok {
		t.Fatal("unconditional terminate should succeed")
	}
	if _, ok := r.Terminate("c1", CallFailed); ok {
		t.Fatal("terminate of a removed call must fail")
	}
}
