package gateway

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBackpressureEvictsAfterGrace(t *testing.T) {
	var evicted atomic.Int32
	g := NewBackpressureGuard(30*time.Millisecond, func() int { return 7 }, func(int) {
		evicted.Add(1)
	})

	g.Unwritable()
	g.Unwritable() // repeated signals must not re-arm or re-stamp

	time.Sleep(100 * time.Millisecond)
	if n := evicted.Load(); n != 1 {
		t.Fatalf("expected exactly one eviction, got %d", n)
	}
}

func TestBackpressureWritableCancels(t *testing.T) {
	var evicted atomic.Int32
	g := NewBackpressureGuard(50*time.Millisecond, nil, func(int) {
		evicted.Add(1)
	})

	g.Unwritable()
	time.Sleep(10 * time.Millisecond)
	g.Writable()

	time.Sleep(120 * time.Millisecond)
	if n := evicted.Load(); n != 0 {
		t.Fatalf("writable before grace must cancel eviction, got %d", n)
	}
}

func TestBackpressureReArmsAfterRecovery(t *testing.T) {
	var evicted atomic.Int32
	g := NewBackpressureGuard(30*time.Millisecond, nil, func(int) {
		evicted.Add(1)
	})

	g.Unwritable()
	g.Writable()
	g.Unwritable()

	time.Sleep(100 * time.Millisecond)
	if n := evicted.Load(); n != 1 {
		t.Fatalf("expected one eviction after re-arm, got %d", n)
	}
}
