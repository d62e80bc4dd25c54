package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueueOrdering(t *testing.T) {
	q := NewSerialQueue(0)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	// first task is slow, later ones are fast; completion order must still
	// match enqueue order
	q.Enqueue(func() error {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return nil
	})
	q.Enqueue(func() error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil
	})
	q.Enqueue(func() error {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected completion order: %v", order)
	}
}

func TestSerialQueueFailureDoesNotStallChain(t *testing.T) {
	q := NewSerialQueue(0)
	done := make(chan struct{})

	q.Enqueue(func() error {
		panic("boom")
	})
	q.Enqueue(func() error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
}

func TestSerialQueueBoundedRejection(t *testing.T) {
	q := NewSerialQueue(2)
	release := make(chan struct{})

	if !q.TryEnqueue(func() error { <-release; return nil }) {
		t.Fatal("first enqueue rejected")
	}
	if !q.TryEnqueue(func() error { return nil }) {
		t.Fatal("second enqueue rejected")
	}
	if q.TryEnqueue(func() error { return nil }) {
		t.Fatal("third enqueue should exceed the bound")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for q.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !q.TryEnqueue(func() error { return nil }) {
		t.Fatal("enqueue after drain rejected")
	}
}
