package gateway

import (
	"testing"
	"time"
)

func testConn(id string) *Conn {
	return newConn(id, nil, 8, 16, time.Minute)
}

func bindTestConn(c *Conn, uid string) {
	c.bind(uid, time.Now().Add(time.Hour), 0, nil)
}

func TestConnManagerAddGetRemove(t *testing.T) {
	m := NewConnManager()
	defer m.Stop()

	c := testConn("c1")
	m.Add(c)
	if m.Get("c1") != c {
		t.Fatal("Get after Add returned nothing")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d", m.Len())
	}

	m.Remove(c)
	if m.Get("c1") != nil {
		t.Fatal("Get after Remove still returned conn")
	}
	if m.Len() != 0 {
		t.Fatalf("Len after remove = %d", m.Len())
	}
}

func TestConnManagerMultiDevice(t *testing.T) {
	m := NewConnManager()
	defer m.Stop()

	c1 := testConn("c1")
	c2 := testConn("c2")
	bindTestConn(c1, "alice")
	bindTestConn(c2, "alice")
	m.Add(c1)
	m.Add(c2)
	m.BindUser(c1)
	m.BindUser(c2)

	if !m.UserOnline("alice") {
		t.Fatal("alice should be online")
	}
	if got := len(m.UserConns("alice")); got != 2 {
		t.Fatalf("expected both devices indexed, got %d", got)
	}

	m.Remove(c1)
	if got := len(m.UserConns("alice")); got != 1 {
		t.Fatalf("one device should remain, got %d", got)
	}
	m.Remove(c2)
	if m.UserOnline("alice") {
		t.Fatal("alice should be offline after last device leaves")
	}
	if m.UserConns("alice") != nil {
		t.Fatal("UserConns should be nil for an offline user")
	}
}

func TestConnManagerBindWithoutUserIsNoop(t *testing.T) {
	m := NewConnManager()
	defer m.Stop()

	c := testConn("c1")
	m.Add(c)
	m.BindUser(c) // never authenticated, no uid

	if m.UserOnline("") {
		t.Fatal("empty uid must never be indexed")
	}
}
