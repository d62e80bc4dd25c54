package store

import "testing"

func TestPairConversationIDSymmetric(t *testing.T) {
	if PairConversationID("alice", "bob") != PairConversationID("bob", "alice") {
		t.Fatal("pair id must not depend on argument order")
	}
}

func TestPairConversationIDOrdering(t *testing.T) {
	if got := PairConversationID("bob", "alice"); got != "s:alice:bob" {
		t.Fatalf("got %q", got)
	}
}

func TestGroupConversationID(t *testing.T) {
	if got := GroupConversationID("g42"); got != "g:g42" {
		t.Fatalf("got %q", got)
	}
}
