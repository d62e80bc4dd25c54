package auth

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

var testOpts = Options{Secret: []byte("test-secret"), Alg: "HS256", TTL: time.Hour}

func TestGenerateVerifyRoundtrip(t *testing.T) {
	token, exp, err := Generate(testOpts, "alice", 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := Verify(testOpts, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "alice" {
		t.Fatalf("uid = %q", id.UserID)
	}
	if id.SessionVersion != 3 {
		t.Fatalf("session version = %d", id.SessionVersion)
	}
	if id.ExpiresAt.Unix() != exp.Unix() {
		t.Fatalf("expiry mismatch: %v vs %v", id.ExpiresAt, exp)
	}
}

func TestVerifyExpired(t *testing.T) {
	opts := testOpts
	opts.TTL = -time.Minute
	token, _, err := Generate(opts, "alice", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(testOpts, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	token, _, err := Generate(testOpts, "alice", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	bad := Options{Secret: []byte("other"), Alg: "HS256"}
	if _, err := Verify(bad, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, err := Verify(testOpts, "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}
}

func TestUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("s"), Alg: "RS256"}
	if _, _, err := Generate(opts, "alice", 0); err == nil {
		t.Fatal("RS256 must be rejected")
	}
}
