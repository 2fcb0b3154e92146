package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/wirepath"
)

func mustKey(t *testing.T) *Key {
	t.Helper()
	k, err := GenerateKey(HS256, "test")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return k
}

func TestSignVerifyRoundTrip(t *testing.T) {
	k := mustKey(t)
	pub := "live"
	claims := Claims{Root: "rooms/a", Publish: &pub}

	token, err := k.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := k.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Root != claims.Root || *got.Publish != *claims.Publish {
		t.Fatalf("Verify returned %+v, want %+v", got, claims)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	k := mustKey(t)
	token, err := k.Sign(Claims{Root: "rooms/a"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := token[:len(token)-1] + "x"
	if _, err := k.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(tampered) = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	k1 := mustKey(t)
	k2 := mustKey(t)
	token, err := k1.Sign(Claims{Root: "rooms/a"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := k2.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify with wrong key = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	k := mustKey(t)
	token, err := k.Sign(Claims{Root: "rooms/a", Exp: time.Now().Add(-time.Minute).Unix()})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := k.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify(expired) = %v, want ErrExpiredToken", err)
	}
}

func TestKeyCannotSignOrVerifyWithoutOp(t *testing.T) {
	k := mustKey(t)
	k.Operations = []KeyOperation{KeyOpVerify}
	if _, err := k.Sign(Claims{Root: "rooms/a"}); !errors.Is(err, ErrKeyCannotSign) {
		t.Fatalf("Sign with verify-only key = %v, want ErrKeyCannotSign", err)
	}

	k2 := mustKey(t)
	token, err := k2.Sign(Claims{Root: "rooms/a"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	k2.Operations = []KeyOperation{KeyOpSign}
	if _, err := k2.Verify(token); !errors.Is(err, ErrKeyCannotVerify) {
		t.Fatalf("Verify with sign-only key = %v, want ErrKeyCannotVerify", err)
	}
}

func TestReduceNarrowsToSuffix(t *testing.T) {
	pub := "a/b"
	sub := "a"
	claims := Claims{Root: "rooms", Publish: &pub, Subscribe: &sub}

	reduced, err := claims.Reduce(wirepath.New("rooms/a"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if reduced.Publish.Denied {
		t.Fatal("expected publish permission to survive reduction")
	}
	if len(reduced.Publish.Prefixes) != 1 || reduced.Publish.Prefixes[0] != "b" {
		t.Fatalf("Publish.Prefixes = %v, want [\"b\"]", reduced.Publish.Prefixes)
	}
	if reduced.Subscribe.Denied {
		t.Fatal("expected subscribe permission to survive reduction")
	}
	if len(reduced.Subscribe.Prefixes) != 0 {
		t.Fatalf("Subscribe.Prefixes = %v, want unrestricted (empty)", reduced.Subscribe.Prefixes)
	}
}

func TestReduceDeniesPermissionOutsideSuffix(t *testing.T) {
	pub := "a/b"
	claims := Claims{Root: "rooms", Publish: &pub}

	reduced, err := claims.Reduce(wirepath.New("rooms/c"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if !reduced.Publish.Denied {
		t.Fatal("expected publish permission to be denied outside its subtree")
	}
}

func TestReduceDeniesAbsentPermission(t *testing.T) {
	claims := Claims{Root: "rooms"}
	reduced, err := claims.Reduce(wirepath.New("rooms"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if !reduced.Publish.Denied || !reduced.Subscribe.Denied {
		t.Fatal("expected both permissions denied when claims grant neither")
	}
}

func TestReduceRejectsPathOutsideRoot(t *testing.T) {
	claims := Claims{Root: "rooms/a"}
	if _, err := claims.Reduce(wirepath.New("rooms/b")); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("Reduce outside root = %v, want ErrOutsideRoot", err)
	}
}

func TestReducePreservesClusterFlag(t *testing.T) {
	claims := Claims{Root: "internal/origins", Cluster: true}
	reduced, err := claims.Reduce(wirepath.New("internal/origins"))
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if !reduced.Cluster {
		t.Fatal("expected Cluster to survive reduction")
	}
}
