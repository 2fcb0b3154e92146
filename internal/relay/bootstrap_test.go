package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/session"
	"github.com/nullstreams/moq/internal/transporttest"
)

func TestDialAndAcceptWithTokenCarriesPathAndCompletesHandshake(t *testing.T) {
	clientSess, serverSess := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	k := mustKey(t)
	pub := ""
	token, err := k.Sign(Claims{Root: "rooms/a", Publish: &pub})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	keys := NewKeyring(k)

	type acceptResult struct {
		reduced *Reduced
		err     error
	}
	acceptDone := make(chan acceptResult, 1)
	go func() {
		cs, reduced, err := AcceptWithToken(ctx, serverSess, keys)
		if err != nil {
			acceptDone <- acceptResult{nil, err}
			return
		}
		if _, _, err := session.AcceptOnStream(ctx, serverSess, cs, session.Options{}); err != nil {
			acceptDone <- acceptResult{nil, err}
			return
		}
		acceptDone <- acceptResult{reduced, nil}
	}()

	clientDone := make(chan error, 1)
	go func() {
		_, _, err := DialWithToken(ctx, clientSess, "rooms/a", token, session.Options{})
		clientDone <- err
	}()

	res := <-acceptDone
	if res.err != nil {
		t.Fatalf("AcceptWithToken/handshake: %v", res.err)
	}
	if res.reduced.Publish.Denied {
		t.Fatal("expected publish to be authorized")
	}
	if res.reduced.Root.String() != "rooms/a" {
		t.Fatalf("Root = %q, want %q", res.reduced.Root.String(), "rooms/a")
	}

	if err := <-clientDone; err != nil {
		t.Fatalf("DialWithToken: %v", err)
	}
}

func TestAcceptWithTokenRejectsInvalidToken(t *testing.T) {
	clientSess, serverSess := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	keys := NewKeyring(mustKey(t))

	acceptErr := make(chan error, 1)
	go func() {
		_, _, err := AcceptWithToken(ctx, serverSess, keys)
		acceptErr <- err
	}()

	st, err := clientSess.OpenBi(ctx)
	if err != nil {
		t.Fatalf("OpenBi: %v", err)
	}
	cs := session.NewControlStream(st)
	if err := cs.Writer().Encode(&connectRequest{Path: "rooms/a", Token: "garbage"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if err := <-acceptErr; !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("AcceptWithToken(invalid token) = %v, want ErrInvalidToken", err)
	}
}
