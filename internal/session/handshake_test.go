package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/transporttest"
	"github.com/nullstreams/moq/internal/wire"
)

func TestHandshakeNegotiatesMutualVersion(t *testing.T) {
	client, server := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	type result struct {
		version uint64
		err     error
	}
	clientDone := make(chan result, 1)
	go func() {
		_, v, err := ClientHandshake(ctx, client, []uint64{wire.VersionLite, wire.VersionIETF}, false)
		clientDone <- result{v, err}
	}()

	_, serverVersion, err := ServerHandshake(ctx, server, []uint64{wire.VersionLite, wire.VersionIETF})
	if err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
	if serverVersion != wire.VersionLite {
		t.Fatalf("expected server to pick VersionLite first, got %#x", serverVersion)
	}

	r := <-clientDone
	if r.err != nil {
		t.Fatalf("ClientHandshake: %v", r.err)
	}
	if r.version != wire.VersionLite {
		t.Fatalf("expected client to agree on VersionLite, got %#x", r.version)
	}
}

func TestHandshakeVersionMismatchIsFatal(t *testing.T) {
	client, server := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientErr := make(chan error, 1)
	go func() {
		_, _, err := ClientHandshake(ctx, client, []uint64{wire.VersionIETF}, false)
		clientErr <- err
	}()

	_, _, err := ServerHandshake(ctx, server, []uint64{wire.VersionLite})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on server side, got %v", err)
	}

	if err := <-clientErr; !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on client side, got %v", err)
	}
}

func TestHandshakeCompatTagRoundTrip(t *testing.T) {
	client, server := transporttest.NewSessionPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() {
		_, _, err := ClientHandshake(ctx, client, []uint64{wire.VersionIETF}, true)
		clientDone <- err
	}()

	_, version, err := ServerHandshake(ctx, server, []uint64{wire.VersionIETF, wire.VersionLite})
	if err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
	if version != wire.VersionIETF {
		t.Fatalf("expected VersionIETF, got %#x", version)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
}
