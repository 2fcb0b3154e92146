package model

import (
	"context"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/wirepath"
)

func TestOriginPublishLookup(t *testing.T) {
	o := NewOrigin()
	_, bc := NewBroadcast()
	o.Publish(wirepath.New("room/alice"), bc)

	got, ok := o.Lookup(wirepath.New("room/alice"))
	if !ok {
		t.Fatal("expected broadcast to be found")
	}
	got.Close()
}

func TestOriginDuplicatePathBackupPromotion(t *testing.T) {
	o := NewOrigin()
	path := wirepath.New("room/alice")

	// Subscribe first: Announced reports only changes made after it.
	sub, err := NewOriginConsumer(o).Announced(wirepath.Root)
	if err != nil {
		t.Fatalf("Announced: %v", err)
	}
	defer sub.Close()

	bp1, bc1 := NewBroadcast()
	o.Publish(path, bc1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ev.Active || !ev.Suffix.Equal(path) {
		t.Fatalf("expected active announce for %v, got %+v", path, ev)
	}

	bp2, bc2 := NewBroadcast()
	o.Publish(path, bc2)

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next (ended old): %v", err)
	}
	if ev.Active {
		t.Fatalf("expected Ended for old broadcast, got %+v", ev)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next (active new): %v", err)
	}
	if !ev.Active {
		t.Fatalf("expected Active for new broadcast, got %+v", ev)
	}

	// Close the new (active) broadcast: the backup (old) should be
	// promoted and observed as active again, since it's still open.
	bp2.Close()
	bc2.Close()

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next (ended new): %v", err)
	}
	if ev.Active {
		t.Fatalf("expected Ended for new broadcast, got %+v", ev)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next (promoted old): %v", err)
	}
	if !ev.Active {
		t.Fatalf("expected promoted old broadcast to become active, got %+v", ev)
	}

	bp1.Close()
	bc1.Close()
}

func TestOriginPublishOnlyRejectsOutsidePrefix(t *testing.T) {
	o := NewOrigin()
	p := NewOriginProducer(o).PublishOnly("room")

	_, bc := NewBroadcast()
	if err := p.PublishBroadcast(wirepath.New("other/x"), bc); err == nil {
		t.Fatal("expected publish outside allowed prefix to fail")
	}
	if err := p.PublishBroadcast(wirepath.New("room/x"), bc); err != nil {
		t.Fatalf("expected publish inside allowed prefix to succeed: %v", err)
	}
}

func TestOriginConsumeOnlyExactRootOnly(t *testing.T) {
	o := NewOrigin()
	_, bc := NewBroadcast()
	o.Publish(wirepath.Root, bc)
	_, bc2 := NewBroadcast()
	o.Publish(wirepath.New("room"), bc2)

	c := NewOriginConsumer(o).ConsumeOnly("")

	if _, ok := c.ConsumeBroadcast(wirepath.Root); !ok {
		t.Fatal("expected exact-match consume_only(\"\") to allow the root path")
	}
	if _, ok := c.ConsumeBroadcast(wirepath.New("room")); ok {
		t.Fatal("expected exact-match consume_only(\"\") to reject a non-root path")
	}
}

func TestOriginWithRootRebasesRelativePaths(t *testing.T) {
	o := NewOrigin()
	_, bc := NewBroadcast()
	o.Publish(wirepath.New("room/alice"), bc)

	c, err := NewOriginConsumer(o).WithRoot("room")
	if err != nil {
		t.Fatalf("WithRoot: %v", err)
	}
	if _, ok := c.ConsumeBroadcast(wirepath.New("alice")); !ok {
		t.Fatal("expected rebased consumer to find room/alice as alice")
	}
}

func TestOriginInitSnapshotReflectsActiveBroadcasts(t *testing.T) {
	o := NewOrigin()
	_, bc1 := NewBroadcast()
	o.Publish(wirepath.New("room/alice"), bc1)
	_, bc2 := NewBroadcast()
	o.Publish(wirepath.New("room/bob"), bc2)

	c := NewOriginConsumer(o)
	entries, err := c.InitSnapshot(wirepath.New("room"))
	if err != nil {
		t.Fatalf("InitSnapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 active broadcasts, got %d", len(entries))
	}
}

func TestOriginCascadingCloseUnannounces(t *testing.T) {
	o := NewOrigin()
	path := wirepath.New("room/alice")

	// Subscribe first: Announced reports only changes made after it.
	sub, err := NewOriginConsumer(o).Announced(wirepath.Root)
	if err != nil {
		t.Fatalf("Announced: %v", err)
	}
	defer sub.Close()

	bp, bc := NewBroadcast()
	o.Publish(path, bc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("Next (active): %v", err)
	}

	bp.Close()
	bc.Close()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next (cascaded unannounce): %v", err)
	}
	if ev.Active {
		t.Fatal("expected cascaded close to produce an Ended event")
	}

	if _, ok := o.Lookup(path); ok {
		t.Fatal("expected broadcast to no longer be looked up after close")
	}
}
