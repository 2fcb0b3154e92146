package session

import (
	"context"
	"log/slog"

	"github.com/nullstreams/moq/internal/model"
)

// groupSlot tracks one in-flight outgoing (or incoming) group stream.
type groupSlot struct {
	seq    uint64
	cancel context.CancelFunc
	active bool
}

// spawnGroupFunc starts serving one group stream and returns a cancel
// func the policy calls to abort it early, plus a channel closed once
// serving stops, whether the group completed or was cancelled. It is a function
// value (rather than a method on a transport type) so tests can substitute
// a fake without a real transport.
type spawnGroupFunc func(ctx context.Context, subID uint64, priority uint8, gc *model.GroupConsumer) (cancel context.CancelFunc, done <-chan struct{})

// groupServer drives the two-group serving policy for one subscription
// (spec §4.6): at most two concurrently in-flight group streams, newSlot
// (highest sequence admitted) and oldSlot (the one before it). A group
// older than oldSlot is dropped outright; a group at or beyond newSlot's
// sequence aborts the current oldSlot, demotes newSlot into oldSlot, and
// takes the newSlot itself; anything strictly between replaces oldSlot
// alone. When a slot's own stream finishes, oldSlot is promoted into
// newSlot (if occupied) or simply cleared (spec §8 scenario d).
type groupServer struct {
	subID    uint64
	priority uint8
	track    *model.TrackConsumer
	spawn    spawnGroupFunc

	newSlot, oldSlot groupSlot
	finished         chan uint64
}

func newGroupServer(subID uint64, priority uint8, track *model.TrackConsumer, spawn spawnGroupFunc) *groupServer {
	return &groupServer{subID: subID, priority: priority, track: track, spawn: spawn, finished: make(chan uint64, 4)}
}

// run admits newly-produced groups from track until it ends or ctx is
// cancelled, driving the slot promotions and aborts above.
func (g *groupServer) run(ctx context.Context) error {
	defer g.abortAll()

	admitCh := make(chan *model.GroupConsumer)
	errCh := make(chan error, 1)
	go func() {
		for {
			gc, err := g.track.NextGroup(ctx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case admitCh <- gc:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case gc := <-admitCh:
			g.admit(ctx, gc)
		case seq := <-g.finished:
			g.reap(seq)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// admit applies one incoming group's sequence number to the two-slot state
// machine, matching spec §8 scenario (d) exactly.
func (g *groupServer) admit(ctx context.Context, gc *model.GroupConsumer) {
	seq := gc.Sequence()

	if g.oldSlot.active && seq < g.oldSlot.seq {
		slog.Debug("dropping stale group", "subscribe", g.subID, "sequence", seq)
		return
	}

	if !g.newSlot.active || seq >= g.newSlot.seq {
		if g.oldSlot.active {
			g.oldSlot.cancel()
		}
		g.oldSlot = g.newSlot
		g.newSlot = g.startSlot(ctx, seq, gc)
		return
	}

	// oldSlot.seq <= seq < newSlot.seq: seq replaces oldSlot only.
	if g.oldSlot.active {
		g.oldSlot.cancel()
	}
	g.oldSlot = g.startSlot(ctx, seq, gc)
}

func (g *groupServer) startSlot(ctx context.Context, seq uint64, gc *model.GroupConsumer) groupSlot {
	cancel, done := g.spawn(ctx, g.subID, g.priority, gc)
	go func() {
		<-done
		select {
		case g.finished <- seq:
		case <-ctx.Done():
		}
	}()
	return groupSlot{seq: seq, cancel: cancel, active: true}
}

// reap handles one slot's stream completing on its own: promote oldSlot
// into newSlot if newSlot just finished, or clear oldSlot if it finished.
func (g *groupServer) reap(seq uint64) {
	switch {
	case g.newSlot.active && g.newSlot.seq == seq:
		if g.oldSlot.active {
			g.newSlot, g.oldSlot = g.oldSlot, groupSlot{}
		} else {
			g.newSlot = groupSlot{}
		}
	case g.oldSlot.active && g.oldSlot.seq == seq:
		g.oldSlot = groupSlot{}
	}
}

func (g *groupServer) abortAll() {
	if g.newSlot.active {
		g.newSlot.cancel()
	}
	if g.oldSlot.active {
		g.oldSlot.cancel()
	}
}
