package model

import (
	"context"
	"io"
	"sync"
)

// trackState is shared between a TrackProducer and every clone of its
// TrackConsumer. Track exposes a lazy, single-cursor sequence of groups: a
// new consumer only ever observes the group current at subscribe time (or
// later), never history before it (spec §3 Track).
type trackState struct {
	mu       sync.Mutex
	notify   *notifier
	name     string
	priority uint8

	current    *GroupConsumer
	currentSeq uint64
	hasCurrent bool

	done bool
	err  error

	refcount int
	unused   chan struct{}
	firedUnused bool
}

// TrackProducer appends groups to a named, prioritized track.
type TrackProducer struct {
	state *trackState
}

// TrackConsumer observes a track's groups in order, one at a time.
type TrackConsumer struct {
	state   *trackState
	lastSeq uint64
	started bool
}

// NewTrack creates a track with the given name and priority (spec §3
// Track). The initial consumer returned holds the producer's single
// reference; Clone it for additional subscribers.
func NewTrack(name string, priority uint8) (*TrackProducer, *TrackConsumer) {
	s := &trackState{
		name:     name,
		priority: priority,
		notify:   newNotifier(),
		refcount: 1,
		unused:   make(chan struct{}),
	}
	return &TrackProducer{state: s}, &TrackConsumer{state: s}
}

func (p *TrackProducer) Name() string     { return p.state.name }
func (p *TrackProducer) Priority() uint8  { return p.state.priority }
func (c *TrackConsumer) Name() string     { return c.state.name }
func (c *TrackConsumer) Priority() uint8  { return c.state.priority }

// AppendGroup creates and installs a new current group with the given
// sequence number, visible to consumers' next NextGroup call. Sequence
// numbers should be non-decreasing; callers that merge multiple physical
// sources (e.g. the subscriber's stream reorderer) are responsible for
// enforcing that before calling AppendGroup.
func (p *TrackProducer) AppendGroup(sequence uint64) *GroupProducer {
	gp, gc := NewGroup(sequence)
	s := p.state
	s.mu.Lock()
	s.current = gc
	s.currentSeq = sequence
	s.hasCurrent = true
	s.notify.broadcast()
	s.mu.Unlock()
	return gp
}

// Close ends the track cleanly: no further groups will be appended.
func (p *TrackProducer) Close() {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.notify.broadcast()
}

// Abort ends the track with an error (spec §3: open → closed | aborted).
func (p *TrackProducer) Abort(err error) {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	s.notify.broadcast()
}

// Unused returns a channel that closes once every clone of the track's
// consumer has been Closed (spec §5 Cancellation / §9 reference
// ownership). The producer side should stop work and reset any in-flight
// data streams when this fires.
func (p *TrackProducer) Unused() <-chan struct{} {
	return p.state.unused
}

// Clone returns a new handle over the same track, incrementing the
// consumer-side reference count.
func (c *TrackConsumer) Clone() *TrackConsumer {
	s := c.state
	s.mu.Lock()
	s.refcount++
	s.mu.Unlock()
	return &TrackConsumer{state: s, lastSeq: c.lastSeq, started: c.started}
}

// Close releases this handle's reference. When the last clone is closed,
// the producer's Unused channel fires.
func (c *TrackConsumer) Close() {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount--
	if s.refcount <= 0 && !s.firedUnused {
		s.firedUnused = true
		close(s.unused)
	}
}

// NextGroup blocks until a new group is available, the track closes
// cleanly (io.EOF), or it aborts (the abort error).
func (c *TrackConsumer) NextGroup(ctx context.Context) (*GroupConsumer, error) {
	s := c.state
	for {
		s.mu.Lock()
		if s.hasCurrent && (!c.started || s.currentSeq != c.lastSeq) {
			g := s.current
			c.lastSeq = s.currentSeq
			c.started = true
			s.mu.Unlock()
			return g.Clone(), nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		s.mu.Unlock()
		if err := wait(ctx, s.notify); err != nil {
			return nil, err
		}
	}
}
