package model

import (
	"context"
	"sync"

	"github.com/nullstreams/moq/internal/wire"
)

// broadcastState is shared between a BroadcastProducer and every clone of
// its BroadcastConsumer.
type broadcastState struct {
	mu sync.Mutex

	published map[string]*TrackConsumer // explicitly inserted, held by the producer
	requested map[string]*TrackConsumer // lazily created, held only while a consumer exists
	reqProd   map[string]*TrackProducer // producer half of each requested track, for Close() to abort
	pending   []*TrackProducer          // requested-track producers awaiting a NextRequested call
	pendingCh *notifier

	refcount    int
	closed      chan struct{}
	firedClosed bool
}

// BroadcastProducer publishes tracks under a broadcast, directly (Publish)
// or lazily on subscriber demand (served through NextRequested).
type BroadcastProducer struct {
	state *broadcastState
}

// BroadcastConsumer looks up or lazily requests tracks within a broadcast.
type BroadcastConsumer struct {
	state *broadcastState
}

// NewBroadcast creates an empty broadcast (spec §3 Broadcast).
func NewBroadcast() (*BroadcastProducer, *BroadcastConsumer) {
	s := &broadcastState{
		published: make(map[string]*TrackConsumer),
		requested: make(map[string]*TrackConsumer),
		reqProd:   make(map[string]*TrackProducer),
		pendingCh: newNotifier(),
		refcount:  1,
		closed:    make(chan struct{}),
	}
	return &BroadcastProducer{state: s}, &BroadcastConsumer{state: s}
}

// Publish explicitly inserts a track, replacing any existing published
// track of the same name (spec §3: "at most one live TrackProducer per
// name" — the caller owns closing the track it's replacing, if any).
func (p *BroadcastProducer) Publish(name string, track *TrackConsumer) {
	s := p.state
	s.mu.Lock()
	s.published[name] = track
	s.mu.Unlock()
}

// Unpublish removes a previously-published track by name, if present,
// releasing the broadcast's own reference to it.
func (p *BroadcastProducer) Unpublish(name string) {
	s := p.state
	s.mu.Lock()
	tc, ok := s.published[name]
	delete(s.published, name)
	s.mu.Unlock()
	if ok {
		tc.Close()
	}
}

// NextRequested blocks until a subscriber's on-demand request creates a
// new track, returning its producer half so the caller can feed it
// (spec §3: "enqueues the new TrackProducer on a request channel").
func (p *BroadcastProducer) NextRequested(ctx context.Context) (*TrackProducer, error) {
	s := p.state
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			tp := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return tp, nil
		}
		select {
		case <-s.closed:
			s.mu.Unlock()
			return nil, wire.NewError(wire.KindCancel, "broadcast closed")
		default:
		}
		s.mu.Unlock()
		select {
		case <-s.pendingCh.get():
		case <-s.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close tears down the broadcast: outstanding requested tracks are
// aborted (spec §3: "Closing the BroadcastProducer aborts all outstanding
// requested tracks") and NextRequested/Subscribe callers unblock.
func (p *BroadcastProducer) Close() {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	for _, tp := range s.reqProd {
		tp.Abort(wire.NewError(wire.KindCancel, "broadcast closed"))
	}
	for _, tc := range s.published {
		tc.Close()
	}
	s.published = nil
	close(s.closed)
	s.pendingCh.broadcast()
}

// Clone returns a new BroadcastConsumer handle, incrementing the
// consumer-side reference count.
func (c *BroadcastConsumer) Clone() *BroadcastConsumer {
	s := c.state
	s.mu.Lock()
	s.refcount++
	s.mu.Unlock()
	return &BroadcastConsumer{state: s}
}

// Close releases this handle's reference.
func (c *BroadcastConsumer) Close() {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount--
	if s.refcount <= 0 && !s.firedClosed {
		s.firedClosed = true
		select {
		case <-s.closed:
		default:
			close(s.closed)
		}
	}
}

// Closed returns a channel that closes when the broadcast is no longer
// published: either the producer explicitly Close()d it, or its last
// consumer reference was released. Origin watches this to cascade an
// unannounce (spec §9 "Reference ownership").
func (c *BroadcastConsumer) Closed() <-chan struct{} {
	return c.state.closed
}

// Subscribe resolves a track by name: an existing published track, a
// deduplicated consumer for an outstanding request, or a freshly created
// request (spec §3 Broadcast.subscribe). Both BroadcastProducer and
// BroadcastConsumer expose this — a remote subscriber calls it through the
// consumer half it was given, while local code may call it through the
// producer half directly (e.g. a relay resolving a subscribe against its
// own combined view).
func (s *broadcastState) subscribe(name string) *TrackConsumer {
	s.mu.Lock()
	if tc, ok := s.published[name]; ok {
		s.mu.Unlock()
		return tc.Clone()
	}
	if tc, ok := s.requested[name]; ok {
		s.mu.Unlock()
		return tc.Clone()
	}
	tp, tc := NewTrack(name, 0)
	s.requested[name] = tc
	s.reqProd[name] = tp
	s.pending = append(s.pending, tp)
	s.mu.Unlock()
	s.pendingCh.broadcast()

	// Once every subscriber of this request has gone, allow a later
	// Subscribe(name) to create a fresh request rather than handing back a
	// dead consumer (spec §3: "at most one live TrackProducer per name").
	go func() {
		<-tp.Unused()
		s.mu.Lock()
		if s.requested[name] == tc {
			delete(s.requested, name)
			delete(s.reqProd, name)
		}
		s.mu.Unlock()
	}()

	// tc already carries the track's initial reference (refcount 1 from
	// NewTrack); hand it out directly rather than cloning, so the first
	// subscriber closing it is what can make the track unused.
	return tc
}

func (p *BroadcastProducer) Subscribe(name string) *TrackConsumer { return p.state.subscribe(name) }
func (c *BroadcastConsumer) Subscribe(name string) *TrackConsumer { return c.state.subscribe(name) }
