// Package model implements the producer/consumer data graph: Frame, Group,
// Track, Broadcast, and Origin (spec §3). Every producer/consumer pair
// shares one piece of state plus a reference count; because Go has no
// destructors, callers must explicitly Close() their handle (mirroring
// internal/streamio's Writer) to release that reference — the doc comment
// on each Close method says what observing side reacts to it.
package model

import (
	"context"
	"io"
	"sync"

	"github.com/nullstreams/moq/internal/wire"
)

// notifier is a tiny broadcast primitive: each state change closes the
// current channel and replaces it, so any number of waiters blocked on
// <-notifier.get() wake up together without risking the lost-wakeup races
// that mixing sync.Cond with context cancellation invites.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) get() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

// broadcast wakes all current waiters. Caller must hold the state's own
// mutex so the wakeup happens after the state mutation that triggered it.
func (n *notifier) broadcast() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// wait blocks until notifier fires or ctx ends.
func wait(ctx context.Context, n *notifier) error {
	select {
	case <-n.get():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// frameState is the state shared between a FrameProducer and every clone
// of its FrameConsumer.
type frameState struct {
	mu     sync.Mutex
	notify *notifier
	size   uint64
	chunks [][]byte
	done   bool
	err    error // set on WrongSize or producer abort
}

func newFrameState(size uint64) *frameState {
	return &frameState{size: size, notify: newNotifier()}
}

// FrameProducer writes a frame's declared-length payload in chunks.
type FrameProducer struct {
	state *frameState
}

// FrameConsumer reads a frame's payload in order until it completes.
type FrameConsumer struct {
	state *frameState
	next  int
}

// NewFrame creates a frame of the given declared size (spec §3 Frame).
func NewFrame(size uint64) (*FrameProducer, *FrameConsumer) {
	s := newFrameState(size)
	return &FrameProducer{state: s}, &FrameConsumer{state: s}
}

// Size returns the frame's immutable declared length.
func (p *FrameProducer) Size() uint64 { return p.state.size }

// WriteChunk appends bytes to the frame. The total written across all
// calls must not exceed Size(); Close asserts it equals Size() exactly.
func (p *FrameProducer) WriteChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	s := p.state
	s.mu.Lock()
	s.chunks = append(s.chunks, append([]byte(nil), b...))
	s.notify.broadcast()
	s.mu.Unlock()
}

func (s *frameState) writtenLocked() uint64 {
	var n uint64
	for _, c := range s.chunks {
		n += uint64(len(c))
	}
	return n
}

// Close ends the frame cleanly. Sets a WrongSize wire.Error, observable by
// consumers, if the total written bytes don't match the declared size.
func (p *FrameProducer) Close() error {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if w := s.writtenLocked(); w != s.size {
		s.err = wire.NewError(wire.KindWrongSize, "frame byte count did not match declared size")
	}
	s.done = true
	s.notify.broadcast()
	return s.err
}

// Abort ends the frame with an error, surfacing it to the consumer.
func (p *FrameProducer) Abort(err error) {
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

// Size returns the frame's declared length.
func (c *FrameConsumer) Size() uint64 { return c.state.size }

// Clone returns an independent reader over the same frame, starting from
// the beginning of the payload.
func (c *FrameConsumer) Clone() *FrameConsumer {
	return &FrameConsumer{state: c.state}
}

// Read returns the next chunk of the frame, io.EOF once all chunks have
// been delivered and the producer closed cleanly, or the producer's abort
// error.
func (c *FrameConsumer) Read(ctx context.Context) ([]byte, error) {
	s := c.state
	for {
		s.mu.Lock()
		if c.next < len(s.chunks) {
			chunk := s.chunks[c.next]
			c.next++
			s.mu.Unlock()
			return chunk, nil
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

// ReadAll drains the frame into a single contiguous buffer.
func (c *FrameConsumer) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := c.Read(ctx)
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		out = append(out, chunk...)
	}
}
