package model

import (
	"context"
	"io"
	"sync"
)

// groupState is shared between a GroupProducer and every clone of its
// GroupConsumer.
type groupState struct {
	mu       sync.Mutex
	notify   *notifier
	sequence uint64
	frames   []*FrameConsumer
	done     bool
	err      error
}

// GroupProducer appends frames to an independently-decodable unit of a
// track (spec §3 Group).
type GroupProducer struct {
	state *groupState
}

// GroupConsumer reads a group's frames in append order.
type GroupConsumer struct {
	state *groupState
	next  int
}

// NewGroup creates a group with the given monotonic sequence number.
func NewGroup(sequence uint64) (*GroupProducer, *GroupConsumer) {
	s := &groupState{sequence: sequence, notify: newNotifier()}
	return &GroupProducer{state: s}, &GroupConsumer{state: s}
}

// Sequence returns the group's sequence number.
func (p *GroupProducer) Sequence() uint64 { return p.state.sequence }
func (c *GroupConsumer) Sequence() uint64 { return c.state.sequence }

// CreateFrame appends a new frame of the given size to the group and
// returns its producer half for streamed writes.
func (p *GroupProducer) CreateFrame(size uint64) *FrameProducer {
	fp, fc := NewFrame(size)
	s := p.state
	s.mu.Lock()
	s.frames = append(s.frames, fc)
	s.notify.broadcast()
	s.mu.Unlock()
	return fp
}

// WriteFrame is a convenience for a single-chunk frame: it creates, fills,
// and closes a frame of len(data) in one call.
func (p *GroupProducer) WriteFrame(data []byte) error {
	fp := p.CreateFrame(uint64(len(data)))
	fp.WriteChunk(data)
	return fp.Close()
}

// Close ends the group cleanly.
func (p *GroupProducer) Close() {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.notify.broadcast()
}

// Abort ends the group with an error (spec §3: open → closed | aborted).
func (p *GroupProducer) Abort(err error) {
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

// Clone returns an independent reader over the same group, starting from
// its first frame.
func (c *GroupConsumer) Clone() *GroupConsumer {
	return &GroupConsumer{state: c.state}
}

// NextFrame returns the next frame in the group, io.EOF once the group has
// closed cleanly and all frames were delivered, or the group's abort error.
func (c *GroupConsumer) NextFrame(ctx context.Context) (*FrameConsumer, error) {
	s := c.state
	for {
		s.mu.Lock()
		if c.next < len(s.frames) {
			f := s.frames[c.next]
			c.next++
			s.mu.Unlock()
			return f, nil
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
