package session

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/wire"
)

// EncodeTimestampedFrame prepends a varint microsecond timestamp to
// payload. TrackReader expects every frame it reads to be encoded this
// way; moq's own wire frames carry no timestamp (spec §4.6), so a
// publisher wanting latency-bound playout on the consuming end opts into
// this framing when it writes frames.
func EncodeTimestampedFrame(timestamp time.Duration, payload []byte) []byte {
	e := wire.NewEncoder()
	e.Varint(uint64(timestamp.Microseconds()))
	e.Bytes_(payload)
	return e.Bytes()
}

// DecodeTimestampedFrame reverses EncodeTimestampedFrame.
func DecodeTimestampedFrame(raw []byte) (timestamp time.Duration, payload []byte, err error) {
	d := wire.NewDecoder(raw)
	us, err := d.Varint()
	if err != nil {
		return 0, nil, err
	}
	payload, err = d.Bytes()
	if err != nil {
		return 0, nil, err
	}
	return time.Duration(us) * time.Microsecond, payload, nil
}

// frameResult is what readOneFrame reports back over a channel.
type frameResult struct {
	payload   []byte
	timestamp time.Duration
	err       error
}

// readOneFrame reads and decodes a single frame from gc in the
// background. It clones the FrameConsumer before reading so a probing
// read (see pendingGroup.probe) never drains bytes a later delivery read
// of the same frame still needs.
func readOneFrame(ctx context.Context, gc *model.GroupConsumer) <-chan frameResult {
	ch := make(chan frameResult, 1)
	go func() {
		fc, err := gc.NextFrame(ctx)
		if err != nil {
			ch <- frameResult{err: err}
			return
		}
		raw, err := fc.Clone().ReadAll(ctx)
		if err != nil {
			ch <- frameResult{err: err}
			return
		}
		timestamp, payload, err := DecodeTimestampedFrame(raw)
		if err != nil {
			ch <- frameResult{err: err}
			return
		}
		ch <- frameResult{payload: payload, timestamp: timestamp}
	}()
	return ch
}

// pendingGroup is a group racing to preempt the one TrackReader is
// currently delivering. probe reads ahead, independently of group, purely
// to observe frame timestamps; group is untouched so promote can start a
// fresh, complete read of it from the first frame.
type pendingGroup struct {
	group  *model.GroupConsumer
	probe  *model.GroupConsumer
	result <-chan frameResult
}

type pulledGroup struct {
	gc  *model.GroupConsumer
	err error
}

// TrackReader is the production consumer of a track's group-delivery path
// (spec §4.7): it wraps a model.TrackConsumer, decodes each frame's
// timestamp header, and applies a LatencyTracker bound to decide when a
// pending group should preempt the one it is currently delivering instead
// of waiting for that group to finish on its own.
type TrackReader struct {
	consumer *model.TrackConsumer
	tracker  *LatencyTracker

	ctx    context.Context
	cancel context.CancelFunc

	current   *model.GroupConsumer
	curReadCh <-chan frameResult

	pending []*pendingGroup

	pulling bool
	pullCh  chan pulledGroup
}

// NewTrackReader creates a reader applying latency bound L (spec §4.7) to
// consumer. A zero bound never tolerates a pending group getting ahead of
// the current one at all.
func NewTrackReader(consumer *model.TrackConsumer, bound time.Duration) *TrackReader {
	ctx, cancel := context.WithCancel(context.Background())
	return &TrackReader{
		consumer: consumer,
		tracker:  NewLatencyTracker(bound),
		ctx:      ctx,
		cancel:   cancel,
		pullCh:   make(chan pulledGroup, 1),
	}
}

// Close stops every background group/frame read this reader started.
func (r *TrackReader) Close() {
	r.cancel()
}

func (r *TrackReader) ensurePulling() {
	if r.pulling {
		return
	}
	r.pulling = true
	go func() {
		gc, err := r.consumer.NextGroup(r.ctx)
		select {
		case r.pullCh <- pulledGroup{gc: gc, err: err}:
		case <-r.ctx.Done():
		}
	}()
}

// admitGroup decides where a freshly-pulled group goes: it becomes
// current immediately if nothing is playing yet, otherwise it joins the
// pending race (spec §4.7).
func (r *TrackReader) admitGroup(gc *model.GroupConsumer) {
	if r.current == nil && len(r.pending) == 0 {
		r.current = gc
		return
	}
	r.tracker.Observe(gc)
	r.pending = append(r.pending, &pendingGroup{group: gc, probe: gc.Clone()})
}

// promote makes the pending group at idx current, from a fresh read of
// its first frame, and drops every earlier pending group outright — the
// tie-break LatencyTracker.Advance already decided (spec.md §9).
func (r *TrackReader) promote(idx int) {
	r.current = r.pending[idx].group.Clone()
	r.curReadCh = nil
	r.pending = r.pending[idx+1:]
}

// Read returns the next frame's payload and timestamp, reading from
// whichever group the latency policy currently considers current. It
// returns io.EOF once the track has closed cleanly and no group remains,
// or the track/group's abort error.
func (r *TrackReader) Read(ctx context.Context) ([]byte, time.Duration, error) {
	for {
		if r.current == nil && len(r.pending) > 0 {
			r.tracker.Drop(0)
			r.promote(0)
		}
		r.ensurePulling()
		if r.current != nil && r.curReadCh == nil {
			r.curReadCh = readOneFrame(r.ctx, r.current)
		}
		for _, p := range r.pending {
			if p.result == nil {
				p.result = readOneFrame(r.ctx, p.probe)
			}
		}

		const (
			caseCurrent = iota
			casePull
			caseCtx
			caseFirstPending
		)
		cases := make([]reflect.SelectCase, caseFirstPending, caseFirstPending+len(r.pending))
		cases[caseCurrent] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.curReadCh)}
		cases[casePull] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.pullCh)}
		cases[caseCtx] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
		for _, p := range r.pending {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.result)})
		}

		chosen, recv, _ := reflect.Select(cases)
		switch chosen {
		case caseCurrent:
			res := recv.Interface().(frameResult)
			r.curReadCh = nil
			if res.err != nil {
				r.current = nil
				if errors.Is(res.err, io.EOF) {
					continue
				}
				return nil, 0, res.err
			}
			r.tracker.Touch(res.timestamp)
			return res.payload, res.timestamp, nil

		case casePull:
			pulled := recv.Interface().(pulledGroup)
			r.pulling = false
			if pulled.err != nil {
				return nil, 0, pulled.err
			}
			r.admitGroup(pulled.gc)

		case caseCtx:
			return nil, 0, ctx.Err()

		default:
			i := chosen - caseFirstPending
			p := r.pending[i]
			p.result = nil
			res := recv.Interface().(frameResult)
			if res.err != nil {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				r.tracker.Drop(i)
				continue
			}
			if _, _, ok := r.tracker.Advance(i, res.timestamp); ok {
				r.promote(i)
			}
		}
	}
}
