package session

import (
	"time"

	"github.com/nullstreams/moq/internal/model"
)

// LatencyTracker implements the track-consumer latency policy (spec §4.7):
// it buffers pending groups until one carries a frame timestamp more than
// bound past the running high-water mark, at which point the older
// current group (and any earlier-indexed pending groups, per spec.md §9's
// tie-break decision) are dropped and the breaching group is promoted.
//
// Timestamps are presentation timestamps carried by the application, not
// wall-clock time, so this type never reads the clock itself.
type LatencyTracker struct {
	bound        time.Duration
	maxTimestamp time.Duration
	started      bool
	pending      []*model.GroupConsumer
}

// NewLatencyTracker creates a tracker with latency bound L (spec §4.7).
func NewLatencyTracker(bound time.Duration) *LatencyTracker {
	return &LatencyTracker{bound: bound}
}

// Observe registers a newly-arrived group as pending, at the next index.
func (t *LatencyTracker) Observe(g *model.GroupConsumer) int {
	t.pending = append(t.pending, g)
	return len(t.pending) - 1
}

// Advance reports a frame timestamp seen on the pending group at idx.
// Multiple pending groups may each observe a timestamp in the same tick;
// the first to breach max_timestamp+bound wins, and every pending group
// at an index <= the winner's is drained together so playout always
// advances to the newest winner (spec.md §9 Open Questions tie-break).
// max_timestamp starts at zero, so a first observation breaches only if it
// is already more than bound past zero.
func (t *LatencyTracker) Advance(idx int, timestamp time.Duration) (promoted *model.GroupConsumer, dropped []*model.GroupConsumer, ok bool) {
	if idx < 0 || idx >= len(t.pending) {
		return nil, nil, false
	}
	if timestamp <= t.maxTimestamp+t.bound {
		return nil, nil, false
	}
	t.started = true
	if timestamp > t.maxTimestamp {
		t.maxTimestamp = timestamp
	}

	promoted = t.pending[idx]
	dropped = append(dropped, t.pending[:idx]...)
	t.pending = t.pending[idx+1:]
	return promoted, dropped, true
}

// Pending reports how many groups are currently buffered awaiting a
// threshold breach.
func (t *LatencyTracker) Pending() int {
	return len(t.pending)
}

// Touch records a timestamp observed on the group already being delivered
// (as opposed to a pending one racing against it), advancing max_timestamp
// if it's newer. It never promotes or drops anything; it exists so the
// breach threshold keeps moving forward while the current group still has
// frames of its own arriving.
func (t *LatencyTracker) Touch(timestamp time.Duration) {
	if !t.started || timestamp > t.maxTimestamp {
		t.maxTimestamp = timestamp
		t.started = true
	}
}

// Drop discards pending group idx without recording a breach — used when
// that group ends (cleanly or aborted) before any group ever raced past
// it. Later pending indices shift down by one, mirroring Advance.
func (t *LatencyTracker) Drop(idx int) {
	if idx < 0 || idx >= len(t.pending) {
		return
	}
	t.pending = append(t.pending[:idx], t.pending[idx+1:]...)
}
