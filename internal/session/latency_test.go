package session

import (
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/model"
)

func newTestGroup(seq uint64) *model.GroupConsumer {
	gp, gc := model.NewGroup(seq)
	gp.Close()
	return gc
}

func TestLatencyTrackerPromotesOnBreach(t *testing.T) {
	lt := NewLatencyTracker(100 * time.Millisecond)

	a := newTestGroup(1)
	b := newTestGroup(2)
	idxA := lt.Observe(a)
	idxB := lt.Observe(b)

	if _, _, ok := lt.Advance(idxA, 10*time.Millisecond); ok {
		t.Fatal("expected first observation to not breach (no prior max_timestamp)")
	}

	promoted, dropped, ok := lt.Advance(idxB, 200*time.Millisecond)
	if !ok {
		t.Fatal("expected breach on second group's timestamp")
	}
	if promoted != b {
		t.Fatal("expected group b to be promoted")
	}
	if len(dropped) != 1 || dropped[0] != a {
		t.Fatalf("expected group a to be dropped, got %v", dropped)
	}
	if lt.Pending() != 0 {
		t.Fatalf("expected no pending groups left, got %d", lt.Pending())
	}
}

func TestLatencyTrackerDrainsEarlierIndicesOnTie(t *testing.T) {
	lt := NewLatencyTracker(time.Millisecond)
	_, _, _ = lt.Advance(0, 0) // establish a baseline with no pending groups: no-op

	g0 := newTestGroup(1)
	g1 := newTestGroup(2)
	g2 := newTestGroup(3)
	lt.Observe(g0)
	lt.Observe(g1)
	idx2 := lt.Observe(g2)

	promoted, dropped, ok := lt.Advance(idx2, time.Second)
	if !ok {
		t.Fatal("expected breach")
	}
	if promoted != g2 {
		t.Fatal("expected newest (highest index) group to win")
	}
	if len(dropped) != 2 || dropped[0] != g0 || dropped[1] != g1 {
		t.Fatalf("expected earlier-indexed groups drained, got %v", dropped)
	}
}
