package session

import "testing"

func TestGroupPriority(t *testing.T) {
	cases := []struct {
		trackPriority uint8
		sequence      uint64
		want          int32
	}{
		{1, 0, 2*(1<<24-1) + 1},
		{0, 50, (1<<24 - 1) - 50},
		{0, 0, 1<<24 - 1},
	}
	for _, c := range cases {
		got := GroupPriority(c.trackPriority, c.sequence)
		if got != c.want {
			t.Errorf("GroupPriority(%d, %d) = %d, want %d", c.trackPriority, c.sequence, got, c.want)
		}
	}
}

func TestGroupPriorityOrdering(t *testing.T) {
	// A lower track priority value is more urgent and must win regardless
	// of sequence: only sequence is inverted, track priority passes through.
	if GroupPriority(0, 0) >= GroupPriority(1, 1000) {
		t.Error("lower track priority should yield a lower (more urgent) value")
	}
	// Within the same track priority, a newer sequence must win.
	if GroupPriority(0, 10) >= GroupPriority(0, 5) {
		t.Error("newer sequence should yield a lower (more urgent) value")
	}
}
