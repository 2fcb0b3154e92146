package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/model"
)

func writeTimestampedGroup(t *testing.T, tp *model.TrackProducer, seq uint64, frames ...time.Duration) {
	t.Helper()
	gp := tp.AppendGroup(seq)
	for _, ts := range frames {
		if err := gp.WriteFrame(EncodeTimestampedFrame(ts, []byte("payload"))); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	gp.Close()
}

func TestEncodeDecodeTimestampedFrameRoundTrip(t *testing.T) {
	raw := EncodeTimestampedFrame(250*time.Millisecond, []byte("hello"))
	ts, payload, err := DecodeTimestampedFrame(raw)
	if err != nil {
		t.Fatalf("DecodeTimestampedFrame: %v", err)
	}
	if ts != 250*time.Millisecond {
		t.Fatalf("timestamp = %v, want 250ms", ts)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
}

func TestTrackReaderDeliversFirstGroupDirectly(t *testing.T) {
	tp, tc := model.NewTrack("video", 0)
	writeTimestampedGroup(t, tp, 1, 0, 10*time.Millisecond)
	tp.Close()

	r := NewTrackReader(tc, 100*time.Millisecond)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload, ts, err := r.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(payload) != "payload" || ts != 0 {
		t.Fatalf("got (%q, %v), want (\"payload\", 0)", payload, ts)
	}

	_, ts, err = r.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ts != 10*time.Millisecond {
		t.Fatalf("timestamp = %v, want 10ms", ts)
	}

	if _, _, err := r.Read(ctx); err != io.EOF {
		t.Fatalf("Read at track end = %v, want io.EOF", err)
	}
}

func TestTrackReaderSkipsStaleGroupOnLatencyBreach(t *testing.T) {
	tp, tc := model.NewTrack("video", 0)
	r := NewTrackReader(tc, 50*time.Millisecond)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// First group becomes current directly and delivers its one frame; it
	// is deliberately never closed, so it would otherwise block forever
	// waiting for a second frame that never comes.
	gp1 := tp.AppendGroup(1)
	if err := gp1.WriteFrame(EncodeTimestampedFrame(0, []byte("payload"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	payload, ts, err := r.Read(ctx)
	if err != nil || string(payload) != "payload" || ts != 0 {
		t.Fatalf("first frame = (%q, %v, %v), want (\"payload\", 0, nil)", payload, ts, err)
	}

	// A second group races in and breaches the 50ms bound immediately; it
	// should preempt the still-open first group rather than wait for it.
	writeTimestampedGroup(t, tp, 2, 500*time.Millisecond)
	tp.Close()

	payload, ts, err = r.Read(ctx)
	if err != nil {
		t.Fatalf("Read after breach: %v", err)
	}
	if ts != 500*time.Millisecond {
		t.Fatalf("expected promoted group's frame (ts=500ms), got ts=%v", ts)
	}
}

func TestTrackReaderDropsOldGroupWithoutBreach(t *testing.T) {
	tp, tc := model.NewTrack("video", 0)
	r := NewTrackReader(tc, time.Hour)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// First group becomes current and stays open, blocking on a second
	// frame that never arrives until it is explicitly closed below.
	gp1 := tp.AppendGroup(1)
	if err := gp1.WriteFrame(EncodeTimestampedFrame(0, []byte("payload"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, _, err := r.Read(ctx); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// An hour-long bound means this second group's 5ms timestamp never
	// breaches; it must sit pending until the first group finishes.
	writeTimestampedGroup(t, tp, 2, 5*time.Millisecond)
	tp.Close()
	time.Sleep(10 * time.Millisecond)
	gp1.Close()

	payload, ts, err := r.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(payload) != "payload" || ts != 5*time.Millisecond {
		t.Fatalf("got (%q, %v), want the second group's frame", payload, ts)
	}

	if _, _, err := r.Read(ctx); err != io.EOF {
		t.Fatalf("Read at track end = %v, want io.EOF", err)
	}
}
