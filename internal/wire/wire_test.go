package wire

import (
	"testing"

	"github.com/nullstreams/moq/internal/wirepath"
)

func roundTrip[T decodable](t *testing.T, m T, fresh func() T) T {
	t.Helper()
	msg, ok := any(m).(Message)
	if !ok {
		t.Fatal("type does not implement Message")
	}
	framed := Framed(msg)
	out := fresh()
	n, err := DecodeFramed(framed, out)
	if err != nil {
		t.Fatalf("DecodeFramed: %v", err)
	}
	if n != len(framed) {
		t.Fatalf("consumed %d, want %d", n, len(framed))
	}
	return out
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16383, 16384, 1 << 29, 1<<30 - 1, 1 << 30, 1 << 61}
	for _, v := range values {
		buf := AppendVarint(nil, v)
		got, n, err := ReadVarint(buf)
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("ReadVarint round trip for %d: got %d consumed %d want len %d", v, got, n, len(buf))
		}
	}
}

func TestPriorityBias(t *testing.T) {
	e := NewEncoder()
	e.Priority(0)
	if e.Bytes()[0] != 0x80 {
		t.Errorf("Priority(0) encoded as 0x%x, want 0x80", e.Bytes()[0])
	}
	d := NewDecoder(e.Bytes())
	v, err := d.Priority()
	if err != nil || v != 0 {
		t.Errorf("decoded priority = %d, err = %v", v, err)
	}
}

func TestClientSetupRoundTrip(t *testing.T) {
	in := &ClientSetup{
		Versions:   []uint64{VersionLite, VersionIETF},
		Extensions: map[uint64][]byte{1: []byte("x")},
	}
	out := roundTrip[*ClientSetup](t, in, func() *ClientSetup { return &ClientSetup{} })
	if len(out.Versions) != 2 || out.Versions[0] != VersionLite || out.Versions[1] != VersionIETF {
		t.Errorf("versions mismatch: %v", out.Versions)
	}
	if string(out.Extensions[1]) != "x" {
		t.Errorf("extensions mismatch: %v", out.Extensions)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	in := &Announce{Status: AnnounceActive, Suffix: wirepath.New("a/b/c")}
	out := roundTrip[*Announce](t, in, func() *Announce { return &Announce{} })
	if out.Status != AnnounceActive || !out.Suffix.Equal(wirepath.New("a/b/c")) {
		t.Errorf("announce mismatch: %+v", out)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	in := &Subscribe{ID: 7, Broadcast: wirepath.New("room/1"), Track: "video", Priority: 200}
	out := roundTrip[*Subscribe](t, in, func() *Subscribe { return &Subscribe{} })
	if out.ID != 7 || !out.Broadcast.Equal(wirepath.New("room/1")) || out.Track != "video" || out.Priority != 200 {
		t.Errorf("subscribe mismatch: %+v", out)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	in := &Group{Subscribe: 42, Sequence: 100001}
	out := roundTrip[*Group](t, in, func() *Group { return &Group{} })
	if out.Subscribe != 42 || out.Sequence != 100001 {
		t.Errorf("group mismatch: %+v", out)
	}
}

func TestDecodeFramedExactSize(t *testing.T) {
	in := &SubscribeOk{Priority: 5}
	framed := Framed(in)
	// Append a surplus byte beyond the declared size; DecodeFramed must
	// not consume it and must not error on the well-formed prefix.
	extended := append(append([]byte{}, framed...), 0xFF)
	out := &SubscribeOk{}
	n, err := DecodeFramed(extended, out)
	if err != nil {
		t.Fatalf("DecodeFramed: %v", err)
	}
	if n != len(framed) {
		t.Errorf("consumed %d bytes, want exactly %d (ignoring surplus)", n, len(framed))
	}
}

func TestDecodeFramedShort(t *testing.T) {
	in := &SubscribeOk{Priority: 5}
	framed := Framed(in)
	out := &SubscribeOk{}
	if _, err := DecodeFramed(framed[:len(framed)-1], out); err == nil {
		t.Error("expected error decoding truncated frame")
	}
}

func TestDecodeFramedTrailingBytesInBody(t *testing.T) {
	// Manually build a frame whose declared size includes a trailing byte
	// the message body doesn't consume: must surface ExpectedEnd.
	body := append(append([]byte{}, 5), 0xFF) // SubscribeOk{5} body + surplus
	data := AppendVarint(nil, uint64(len(body)))
	data = append(data, body...)
	out := &SubscribeOk{}
	if _, err := DecodeFramed(data, out); err != ErrExpectedEnd {
		t.Errorf("expected ErrExpectedEnd, got %v", err)
	}
}
