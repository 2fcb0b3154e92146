package session

import (
	"context"
	"errors"
	"io"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/streamio"
	"github.com/nullstreams/moq/internal/wire"
)

// streamFrame writes one frame as varint(size) || bytes onto w (spec
// §4.6), draining f's chunks as they become available.
func streamFrame(w *streamio.Writer, ctx context.Context, f *model.FrameConsumer) error {
	sizeEnc := wire.NewEncoder()
	sizeEnc.Varint(f.Size())
	if err := w.Write(sizeEnc.Bytes()); err != nil {
		return err
	}
	for {
		chunk, err := f.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if err := w.Write(chunk); err != nil {
			return err
		}
	}
}

// readFrameMaybe reads one varint(size)-prefixed frame from r into a
// freshly created frame on group (the subscriber side's mirror of
// streamFrame), reporting ok=false,err=nil only on a clean end-of-stream
// at a frame boundary (spec §4.6: "repeated ... until clean stream end").
func readFrameMaybe(r *streamio.Reader, group *model.GroupProducer) (ok bool, err error) {
	firstBuf, err := r.Read(1)
	if err != nil {
		return false, err
	}
	if firstBuf == nil {
		return false, nil
	}

	size, err := readVarintFromReader(r, firstBuf[0])
	if err != nil {
		return false, err
	}
	payload, err := r.ReadFull(int(size))
	if err != nil {
		return false, err
	}
	if err := group.WriteFrame(payload); err != nil {
		return false, err
	}
	return true, nil
}

// readVarintFromReader decodes one varint from r given its already-read
// first byte: the top two bits of that byte give the total encoded length
// (1/2/4/8 bytes, per wire.ReadVarint), so at most 7 extra bytes follow.
func readVarintFromReader(r *streamio.Reader, first byte) (uint64, error) {
	var extra int
	switch first >> 6 {
	case 0:
		extra = 0
	case 1:
		extra = 1
	case 2:
		extra = 3
	default:
		extra = 7
	}
	buf := []byte{first}
	if extra > 0 {
		rest, err := r.ReadFull(extra)
		if err != nil {
			return 0, err
		}
		buf = append(buf, rest...)
	}
	v, _, err := wire.ReadVarint(buf)
	return v, err
}

// errToKind extracts the wire.Kind to reset a stream with from err,
// defaulting to Transport when err didn't originate as a *wire.Error.
func errToKind(err error) wire.Kind {
	var we *wire.Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return wire.KindTransport
}
