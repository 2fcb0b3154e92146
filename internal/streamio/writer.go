package streamio

import (
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

// Writer encodes messages and raw bytes onto a transport.SendStream.
//
// Go has no destructors, so the "reset on drop without finish" guarantee
// of spec §4.2 is implemented as Close: callers that open a Writer and may
// return early (error paths, context cancellation) must `defer w.Close()`.
// Close is a no-op once Finish or Abort has already run.
type Writer struct {
	stream transport.SendStream
	done   bool
}

func NewWriter(stream transport.SendStream) *Writer {
	return &Writer{stream: stream}
}

// Encode serializes m as a size-prefixed message and writes it through.
func (w *Writer) Encode(m wire.Message) error {
	return w.writeAll(wire.Framed(m))
}

// Write writes raw bytes (e.g. a frame's varint-size-prefixed payload,
// spec §4.6) through to the stream, looping until all bytes are accepted.
func (w *Writer) Write(buf []byte) error {
	return w.writeAll(buf)
}

func (w *Writer) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := w.stream.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Finish cleanly closes the stream. No further writes are permitted.
func (w *Writer) Finish() error {
	w.done = true
	return w.stream.Finish()
}

// Abort resets the stream with the error code derived from kind.
func (w *Writer) Abort(kind wire.Kind) error {
	w.done = true
	return w.stream.Reset(transport.ResetCode(kind))
}

// SetPriority sets the transport's stream priority (spec §4.6).
func (w *Writer) SetPriority(priority int32) error {
	return w.stream.SetPriority(priority)
}

// Close resets the stream with Cancel if neither Finish nor Abort has run
// yet. See the type doc for why callers must defer this explicitly.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	return w.Abort(wire.KindCancel)
}
