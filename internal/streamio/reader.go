// Package streamio adapts the transport.RecvStream/SendStream capability
// into buffered message decode/encode helpers (spec §4.2).
package streamio

import (
	"errors"
	"io"

	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

const readChunk = 4096

// decodable mirrors wire's unexported Decode contract so Reader doesn't
// need to import message-specific types.
type decodable interface {
	Decode(*wire.Decoder) error
}

// Reader buffers bytes read from a transport.RecvStream and decodes
// size-prefixed messages from the front of the buffer.
type Reader struct {
	stream transport.RecvStream
	buf    []byte
	eof    bool
}

func NewReader(stream transport.RecvStream) *Reader {
	return &Reader{stream: stream}
}

// fill reads one more chunk from the underlying stream into buf. Returns
// io.EOF once the stream has cleanly ended and no bytes remain to offer.
func (r *Reader) fill() error {
	if r.eof {
		return io.EOF
	}
	chunk := make([]byte, readChunk)
	n, err := r.stream.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
			if n == 0 {
				return io.EOF
			}
			return nil
		}
		return err
	}
	return nil
}

// Decode loops reading from the stream until a size-prefixed message of
// type m can be fully decoded, or the stream ends (yielding an error: a
// clean EOF mid-message is a failure, per spec §4.2).
func (r *Reader) Decode(m decodable) error {
	for {
		n, err := wire.DecodeFramed(r.buf, m)
		if err == nil {
			r.buf = r.buf[n:]
			return nil
		}
		if !errors.Is(err, wire.ErrShort) {
			return err
		}
		if ferr := r.fill(); ferr != nil {
			if errors.Is(ferr, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return ferr
		}
	}
}

// DecodeMaybe is like Decode but returns (false, nil) on a clean EOF that
// occurs before any bytes of a new message have arrived (i.e. between
// messages), and (true, nil) once m is populated.
func (r *Reader) DecodeMaybe(m decodable) (bool, error) {
	for {
		if len(r.buf) == 0 && r.eof {
			return false, nil
		}
		n, err := wire.DecodeFramed(r.buf, m)
		if err == nil {
			r.buf = r.buf[n:]
			return true, nil
		}
		if !errors.Is(err, wire.ErrShort) {
			return false, err
		}
		if ferr := r.fill(); ferr != nil {
			if errors.Is(ferr, io.EOF) {
				if len(r.buf) == 0 {
					return false, nil
				}
				return false, io.ErrUnexpectedEOF
			}
			return false, ferr
		}
	}
}

// Read returns up to max buffered+freshly-read bytes, or (nil, nil) at a
// clean end-of-stream with nothing left to offer.
func (r *Reader) Read(max int) ([]byte, error) {
	for len(r.buf) == 0 {
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
	}
	n := max
	if n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out, nil
}

// ReadFull reads exactly n bytes, failing with io.ErrUnexpectedEOF if the
// stream ends first. Used to collect a frame's
// declared payload (spec §3 Frame, §4.6).
func (r *Reader) ReadFull(n int) ([]byte, error) {
	for len(r.buf) < n {
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out, nil
}

// Abort resets the receive side with the error code derived from kind.
func (r *Reader) Abort(kind wire.Kind) error {
	return r.stream.Stop(transport.ResetCode(kind))
}
