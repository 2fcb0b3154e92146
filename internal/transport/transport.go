// Package transport defines the narrow capability the session layer
// consumes from an underlying QUIC/WebTransport connection. The concrete
// TLS/QUIC implementation (internal/transportquic) is an external
// collaborator wired in at the edges; nothing in internal/session,
// internal/model, or internal/wire imports quic-go directly.
package transport

import (
	"context"

	"github.com/nullstreams/moq/internal/wire"
)

// SendStream is a unidirectional (or the send half of a bidirectional)
// outgoing byte stream.
type SendStream interface {
	// Write writes buf, returning the number of bytes accepted. May block
	// on flow control.
	Write(buf []byte) (int, error)
	// Finish cleanly closes the stream; no further writes are permitted.
	Finish() error
	// Reset aborts the stream with the given error code; it maps from a
	// wire.Kind via ResetCode.
	Reset(code uint64) error
	// SetPriority sets the transport-level stream priority. Lower values
	// are served first (spec §4.6).
	SetPriority(priority int32) error
}

// RecvStream is a unidirectional (or the receive half of a bidirectional)
// incoming byte stream.
type RecvStream interface {
	// Read reads up to len(buf) bytes, returning io.EOF at a clean stream
	// end.
	Read(buf []byte) (int, error)
	// Stop aborts reading with the given error code, signalling the peer
	// to stop sending.
	Stop(code uint64) error
}

// Stream is a bidirectional stream: both a SendStream and a RecvStream.
type Stream interface {
	SendStream
	RecvStream
}

// Session is the capability a QUIC/WebTransport connection exposes to the
// session orchestrator (spec §6).
type Session interface {
	// OpenBi opens a new bidirectional stream, used by the client for the
	// handshake stream and by the subscriber half for each announce or
	// subscribe control stream.
	OpenBi(ctx context.Context) (Stream, error)
	// AcceptBi accepts a bidirectional stream opened by the peer.
	AcceptBi(ctx context.Context) (Stream, error)
	// OpenUni opens a new unidirectional send stream, used for per-group
	// data streams (spec §4.6).
	OpenUni(ctx context.Context) (SendStream, error)
	// AcceptUni accepts a unidirectional stream opened by the peer.
	AcceptUni(ctx context.Context) (RecvStream, error)
	// Close tears down the session with an application error code and a
	// human-readable reason.
	Close(code uint64, reason string) error
	// Closed returns a channel that is closed (with Err() set) when the
	// session ends, and the error that caused it.
	Closed() <-chan struct{}
	Err() error
}

// ResetCode maps a protocol error Kind onto a stable stream/session reset
// code (spec §7). The mapping is the identity on the Kind's numeric value:
// both sides of a session agree on wire.Kind's ordering because it's part
// of the protocol, not an implementation detail.
func ResetCode(kind wire.Kind) uint64 {
	return uint64(kind)
}

// KindFromResetCode is the inverse of ResetCode, used when translating a
// peer-observed stream reset back into a protocol error.
func KindFromResetCode(code uint64) wire.Kind {
	return wire.Kind(code)
}
