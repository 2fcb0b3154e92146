package session

import (
	"context"

	"github.com/nullstreams/moq/internal/streamio"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

// ErrVersionMismatch means neither side's supported version lists intersect
// (spec §4.3: "Version mismatch is fatal").
var ErrVersionMismatch = wire.NewError(wire.KindVersion, "no mutually supported version")

// compatTag is written ahead of the session stream-type
// varint when the endpoint wants to interoperate with an IETF-framed peer
// (spec §4.3 step 1).
const (
	compatClientTag byte = 0x40
	compatServerTag byte = 0x41
)

// ControlStream bundles a handshake stream's reader and writer so callers
// don't juggle the raw transport.Stream. A caller that needs to read or
// write messages ahead of the moq handshake itself — a relay's connect
// bootstrap — constructs one with NewControlStream and passes it to
// ClientHandshakeStream/ServerHandshakeStream so the buffered reader isn't
// discarded and recreated mid-stream.
type ControlStream struct {
	stream transport.Stream
	reader *streamio.Reader
	writer *streamio.Writer
}

// NewControlStream wraps an already-open bidirectional stream.
func NewControlStream(st transport.Stream) *ControlStream {
	return &ControlStream{stream: st, reader: streamio.NewReader(st), writer: streamio.NewWriter(st)}
}

// Reader exposes the control stream's buffered message reader, for a
// caller that needs to decode something ahead of the moq handshake.
func (cs *ControlStream) Reader() *streamio.Reader { return cs.reader }

// Writer exposes the control stream's message writer, for a caller that
// needs to encode something ahead of the moq handshake.
func (cs *ControlStream) Writer() *streamio.Writer { return cs.writer }

// ClientHandshake opens the session control stream and negotiates a
// version (spec §4.3). When compat is set, the IETF compatibility tag is
// written ahead of the stream-type varint and the server's matching tag is
// expected back.
func ClientHandshake(ctx context.Context, sess transport.Session, versions []uint64, compat bool) (*ControlStream, uint64, error) {
	st, err := sess.OpenBi(ctx)
	if err != nil {
		return nil, 0, err
	}
	return ClientHandshakeStream(ctx, NewControlStream(st), versions, compat)
}

// ClientHandshakeStream is ClientHandshake for a control stream the caller
// already opened — used by a relay client that writes a connect request
// ahead of the moq handshake on the same stream (spec §4.8's URL-scoped
// bootstrap, adapted to a raw QUIC control stream).
func ClientHandshakeStream(ctx context.Context, cs *ControlStream, versions []uint64, compat bool) (*ControlStream, uint64, error) {
	if compat {
		if err := cs.writer.Write([]byte{compatClientTag}); err != nil {
			return nil, 0, err
		}
	}
	tagEnc := wire.NewEncoder()
	tagEnc.Varint(wire.StreamSession)
	if err := cs.writer.Write(tagEnc.Bytes()); err != nil {
		return nil, 0, err
	}

	setup := &wire.ClientSetup{Versions: versions}
	if err := cs.writer.Encode(setup); err != nil {
		return nil, 0, err
	}

	if compat {
		tag, err := cs.reader.ReadFull(1)
		if err != nil {
			return nil, 0, err
		}
		if tag[0] != compatServerTag {
			return nil, 0, wire.NewError(wire.KindUnexpectedMessage, "expected server compat tag")
		}
	}

	var reply wire.ServerSetup
	if err := cs.reader.Decode(&reply); err != nil {
		return nil, 0, err
	}
	if !versionSupported(versions, reply.Version) {
		return nil, 0, ErrVersionMismatch
	}
	return cs, reply.Version, nil
}

// ServerHandshake accepts the peer's session control stream, reads the
// stream-type tag (detecting the compat prefix), and negotiates a version
// from supported (spec §4.3 steps 1-4).
func ServerHandshake(ctx context.Context, sess transport.Session, supported []uint64) (*ControlStream, uint64, error) {
	st, err := sess.AcceptBi(ctx)
	if err != nil {
		return nil, 0, err
	}
	return ServerHandshakeStream(ctx, NewControlStream(st), supported)
}

// ServerHandshakeStream is ServerHandshake for a control stream the caller
// already has in hand — used by a relay that reads a connect request off
// the stream before the moq handshake begins (spec §4.8's URL-scoped
// bootstrap, adapted to a raw QUIC control stream).
func ServerHandshakeStream(ctx context.Context, cs *ControlStream, supported []uint64) (*ControlStream, uint64, error) {
	first, err := cs.reader.ReadFull(1)
	if err != nil {
		return nil, 0, err
	}

	compat := first[0] == compatClientTag
	if compat {
		// The real stream-type varint (StreamSession, always one byte)
		// follows the compat tag; consume and discard it.
		if _, err := cs.reader.ReadFull(1); err != nil {
			return nil, 0, err
		}
	}

	var client wire.ClientSetup
	if err := cs.reader.Decode(&client); err != nil {
		return nil, 0, err
	}

	version, ok := firstMutual(supported, client.Versions)
	if !ok {
		return nil, 0, ErrVersionMismatch
	}

	if compat {
		if err := cs.writer.Write([]byte{compatServerTag}); err != nil {
			return nil, 0, err
		}
	}
	reply := &wire.ServerSetup{Version: version}
	if err := cs.writer.Encode(reply); err != nil {
		return nil, 0, err
	}
	return cs, version, nil
}

func versionSupported(supported []uint64, v uint64) bool {
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}

func firstMutual(serverSupported, clientOffered []uint64) (uint64, bool) {
	for _, v := range clientOffered {
		if versionSupported(serverSupported, v) {
			return v, true
		}
	}
	return 0, false
}
