package relay

import (
	"context"
	"fmt"

	"github.com/nullstreams/moq/internal/session"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

// connectRequest is the first message the dialing side writes on the session
// control stream, ahead of the moq handshake itself: the path the client
// wants to attach to and the token authorizing it. The original relay
// reads these off a WebTransport connect URL's path and ?jwt= query
// parameter; this module dials raw QUIC rather than WebTransport, so the
// same two values travel as a stream preamble instead (spec §4.8 step 1).
type connectRequest struct {
	Path  string
	Token string
}

func (m *connectRequest) Encode(e *wire.Encoder) {
	e.String(m.Path)
	e.String(m.Token)
}

func (m *connectRequest) Decode(d *wire.Decoder) error {
	path, err := d.String()
	if err != nil {
		return err
	}
	token, err := d.String()
	if err != nil {
		return err
	}
	m.Path, m.Token = path, token
	return nil
}

// DialWithToken opens sess's control stream, writes a connectRequest
// carrying path and token, and completes the moq handshake on that same
// stream before starting opts. Used both for ordinary client connections
// and for a cluster node dialing its peers.
func DialWithToken(ctx context.Context, sess transport.Session, path, token string, opts session.Options) (*session.Session, *session.Ready, error) {
	st, err := sess.OpenBi(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: opening control stream: %w", err)
	}
	cs := session.NewControlStream(st)
	if err := cs.Writer().Encode(&connectRequest{Path: path, Token: token}); err != nil {
		return nil, nil, fmt.Errorf("relay: sending connect request: %w", err)
	}
	return session.ConnectOnStream(ctx, sess, cs, opts)
}

// AcceptWithToken reads the connectRequest a connecting peer wrote ahead of
// its handshake and authorizes it against keys, returning the still
// unhandshaked stream and the reduced scope so the caller can build
// session.Options and finish the handshake via session.AcceptOnStream.
func AcceptWithToken(ctx context.Context, sess transport.Session, keys *Keyring) (*session.ControlStream, *Reduced, error) {
	st, err := sess.AcceptBi(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: accepting control stream: %w", err)
	}
	cs := session.NewControlStream(st)
	var req connectRequest
	if err := cs.Reader().Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("relay: reading connect request: %w", err)
	}
	reduced, err := keys.Authorize(req.Path, req.Token)
	if err != nil {
		return nil, nil, err
	}
	return cs, reduced, nil
}
