// Package session wires the handshake, publisher, and subscriber halves of
// one moq connection together (spec §4.3-§4.6). Everything here is
// transport-agnostic: it talks only to the narrow interfaces in
// internal/transport, never to quic-go directly.
package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
	"github.com/nullstreams/moq/internal/wirepath"
)

// SupportedVersions is the dialect list offered during negotiation, newest
// first so a mutual match prefers this port's native framing.
var SupportedVersions = []uint64{wire.VersionLite, wire.VersionIETF}

// Options configures one side of a session.
type Options struct {
	// Publish is the scoped view of locally-hosted broadcasts served to the
	// peer's subscribe requests. Nil if this side publishes nothing.
	Publish *model.OriginConsumer
	// Subscribe is where remote announces matching Announce are mirrored as
	// local broadcasts, scoped by PublishOnly/ConsumeOnly/WithRoot as the
	// caller configured it. Nil if this side never mirrors remote announces.
	Subscribe *model.OriginProducer
	// Announce is the prefix this side asks the peer to announce into
	// Subscribe (spec §4.4). Ignored if Subscribe is nil.
	Announce wirepath.Path
	// Compat, when true, writes/expects the IETF compatibility tag ahead of
	// the session control stream (spec §4.3 step 1, client side only).
	Compat bool
}

// Session is one negotiated moq connection: a handshake plus, depending on
// Options, a running Publisher and/or Subscriber.
type Session struct {
	sess    transport.Session
	Version uint64
}

// Ready reports when the initial announce snapshot (if any was requested)
// has been applied to Options.Subscribe, and carries the first fatal error
// from any of the session's background loops.
type Ready struct {
	ready chan struct{}
	done  chan struct{}
	err   error
}

// Wait blocks until the session is ready for use or ctx ends, whichever
// comes first. It does not indicate the session has ended.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once every background loop (handshake
// aside) has returned.
func (r *Ready) Done() <-chan struct{} {
	return r.done
}

// Err returns the first error any background loop exited with, valid after
// Done is closed.
func (r *Ready) Err() error {
	return r.err
}

// Connect performs the client side of the handshake (spec §4.3) and starts
// serving opts over sess, returning once negotiation completes. The
// returned Ready signals when opts.Subscribe's initial snapshot (if any)
// has landed; callers that don't care may discard it.
func Connect(ctx context.Context, sess transport.Session, opts Options) (*Session, *Ready, error) {
	cs, version, err := ClientHandshake(ctx, sess, SupportedVersions, opts.Compat)
	if err != nil {
		return nil, nil, fmt.Errorf("session handshake: %w", err)
	}
	cs.writer.Close()

	s := &Session{sess: sess, Version: version}
	ready := s.run(ctx, opts)
	return s, ready, nil
}

// ConnectOnStream is Connect for a caller that already opened the
// session's control stream — a relay client that writes a connect
// request ahead of the moq handshake on that same stream.
func ConnectOnStream(ctx context.Context, sess transport.Session, cs0 *ControlStream, opts Options) (*Session, *Ready, error) {
	cs, version, err := ClientHandshakeStream(ctx, cs0, SupportedVersions, opts.Compat)
	if err != nil {
		return nil, nil, fmt.Errorf("session handshake: %w", err)
	}
	cs.writer.Close()

	s := &Session{sess: sess, Version: version}
	ready := s.run(ctx, opts)
	return s, ready, nil
}

// Accept performs the server side of the handshake and starts serving opts.
func Accept(ctx context.Context, sess transport.Session, opts Options) (*Session, *Ready, error) {
	cs, version, err := ServerHandshake(ctx, sess, SupportedVersions)
	if err != nil {
		return nil, nil, fmt.Errorf("session handshake: %w", err)
	}
	cs.writer.Close()

	s := &Session{sess: sess, Version: version}
	ready := s.run(ctx, opts)
	return s, ready, nil
}

// AcceptOnStream is Accept for a caller that already holds the session's
// control stream — a relay that reads a connect ticket off the stream
// before the moq handshake begins (spec §4.8's URL-scoped bootstrap).
func AcceptOnStream(ctx context.Context, sess transport.Session, cs0 *ControlStream, opts Options) (*Session, *Ready, error) {
	cs, version, err := ServerHandshakeStream(ctx, cs0, SupportedVersions)
	if err != nil {
		return nil, nil, fmt.Errorf("session handshake: %w", err)
	}
	cs.writer.Close()

	s := &Session{sess: sess, Version: version}
	ready := s.run(ctx, opts)
	return s, ready, nil
}

// run starts the publisher/subscriber loops negotiated version demands and
// returns a Ready tracking both the readiness barrier and their exit.
func (s *Session) run(ctx context.Context, opts Options) *Ready {
	r := &Ready{ready: make(chan struct{}), done: make(chan struct{})}

	g, gctx := errgroup.WithContext(ctx)

	if opts.Publish != nil {
		pub := NewPublisher(s.sess, opts.Publish, s.Version)
		g.Go(func() error { return pub.Serve(gctx) })
	}

	// The subscriber always runs so incoming group streams for any
	// subscription this side holds (issued via AnnouncedInto) can be
	// received, even on a session that never mirrors remote announces.
	sub := NewSubscriber(s.sess, s.Version)
	g.Go(func() error { return sub.Serve(gctx) })

	announcing := opts.Subscribe != nil
	if !announcing {
		close(r.ready)
	} else {
		onReady := func() {
			select {
			case <-r.ready:
			default:
				close(r.ready)
			}
		}
		g.Go(func() error {
			return sub.AnnouncedInto(gctx, opts.Announce, opts.Subscribe, onReady)
		})
	}

	go func() {
		r.err = g.Wait()
		select {
		case <-r.ready:
		default:
			close(r.ready)
		}
		close(r.done)
	}()

	return r
}

// Close tears down the underlying transport session with a normal closure
// code and no explanatory reason.
func (s *Session) Close() error {
	return s.sess.Close(0, "")
}
