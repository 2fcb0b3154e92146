// Package transporttest provides an in-memory transport.Session suitable
// for unit tests, standing in for the real QUIC connection (the
// out-of-scope TLS/QUIC implementation per spec §1/§6). It replaces a
// generated mock: internal/transport's interfaces are small enough to fake
// by hand, and a hand-written fake can be read and trusted without running
// `go generate`.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nullstreams/moq/internal/transport"
)

type sendEnd struct {
	pw       *io.PipeWriter
	mu       sync.Mutex
	priority int32
}

func (s *sendEnd) Write(buf []byte) (int, error) { return s.pw.Write(buf) }
func (s *sendEnd) Finish() error                 { return s.pw.Close() }
func (s *sendEnd) Reset(code uint64) error {
	return s.pw.CloseWithError(fmt.Errorf("reset code %d", code))
}
func (s *sendEnd) SetPriority(p int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = p
	return nil
}
func (s *sendEnd) Priority() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

type recvEnd struct {
	pr *io.PipeReader
}

func (r *recvEnd) Read(buf []byte) (int, error) { return r.pr.Read(buf) }
func (r *recvEnd) Stop(code uint64) error {
	return r.pr.CloseWithError(fmt.Errorf("stop code %d", code))
}

// UniPipe returns the send and receive ends of a single in-memory
// unidirectional stream.
func UniPipe() (transport.SendStream, transport.RecvStream) {
	pr, pw := io.Pipe()
	return &sendEnd{pw: pw}, &recvEnd{pr: pr}
}

type biStream struct {
	transport.SendStream
	transport.RecvStream
}

// BiPipe returns two transport.Stream endpoints, each one's writes visible
// as the other's reads (like net.Pipe, but satisfying transport.Stream).
func BiPipe() (a, b transport.Stream) {
	s1w, s1r := UniPipe() // a writes, b reads
	s2w, s2r := UniPipe() // b writes, a reads
	a = &biStream{SendStream: s1w, RecvStream: s2r}
	b = &biStream{SendStream: s2w, RecvStream: s1r}
	return a, b
}

// Session is a fake transport.Session backed by channels, pairing with
// another Session created via NewSessionPair.
type Session struct {
	openBiCh   chan transport.Stream
	acceptBiCh chan transport.Stream
	openUniCh  chan transport.RecvStream
	acceptUni  chan transport.RecvStream

	closed chan struct{}
	err    error
	mu     sync.Mutex
}

// NewSessionPair returns two Sessions wired to each other: a.OpenBi pairs
// with b.AcceptBi and vice versa, same for uni streams.
func NewSessionPair() (a, b *Session) {
	biAtoB := make(chan transport.Stream)
	biBtoA := make(chan transport.Stream)
	uniAtoB := make(chan transport.RecvStream)
	uniBtoA := make(chan transport.RecvStream)

	a = &Session{openBiCh: biAtoB, acceptBiCh: biBtoA, openUniCh: uniAtoB, acceptUni: uniBtoA, closed: make(chan struct{})}
	b = &Session{openBiCh: biBtoA, acceptBiCh: biAtoB, openUniCh: uniBtoA, acceptUni: uniAtoB, closed: make(chan struct{})}
	return a, b
}

func (s *Session) OpenBi(ctx context.Context) (transport.Stream, error) {
	local, remote := BiPipe()
	select {
	case s.openBiCh <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.Err()
	}
}

func (s *Session) AcceptBi(ctx context.Context) (transport.Stream, error) {
	select {
	case st := <-s.acceptBiCh:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.Err()
	}
}

func (s *Session) OpenUni(ctx context.Context) (transport.SendStream, error) {
	send, recv := UniPipe()
	select {
	case s.openUniCh <- recv:
		return send, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.Err()
	}
}

func (s *Session) AcceptUni(ctx context.Context) (transport.RecvStream, error) {
	select {
	case recv := <-s.acceptUni:
		return recv, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, s.Err()
	}
}

func (s *Session) Close(code uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil
	default:
		s.err = fmt.Errorf("session closed: %d %s", code, reason)
		close(s.closed)
	}
	return nil
}

func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errors.New("session closed")
	}
	return s.err
}
