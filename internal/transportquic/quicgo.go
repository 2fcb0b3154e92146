// Package transportquic adapts github.com/quic-go/quic-go onto the narrow
// internal/transport capability the session layer consumes. This is the
// only package in the module that imports quic-go directly.
package transportquic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wire"
)

// ALPN is the TLS next-protocol identifier both endpoints negotiate.
const ALPN = "moq-00"

// SelfSignedConfig generates a throwaway self-signed certificate for local
// testing, when an operator hasn't configured a real one (spec §6: TLS
// certificate lifecycle is explicitly out of scope, so this module only
// needs enough to stand up a working QUIC listener).
func SelfSignedConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transportquic: generating key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"moq self-signed"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("transportquic: creating certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// Dial opens a QUIC connection to addr (host:port) and wraps it as a
// Session. tlsConf's NextProtos is forced to [ALPN] regardless of what the
// caller set, so a moq client can never accidentally negotiate a different
// protocol on the same port.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Session, error) {
	cfg := tlsConf.Clone()
	cfg.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("transportquic: dial %s: %w", addr, err)
	}
	return NewSession(conn), nil
}

// Listen starts accepting QUIC connections on addr, each yielded as a
// *Session from Accept.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	cfg := tlsConf.Clone()
	cfg.NextProtos = []string{ALPN}

	ln, err := quic.ListenAddr(addr, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("transportquic: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Listener accepts incoming QUIC connections, each wrapped as a Session.
type Listener struct {
	ln *quic.Listener
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transportquic: accept: %w", err)
	}
	return NewSession(conn), nil
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Session adapts a quic.Connection to transport.Session.
type Session struct {
	conn quic.Connection
}

// NewSession wraps an already-established QUIC connection, typically
// returned from quic.Dial or a quic.Listener's Accept.
func NewSession(conn quic.Connection) *Session {
	return &Session{conn: conn}
}

func (s *Session) OpenBi(ctx context.Context) (transport.Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, wireErr(err)
	}
	return &stream{st}, nil
}

func (s *Session) AcceptBi(ctx context.Context) (transport.Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, wireErr(err)
	}
	return &stream{st}, nil
}

func (s *Session) OpenUni(ctx context.Context) (transport.SendStream, error) {
	st, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, wireErr(err)
	}
	return &sendStream{st}, nil
}

func (s *Session) AcceptUni(ctx context.Context) (transport.RecvStream, error) {
	st, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, wireErr(err)
	}
	return &recvStream{st}, nil
}

func (s *Session) Close(code uint64, reason string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (s *Session) Closed() <-chan struct{} {
	return s.conn.Context().Done()
}

func (s *Session) Err() error {
	return context.Cause(s.conn.Context())
}

// sendStream adapts quic.SendStream to transport.SendStream.
type sendStream struct {
	st quic.SendStream
}

func (w *sendStream) Write(buf []byte) (int, error) { return w.st.Write(buf) }
func (w *sendStream) Finish() error                 { return w.st.Close() }
func (w *sendStream) Reset(code uint64) error {
	w.st.CancelWrite(quic.StreamErrorCode(code))
	return nil
}
func (w *sendStream) SetPriority(priority int32) error {
	w.st.SetPriority(int(priority))
	return nil
}

// recvStream adapts quic.ReceiveStream to transport.RecvStream.
type recvStream struct {
	st quic.ReceiveStream
}

func (r *recvStream) Read(buf []byte) (int, error) { return r.st.Read(buf) }
func (r *recvStream) Stop(code uint64) error {
	r.st.CancelRead(quic.StreamErrorCode(code))
	return nil
}

// stream adapts a bidirectional quic.Stream to transport.Stream, combining
// a send and a receive half so Reset/Stop each target their own direction.
type stream struct {
	st quic.Stream
}

func (s *stream) Write(buf []byte) (int, error) { return s.st.Write(buf) }
func (s *stream) Finish() error                 { return s.st.Close() }
func (s *stream) Reset(code uint64) error {
	s.st.CancelWrite(quic.StreamErrorCode(code))
	return nil
}
func (s *stream) SetPriority(priority int32) error {
	s.st.SetPriority(int(priority))
	return nil
}
func (s *stream) Read(buf []byte) (int, error) { return s.st.Read(buf) }
func (s *stream) Stop(code uint64) error {
	s.st.CancelRead(quic.StreamErrorCode(code))
	return nil
}

// wireErr maps a quic-go stream/application error back onto a typed
// wire.Error so callers above this package never see a quic-go type.
func wireErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return wire.WrapError(transport.KindFromResetCode(uint64(appErr.ErrorCode)), appErr.ErrorMessage, err)
	}
	var strErr *quic.StreamError
	if errors.As(err, &strErr) {
		return wire.WrapError(transport.KindFromResetCode(uint64(strErr.ErrorCode)), "stream reset", err)
	}
	return wire.WrapError(wire.KindTransport, "quic transport error", err)
}
