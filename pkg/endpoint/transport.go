package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN negotiated by the QUIC transport.
const quicProto = "rce-internal/1"

// Stream is a bidirectional byte stream between two endpoints.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

type listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() string
	Close() error
}

type transport interface {
	listen(addr string) (listener, error)
	dial(ctx context.Context, addr string) (Stream, error)
}

func newTransport(cfg *config) (transport, error) {
	switch cfg.transport {
	case TransportTCP:
		return &tcpTransport{timeout: cfg.dialTimeout}, nil
	case TransportQUIC:
		if cfg.tlsConf == nil {
			return nil, ErrNoTLSConfig
		}
		tlsConf := cfg.tlsConf.Clone()
		if len(tlsConf.NextProtos) == 0 {
			tlsConf.NextProtos = []string{quicProto}
		}
		return &quicTransport{
			tlsConf: tlsConf,
			timeout: cfg.dialTimeout,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.transport)
	}
}

type tcpTransport struct {
	timeout time.Duration
}

type tcpListener struct {
	net.Listener
}

func (t *tcpTransport) listen(addr string) (listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: failed to allocate TCP listener: %w", err)
	}
	return &tcpListener{ln}, nil
}

func (t *tcpTransport) dial(ctx context.Context, addr string) (Stream, error) {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return conn, nil
}

// Accept does not honour ctx, closing the listener unblocks it.
func (ln *tcpListener) Accept(_ context.Context) (Stream, error) {
	return ln.Listener.Accept()
}

func (ln *tcpListener) Addr() string {
	return ln.Listener.Addr().String()
}

type quicTransport struct {
	tlsConf *tls.Config
	timeout time.Duration
}

type quicListener struct {
	ln      *quic.Listener
	timeout time.Duration
}

// quicStream carries a single stream per connection, closing the stream
// tears the whole connection down.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (t *quicTransport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:             []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:            false,
		MaxIncomingStreams:   1,
		MaxIdleTimeout:       1 * time.Minute,
		KeepAlivePeriod:      15 * time.Second,
		HandshakeIdleTimeout: t.timeout,
	}
}

func (t *quicTransport) listen(addr string) (listener, error) {
	ln, err := quic.ListenAddr(addr, t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("endpoint: failed to allocate QUIC listener: %w", err)
	}
	return &quicListener{ln: ln, timeout: t.timeout}, nil
}

func (t *quicTransport) dial(ctx context.Context, addr string) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (ln *quicListener) Accept(ctx context.Context) (Stream, error) {
	for {
		conn, err := ln.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		// The client only opens its stream once it has something to
		// write, the Init frame comes right after the handshake.
		sctx, cancel := context.WithTimeout(ctx, ln.timeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			QErrProtocolViolation.Close(conn, "no stream opened")
			continue
		}
		return &quicStream{Stream: stream, conn: conn}, nil
	}
}

func (ln *quicListener) Addr() string {
	return ln.ln.Addr().String()
}

func (ln *quicListener) Close() error {
	return ln.ln.Close()
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	QErrShutdown.Close(s.conn, "stream closed")
	return err
}
