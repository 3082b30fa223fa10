package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// CloseError describes a connection closed with an application code.
type CloseError struct {
	Code   uint64
	Reason string
	Remote bool
}

func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("connection closed by %s (code %d): %s", side, e.Code, e.Reason)
}

// AsCloseError extracts the application close reason from err, if any.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return &CloseError{
			Code:   uint64(appErr.ErrorCode),
			Reason: appErr.ErrorMessage,
			Remote: appErr.Remote,
		}, true
	}
	return nil, false
}

// IsGracefulClose reports whether err stems from a CodeNormal close.
func IsGracefulClose(err error) bool {
	ce, ok := AsCloseError(err)
	return ok && ce.Code == CodeNormal
}

// IsIdleTimeout reports whether err is a liveness timeout.
func IsIdleTimeout(err error) bool {
	var idle *quic.IdleTimeoutError
	return errors.As(err, &idle)
}

func quicConfig(opts Options) *quic.Config {
	opts = opts.withDefaults()
	return &quic.Config{
		MaxIdleTimeout:  opts.IdleTimeout,
		KeepAlivePeriod: opts.KeepAlivePeriod,
	}
}

type quicConn struct {
	conn quic.Connection
}

// WrapQUIC adapts a quic-go connection to Conn.
func WrapQUIC(conn quic.Connection) Conn {
	return &quicConn{conn: conn}
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	return c.conn.OpenUniStreamSync(ctx)
}

func (c *quicConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicReceiveStream{s}, nil
}

func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) Context() context.Context { return c.conn.Context() }

func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicStream struct {
	quic.Stream
}

func (s quicStream) CancelRead(code uint64) {
	s.Stream.CancelRead(quic.StreamErrorCode(code))
}

type quicReceiveStream struct {
	quic.ReceiveStream
}

func (s quicReceiveStream) CancelRead(code uint64) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}

type quicListener struct {
	ln *quic.Listener
}

// Listen starts a QUIC listener on addr that advertises the given liveness options.
func Listen(addr string, tlsConf *tls.Config, opts Options) (Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapQUIC(conn), nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

// QUICDialer dials a server, creating a fresh UDP endpoint bound to
// LocalAddr for every attempt. The endpoint is released with the connection.
type QUICDialer struct {
	ServerAddr string
	LocalAddr  string
	TLS        *tls.Config
	Options    Options
}

// Dial opens one connection.
func (d *QUICDialer) Dial(ctx context.Context) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", d.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server %s: %w", d.ServerAddr, err)
	}

	local := d.LocalAddr
	if local == "" {
		local = "0.0.0.0:0"
	}
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local %s: %w", local, err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	conn, err := tr.Dial(ctx, raddr, d.TLS, quicConfig(d.Options))
	if err != nil {
		_ = tr.Close()
		_ = udpConn.Close()
		return nil, err
	}

	go func() {
		<-conn.Context().Done()
		_ = tr.Close()
		_ = udpConn.Close()
	}()

	return WrapQUIC(conn), nil
}
