// Package transport abstracts the encrypted, stream-multiplexed connection the
// quarry protocol runs on. The production implementation is QUIC; tests use
// the in-memory implementation in package memconn.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Application close codes sent with CloseWithError.
const (
	CodeNormal            uint64 = 0
	CodeAuthRejected      uint64 = 1
	CodeDeviceRejected    uint64 = 2
	CodeProtocolViolation uint64 = 3
	CodeInternal          uint64 = 4
)

// Defaults advertised by the server.
const (
	DefaultIdleTimeout     = 5 * time.Second
	DefaultKeepAlivePeriod = 2 * time.Second
)

// ALPN is the application protocol negotiated during the TLS handshake.
const ALPN = "quarry/1"

// SendStream is the writable half of a stream. Close finishes the send side.
type SendStream interface {
	io.Writer
	io.Closer
}

// ReceiveStream is the readable half of a stream.
type ReceiveStream interface {
	io.Reader
	// CancelRead abandons the read side and tells the peer to stop sending.
	CancelRead(code uint64)
}

// Stream is a bidirectional stream.
type Stream interface {
	SendStream
	ReceiveStream
}

// Conn is one multiplexed connection.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	OpenUniStream(ctx context.Context) (SendStream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	RemoteAddr() net.Addr
	// Context is cancelled when the connection is closed by either side.
	Context() context.Context
	CloseWithError(code uint64, reason string) error
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Dialer creates outbound connections. Implementations own endpoint creation.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Options tunes connection liveness.
type Options struct {
	IdleTimeout     time.Duration
	KeepAlivePeriod time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	return o
}
