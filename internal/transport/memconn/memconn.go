// Package memconn is an in-memory transport.Conn pair for deterministic tests.
// Streams are synchronous pipes: a write blocks until the peer reads it.
package memconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bardlex/quarry/internal/transport"
)

// Addr is a named in-memory address.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

const backlog = 64

// Conn is one side of an in-memory connection.
type Conn struct {
	name string
	peer *Conn

	bidi chan *stream
	uni  chan *recvHalf

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	closers []func(error)
	closed  bool

	// Opened counts streams this side opened. Tests read it to assert that a
	// handshake never progressed.
	opened int
}

// Pipe returns two connected ends named client and server.
func Pipe() (client, server *Conn) {
	client = newConn("client")
	server = newConn("server")
	client.peer, server.peer = server, client
	return client, server
}

func newConn(name string) *Conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Conn{
		name:   name,
		bidi:   make(chan *stream, backlog),
		uni:    make(chan *recvHalf, backlog),
		ctx:    ctx,
		cancel: cancel,
	}
}

var _ transport.Conn = (*Conn)(nil)

// OpenedStreams returns how many streams this side has opened.
func (c *Conn) OpenedStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

func (c *Conn) track(fn func(error)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closers = append(c.closers, fn)
	return true
}

func (c *Conn) err() error {
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	return net.ErrClosed
}

func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	// a→b carries what this side writes, b→a what it reads
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	local := &stream{sendHalf: sendHalf{w: aw, conn: c}, recvHalf: recvHalf{r: br, conn: c}}
	remote := &stream{sendHalf: sendHalf{w: bw, conn: c.peer}, recvHalf: recvHalf{r: ar, conn: c.peer}}

	if err := c.register(aw, br, ar, bw); err != nil {
		return nil, err
	}

	select {
	case c.peer.bidi <- remote:
		c.mu.Lock()
		c.opened++
		c.mu.Unlock()
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.err()
	}
}

func (c *Conn) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	r, w := io.Pipe()
	if err := c.register(w, r); err != nil {
		return nil, err
	}

	select {
	case c.peer.uni <- &recvHalf{r: r, conn: c.peer}:
		c.mu.Lock()
		c.opened++
		c.mu.Unlock()
		return &sendHalf{w: w, conn: c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.err()
	}
}

type closable interface {
	CloseWithError(error) error
}

// register ties pipe ends to both sides so either close tears them down.
func (c *Conn) register(ends ...closable) error {
	closeAll := func(cause error) {
		for _, e := range ends {
			_ = e.CloseWithError(cause)
		}
	}
	if !c.track(closeAll) || !c.peer.track(closeAll) {
		return c.err()
	}
	return nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.bidi:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.err()
	}
}

func (c *Conn) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	select {
	case s := <-c.uni:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.err()
	}
}

func (c *Conn) RemoteAddr() net.Addr { return Addr(c.peer.name) }

func (c *Conn) Context() context.Context { return c.ctx }

// CloseWithError closes both sides. Pending and future operations fail with
// a *transport.CloseError. Both contexts are cancelled before any pipe is
// torn down, so a stream never observes a bare pipe error.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	local := c.shutdown(&transport.CloseError{Code: code, Reason: reason})
	remote := c.peer.shutdown(&transport.CloseError{Code: code, Reason: reason, Remote: true})
	local()
	remote()
	return nil
}

// shutdown marks c closed and cancels its context. The returned func tears
// down the pipes c tracks.
func (c *Conn) shutdown(cause error) func() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	c.cancel(cause)
	return func() {
		for _, fn := range closers {
			fn(cause)
		}
	}
}

// fail reports the connection's close cause in place of a pipe error once
// the connection is closed.
func (c *Conn) fail(err error) error {
	if err == nil || err == io.EOF || c.ctx.Err() == nil {
		return err
	}
	return c.err()
}

type sendHalf struct {
	w    *io.PipeWriter
	conn *Conn
}

func (s *sendHalf) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	return n, s.conn.fail(err)
}

// Close finishes the send side; the peer reads io.EOF.
func (s *sendHalf) Close() error { return s.w.Close() }

type recvHalf struct {
	r    *io.PipeReader
	conn *Conn
}

func (s *recvHalf) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	return n, s.conn.fail(err)
}

// ErrReadCanceled is returned to a writer whose peer cancelled reading.
var ErrReadCanceled = errors.New("stream read canceled by peer")

func (s *recvHalf) CancelRead(code uint64) {
	_ = s.r.CloseWithError(fmt.Errorf("%w (code %d)", ErrReadCanceled, code))
}

type stream struct {
	sendHalf
	recvHalf
}
