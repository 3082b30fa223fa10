package memconn

import (
	"context"
	"net"
	"sync"

	"github.com/bardlex/quarry/internal/transport"
)

// Listener hands out the server ends of pipes created by Dial.
type Listener struct {
	conns chan *Conn
	done  chan struct{}
	once  sync.Once
}

var (
	_ transport.Listener = (*Listener)(nil)
	_ transport.Dialer   = (*Listener)(nil)
)

// Listen returns an in-memory listener that is also its own dialer.
func Listen() *Listener {
	return &Listener{conns: make(chan *Conn, backlog), done: make(chan struct{})}
}

// Dial creates a pipe and queues its server end for Accept.
func (l *Listener) Dial(ctx context.Context) (transport.Conn, error) {
	client, server := Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return Addr("listener") }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
