// Package watch provides a single-writer, latest-value broadcast cell.
//
// A reader never sees a queue of history: after several sends it observes
// only the newest value. Each Receiver tracks the version it last saw.
package watch

import (
	"context"
	"errors"
	"sync"
)

// Cell holds the latest value of T.
type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{}
	closed  bool
}

// New creates a cell holding initial at version 0.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial, changed: make(chan struct{})}
}

// Send replaces the value and wakes every waiting receiver.
func (c *Cell[T]) Send(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.value = v
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

// Close wakes all receivers; subsequent Changed calls return ErrClosed.
func (c *Cell[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.changed)
}

// Borrow returns the current value and its version.
func (c *Cell[T]) Borrow() (T, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.version
}

// Subscribe returns a receiver that has already seen the current value.
func (c *Cell[T]) Subscribe() *Receiver[T] {
	_, v := c.Borrow()
	return &Receiver[T]{cell: c, seen: v}
}

// Receiver observes a cell. Changed holds a mutex so only one consumer at a
// time drains the change state.
type Receiver[T any] struct {
	cell *Cell[T]

	mu   sync.Mutex
	seen uint64
}

// ErrClosed is returned once the cell has been closed.
var ErrClosed = errors.New("watch: cell closed")

// Changed blocks until the cell holds a value newer than the last one this
// receiver returned, then returns it.
func (r *Receiver[T]) Changed(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.cell.mu.RLock()
		value, version, wait, closed := r.cell.value, r.cell.version, r.cell.changed, r.cell.closed
		r.cell.mu.RUnlock()

		if version != r.seen {
			r.seen = version
			return value, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Current returns the latest value without consuming the change state.
func (r *Receiver[T]) Current() T {
	v, _ := r.cell.Borrow()
	return v
}
