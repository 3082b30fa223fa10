// Package feed supplies job templates to server sessions. A Broadcaster
// holds the newest template; KafkaFeed and ZMQFeed keep it current.
package feed

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/quarry/internal/watch"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

// DefaultWindow is how many recent templates stay valid for submissions.
const DefaultWindow = 8

// Broadcaster is a latest-value template source shared by every session.
// It also remembers the last few templates so submissions computed against
// a just-superseded template can still be judged.
type Broadcaster struct {
	cell   *watch.Cell[wire.JobTemplate]
	window int
	logger *log.Logger

	mu     sync.RWMutex
	recent map[string]wire.JobTemplate
	order  []string
}

// NewBroadcaster creates a broadcaster that remembers window templates.
func NewBroadcaster(window int, logger *log.Logger) *Broadcaster {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Broadcaster{
		cell:   watch.New(wire.JobTemplate{}),
		window: window,
		logger: logger.WithComponent("feed"),
		recent: make(map[string]wire.JobTemplate),
	}
}

// Publish makes tmpl the current template. Re-publishing the current
// template is a no-op.
func (b *Broadcaster) Publish(tmpl wire.JobTemplate) {
	if tmpl.IsPlaceholder() {
		return
	}
	if cur, _ := b.cell.Borrow(); cur.Equal(tmpl) {
		return
	}

	b.mu.Lock()
	key := string(tmpl.Commit)
	if _, seen := b.recent[key]; !seen {
		b.order = append(b.order, key)
	}
	b.recent[key] = tmpl
	for len(b.order) > b.window {
		delete(b.recent, b.order[0])
		b.order = b.order[1:]
	}
	b.mu.Unlock()

	b.cell.Send(tmpl)
	b.logger.LogTemplate("publish", base58.Encode(tmpl.Commit), base58.Encode(tmpl.Version))
}

// Current returns the newest template.
func (b *Broadcaster) Current() wire.JobTemplate {
	tmpl, _ := b.cell.Borrow()
	return tmpl
}

// Lookup returns the recent template with the given commitment.
func (b *Broadcaster) Lookup(commit []byte) (wire.JobTemplate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tmpl, ok := b.recent[string(commit)]
	return tmpl, ok
}

// IsCurrent reports whether commit belongs to the newest template.
func (b *Broadcaster) IsCurrent(commit []byte) bool {
	return string(b.Current().Commit) == string(commit)
}

// Next blocks until the newest template differs from current. After Close
// it blocks until ctx is done.
func (b *Broadcaster) Next(ctx context.Context, current wire.JobTemplate) (wire.JobTemplate, error) {
	recv := b.cell.Subscribe()
	if latest := recv.Current(); !latest.IsPlaceholder() && !latest.Equal(current) {
		return latest, nil
	}
	for {
		tmpl, err := recv.Changed(ctx)
		if err != nil {
			if stderrors.Is(err, watch.ErrClosed) {
				<-ctx.Done()
				return wire.JobTemplate{}, ctx.Err()
			}
			return wire.JobTemplate{}, err
		}
		if !tmpl.Equal(current) {
			return tmpl, nil
		}
	}
}

// Close stops the feed; pending Next calls wait for their contexts.
func (b *Broadcaster) Close() { b.cell.Close() }
