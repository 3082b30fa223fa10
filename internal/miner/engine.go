// Package miner runs proof-of-work attempts against the latest template and
// publishes solutions for the client session to submit.
package miner

import (
	"context"
	stderrors "errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/quarry/internal/watch"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

// Config tunes an Engine.
type Config struct {
	Threads     int
	NetworkOnly bool
}

// Threads returns the worker count for a host with the given number of
// logical cores: twice the cores minus four, at least one, and no more than
// limit when limit is positive.
func Threads(logicalCores, limit int) int {
	n := max(2*logicalCores-4, 1)
	if limit > 0 {
		n = min(n, limit)
	}
	return n
}

// Stats counts engine activity.
type Stats struct {
	Attempts  uint64
	Found     uint64
	Published uint64
	Stale     uint64
	Filtered  uint64
}

// Engine mines the newest template on a pool of workers. A new template
// cancels every in-flight attempt, and a solution is published only while
// the template it was computed for is still current.
type Engine struct {
	solver      Solver
	templates   *watch.Receiver[wire.JobTemplate]
	submissions *watch.Cell[wire.Submission]
	cfg         Config
	logger      *log.Logger

	mu    sync.Mutex
	epoch uint64

	attempts  atomic.Uint64
	found     atomic.Uint64
	published atomic.Uint64
	stale     atomic.Uint64
	filtered  atomic.Uint64
}

// NewEngine creates an engine that reads templates from templates and
// publishes solutions to submissions.
func NewEngine(solver Solver, templates *watch.Receiver[wire.JobTemplate], submissions *watch.Cell[wire.Submission], cfg Config, logger *log.Logger) *Engine {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	return &Engine{
		solver:      solver,
		templates:   templates,
		submissions: submissions,
		cfg:         cfg,
		logger:      logger.WithComponent("miner"),
	}
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Attempts:  e.attempts.Load(),
		Found:     e.found.Load(),
		Published: e.published.Load(),
		Stale:     e.stale.Load(),
		Filtered:  e.filtered.Load(),
	}
}

// Run mines until ctx is cancelled or the template cell is closed.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.NetworkOnly {
		e.logger.Info("mining for network target only", "threads", e.cfg.Threads)
	} else {
		e.logger.Info("mining for pool and network targets", "threads", e.cfg.Threads)
	}

	var current *round
	defer func() {
		e.supersede()
		current.stop()
	}()

	for {
		tmpl, err := e.templates.Changed(ctx)
		if err != nil {
			if stderrors.Is(err, watch.ErrClosed) {
				return nil
			}
			return err
		}

		epoch := e.supersede()
		current.stop()
		current = nil

		if tmpl.IsPlaceholder() {
			e.logger.Info("waiting for work")
			continue
		}

		e.logger.Info("new template, restarting workers",
			"commit", base58.Encode(tmpl.Commit),
			"threads", e.cfg.Threads,
		)
		current = e.start(ctx, epoch, tmpl)
	}
}

// round is the set of workers mining one template.
type round struct {
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// stop cancels the round and waits for its workers. A nil round is a no-op.
func (r *round) stop() {
	if r == nil {
		return
	}
	r.cancel()
	r.workers.Wait()
}

func (e *Engine) start(ctx context.Context, epoch uint64, tmpl wire.JobTemplate) *round {
	rctx, cancel := context.WithCancel(ctx)
	r := &round{cancel: cancel}
	for id := range e.cfg.Threads {
		r.workers.Add(1)
		go func() {
			defer r.workers.Done()
			e.work(rctx, id, epoch, tmpl)
		}()
	}
	return r
}

// supersede invalidates every outstanding attempt and returns the new epoch.
func (e *Engine) supersede() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.epoch++
	return e.epoch
}

func (e *Engine) work(ctx context.Context, id int, epoch uint64, tmpl wire.JobTemplate) {
	logger := e.logger.WithFields("thread", id)
	for ctx.Err() == nil {
		sub, err := e.attempt(ctx, tmpl)
		e.attempts.Add(1)
		switch {
		case err == nil:
		case stderrors.Is(err, ErrMiss):
			continue
		case ctx.Err() != nil:
			return
		default:
			logger.WithError(err).Warn("mining attempt failed")
			continue
		}

		e.found.Add(1)
		if e.cfg.NetworkOnly && sub.Target != wire.TargetNetwork {
			e.filtered.Add(1)
			logger.Debug("solution below network target, discarding")
			continue
		}
		e.publish(logger, epoch, sub)
	}
}

// attempt runs the solver and converts a panic into an error so one bad
// attempt does not take the worker down.
func (e *Engine) attempt(ctx context.Context, tmpl wire.JobTemplate) (sub wire.Submission, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("solver panicked", "panic", r, "stack", string(debug.Stack()))
			err = stderrors.New("solver panicked")
		}
	}()
	return e.solver.Solve(ctx, tmpl)
}

// publish sends sub only if epoch is still current. The check and the send
// happen under the same lock supersede takes.
func (e *Engine) publish(logger *log.Logger, epoch uint64, sub wire.Submission) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		e.stale.Add(1)
		logger.Debug("dropping solution for superseded template")
		return
	}
	e.submissions.Send(sub)
	e.published.Add(1)
	logger.Info("solution found",
		"target", sub.Target.String(),
		"digest", base58.Encode(sub.Digest),
		"proof_bytes", len(sub.Proof),
	)
}
