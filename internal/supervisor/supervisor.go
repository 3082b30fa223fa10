// Package supervisor keeps a client session alive: it dials, runs the
// session driver, and on any ending dials again after a backoff delay.
// It never gives up on its own; only the caller's context stops it.
package supervisor

import (
	"context"
	stderrors "errors"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bardlex/quarry/internal/protocol"
	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
	"github.com/bardlex/quarry/pkg/retry"
)

// SessionFunc drives one connection until it ends. It must report handshake
// completion and background faults through monitor.
type SessionFunc func(ctx context.Context, conn transport.Conn, monitor protocol.Monitor) error

// ClientSessions returns a SessionFunc that runs a protocol.ClientSession.
func ClientSessions(cfg protocol.ClientConfig, handlers protocol.ClientHandlers, logger *log.Logger) SessionFunc {
	return func(ctx context.Context, conn transport.Conn, monitor protocol.Monitor) error {
		return protocol.NewClientSession(conn, cfg, handlers, monitor, logger).Run(ctx)
	}
}

// Config tunes a Supervisor.
type Config struct {
	// Backoff is the delay policy between attempts. Nil selects
	// retry.ReconnectConfig.
	Backoff *retry.Config
	// UnwindTimeout bounds how long an aborted attempt may take to return.
	UnwindTimeout time.Duration
	// Sleep waits between attempts. Nil uses a timer; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Supervisor runs sessions back to back.
type Supervisor struct {
	dialer  transport.Dialer
	session SessionFunc
	backoff *retry.Backoff
	unwind  time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *log.Logger

	attempts atomic.Uint64
}

// New creates a supervisor that dials with dialer and drives each
// connection with session.
func New(dialer transport.Dialer, session SessionFunc, cfg Config, logger *log.Logger) *Supervisor {
	if cfg.UnwindTimeout <= 0 {
		cfg.UnwindTimeout = 5 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Supervisor{
		dialer:  dialer,
		session: session,
		backoff: retry.NewBackoff(cfg.Backoff),
		unwind:  cfg.UnwindTimeout,
		sleep:   cfg.Sleep,
		logger:  logger.WithComponent("supervisor"),
	}
}

// Attempts returns how many connection attempts have started.
func (s *Supervisor) Attempts() uint64 { return s.attempts.Load() }

// Run loops until ctx is cancelled and then returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		n := s.attempts.Add(1)
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.logger.Info("supervisor stopped", "attempts", n)
			return ctx.Err()
		}

		if err == nil {
			s.backoff.Reset()
			s.logger.Info("session ended, reconnecting", "attempt", n)
			continue
		}

		delay := s.backoff.Next()
		s.logger.WithError(err).Warn("session failed, backing off",
			"attempt", n,
			"delay", delay.String(),
			"retryable", errors.IsRetryable(err),
			"idle_timeout", transport.IsIdleTimeout(err),
		)
		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Info("supervisor stopped", "attempts", n)
			return err
		}
	}
}

// attempt dials once and drives the connection. A fault reported through the
// monitor aborts the attempt even if the driver itself is stuck.
func (s *Supervisor) attempt(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "dial", "failed to connect")
	}
	s.logger.LogConnection("connected", conn.RemoteAddr().String())

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := newMonitor(s.backoff, s.logger)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &protocol.FaultError{Task: "session", Value: r, Stack: debug.Stack()}
			}
		}()
		done <- s.session(actx, conn, mon)
	}()

	select {
	case err := <-done:
		var fault *protocol.FaultError
		if stderrors.As(err, &fault) {
			_ = conn.CloseWithError(transport.CodeInternal, "session fault")
		}
		return err
	case fault := <-mon.faults:
		s.logger.WithError(fault).Error("session fault, aborting attempt")
		cancel()
		_ = conn.CloseWithError(transport.CodeInternal, "session fault")
		s.await(done)
		return fault
	case <-ctx.Done():
		cancel()
		_ = conn.CloseWithError(transport.CodeNormal, "client shutting down")
		s.await(done)
		return ctx.Err()
	}
}

// await gives an aborted driver a bounded time to return. A driver that
// overstays is abandoned.
func (s *Supervisor) await(done <-chan error) {
	timer := time.NewTimer(s.unwind)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("session did not unwind in time", "timeout", s.unwind.String())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// monitor is the out-of-band channel from one attempt's tasks back to the
// supervisor.
type monitor struct {
	backoff *retry.Backoff
	logger  *log.Logger
	faults  chan error
}

func newMonitor(backoff *retry.Backoff, logger *log.Logger) *monitor {
	return &monitor{backoff: backoff, logger: logger, faults: make(chan error, 1)}
}

func (m *monitor) Established() {
	m.backoff.Reset()
	m.logger.Info("session established, backoff reset")
}

// Fault keeps the first fault of the attempt.
func (m *monitor) Fault(err error) {
	select {
	case m.faults <- err:
	default:
	}
}
