package protocol

import (
	"context"
	stderrors "errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// ServerHandlers are the collaborators a server session drives.
type ServerHandlers struct {
	Auth        Authenticator
	Devices     DeviceRegistry
	Templates   TemplateSource
	Submissions SubmissionSink
}

// SessionConfig tunes a server session.
type SessionConfig struct {
	// HandshakeTimeout bounds each handshake step.
	HandshakeTimeout time.Duration
	// RejectLinger is how long a rejected connection stays open so the peer
	// can read the verdict before the close.
	RejectLinger time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RejectLinger <= 0 {
		c.RejectLinger = 2 * time.Second
	}
	return c
}

// ServerSession drives one inbound connection through
// AwaitingAuth -> AwaitingDeviceInfo -> Active -> Closed.
type ServerSession struct {
	conn     transport.Conn
	handlers ServerHandlers
	cfg      SessionConfig
	logger   *log.Logger

	state stateMachine

	// Written once during the handshake, read-only afterwards.
	account    Account
	credential string
	hasAccount bool
	guard      onceGuard

	exchanges sync.WaitGroup
	closeOnce sync.Once
	closeMu   sync.Mutex
	// closeErr is the failure that closed the connection first.
	closeErr error
}

// NewServerSession creates a session for conn.
func NewServerSession(conn transport.Conn, handlers ServerHandlers, cfg SessionConfig, logger *log.Logger) *ServerSession {
	return &ServerSession{
		conn:     conn,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		logger:   logger.WithComponent("server_session").WithPeer(conn.RemoteAddr().String()),
	}
}

// State returns the current phase.
func (s *ServerSession) State() State { return s.state.load() }

// Account returns the authenticated account, if any.
func (s *ServerSession) Account() (Account, bool) {
	if s.State() < StateAwaitingDeviceInfo {
		return Account{}, false
	}
	return s.account, s.hasAccount
}

// Serve runs the session until the connection ends. The connection is
// closed and the guard released before Serve returns. A nil error means the
// connection ended normally.
func (s *ServerSession) Serve(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	strays := s.watchUniStreams(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = newFault("serve", r)
		}
		cancel()
		phase := s.state.close()
		s.closeConn(err)
		<-strays
		s.exchanges.Wait()
		s.guard.Release()

		logger := s.logger.WithPhase(phase.String())
		if err != nil {
			code, _ := closeCode(err)
			logger.WithError(err).Warn("session terminated", "close_code", code)
		} else {
			logger.Info("session closed")
		}
	}()

	if err := s.authenticate(ctx); err != nil {
		return s.firstFailure(err)
	}
	if err := s.registerDevice(ctx); err != nil {
		return s.firstFailure(err)
	}
	return s.active(ctx)
}

func (s *ServerSession) authenticate(ctx context.Context) error {
	const op = "authenticate"

	stream, raw, err := s.readHandshake(ctx, op, wire.MaxCredentialSize)
	if err != nil {
		return err
	}
	if !utf8.Valid(raw) {
		return violation(op, "credential is not valid UTF-8", nil)
	}
	credential := string(raw)

	account, guard, authErr := s.handlers.Auth.Authenticate(ctx, credential)
	if authErr != nil {
		s.logger.LogHandshake(op, wire.VerdictRejected)
		s.reject(ctx, stream)
		return handshakeError(ErrAuthenticationFailed, op, authErr)
	}

	s.account, s.credential, s.hasAccount = account, credential, true
	s.guard.guard = guard

	if err := s.reply(stream, wire.VerdictAuthenticated); err != nil {
		return err
	}
	s.logger.LogHandshake(op, wire.VerdictAuthenticated)
	return s.state.advance(StateAwaitingAuth, StateAwaitingDeviceInfo)
}

func (s *ServerSession) registerDevice(ctx context.Context) error {
	const op = "device_info"

	stream, raw, err := s.readHandshake(ctx, op, wire.MaxDeviceSize)
	if err != nil {
		return err
	}
	device, err := wire.UnmarshalDeviceDescriptor(raw)
	if err != nil {
		return violation(op, "undecodable device descriptor", err)
	}

	if err := s.handlers.Devices.RecordDevice(ctx, device, s.credential); err != nil {
		s.logger.LogHandshake(op, wire.VerdictRejected)
		s.reject(ctx, stream)
		return handshakeError(ErrDeviceRejected, op, err)
	}

	if err := s.reply(stream, wire.VerdictAccepted); err != nil {
		return err
	}
	s.logger.LogHandshake(op, wire.VerdictAccepted)
	return s.state.advance(StateAwaitingDeviceInfo, StateActive)
}

// readHandshake accepts the next stream and reads it to end. Both steps
// share one deadline.
func (s *ServerSession) readHandshake(ctx context.Context, op string, limit int) (transport.Stream, []byte, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := s.conn.AcceptStream(hctx)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil, violation(op, "handshake stream not opened in time", err)
		}
		return nil, nil, connClosed(op, err)
	}

	stop := context.AfterFunc(hctx, func() { stream.CancelRead(transport.CodeProtocolViolation) })
	defer stop()

	raw, err := wire.ReadBounded(stream, limit)
	if err != nil {
		stream.CancelRead(transport.CodeProtocolViolation)
		return nil, nil, violation(op, "unreadable handshake message", err)
	}
	return stream, raw, nil
}

func (s *ServerSession) reply(stream transport.Stream, verdict string) error {
	if _, err := stream.Write([]byte(verdict)); err != nil {
		return connClosed("reply", err)
	}
	if err := stream.Close(); err != nil {
		return connClosed("reply", err)
	}
	return nil
}

// reject writes the rejection verdict and lingers until the peer hangs up
// so the verdict is not discarded by the close.
func (s *ServerSession) reject(ctx context.Context, stream transport.Stream) {
	if err := s.reply(stream, wire.VerdictRejected); err != nil {
		return
	}
	timer := time.NewTimer(s.cfg.RejectLinger)
	defer timer.Stop()
	select {
	case <-s.conn.Context().Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *ServerSession) active(ctx context.Context) error {
	s.logger.Info("session active",
		"account", s.account.ID.String(),
		"key_suffix", keySuffix(s.credential),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.guarded("job_push", func() error { return s.pushTemplates(gctx) }) })
	g.Go(func() error { return s.guarded("submission_intake", func() error { return s.intakeSubmissions(gctx) }) })

	err := s.firstFailure(g.Wait())
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && !stderrors.Is(err, ErrProtocolViolation):
		// server shutdown
		return nil
	case stderrors.Is(err, errConnClosed) && transport.IsGracefulClose(err):
		return nil
	default:
		return err
	}
}

// guarded runs fn and converts a panic into a FaultError. Any failure
// closes the connection so sibling loops blocked on stream I/O return.
func (s *ServerSession) guarded(task string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newFault(task, r)
		}
		if err != nil {
			s.closeConn(err)
		}
	}()
	return fn()
}

// closeConn closes the connection once with the code derived from err.
func (s *ServerSession) closeConn(err error) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeErr = err
		s.closeMu.Unlock()
		code, reason := closeCode(err)
		_ = s.conn.CloseWithError(code, reason)
	})
}

// firstFailure prefers the error that closed the connection over err, which
// is often just the echo of that close.
func (s *ServerSession) firstFailure(err error) error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return err
}

// pushTemplates opens the job stream once, sends the placeholder, then
// forwards every template the source yields.
func (s *ServerSession) pushTemplates(ctx context.Context) error {
	stream, err := s.conn.OpenUniStream(ctx)
	if err != nil {
		return connClosed("open_job_stream", err)
	}
	defer stream.Close()

	current := wire.JobTemplate{}
	if err := wire.WriteFrame(stream, current); err != nil {
		return connClosed("push_template", err)
	}

	for {
		next, err := s.handlers.Templates.Next(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Error("template source failed")
			continue
		}

		if err := wire.WriteFrame(stream, next); err != nil {
			return connClosed("push_template", err)
		}
		s.logger.LogTemplate("push", base58.Encode(next.Commit), base58.Encode(next.Version))
		current = next
	}
}

func (s *ServerSession) intakeSubmissions(ctx context.Context) error {
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return connClosed("accept_submission", err)
		}

		s.exchanges.Add(1)
		go func() {
			defer s.exchanges.Done()
			s.exchange(ctx, stream)
		}()
	}
}

// exchange handles one submission round trip. Every failure is confined to
// this stream.
func (s *ServerSession) exchange(ctx context.Context, stream transport.Stream) {
	defer func() {
		if r := recover(); r != nil {
			fault := newFault("submission_exchange", r)
			s.logger.Error("submission exchange fault", "fault", fault.Error(), "stack", string(fault.Stack))
			stream.CancelRead(transport.CodeInternal)
			_ = stream.Close()
		}
	}()

	sub, err := wire.ReadSubmission(stream)
	if err != nil {
		if stderrors.Is(err, wire.ErrEndOfStream) {
			s.logger.Debug("submission stream closed before a frame")
		} else {
			s.logger.WithError(err).Warn("dropping undecodable submission")
			stream.CancelRead(transport.CodeProtocolViolation)
		}
		_ = stream.Close()
		return
	}

	account, ok := s.Account()
	if !ok {
		s.logger.WithError(ErrNoAccount).Error("submission without account")
		_ = stream.Close()
		return
	}

	resp, err := s.handlers.Submissions.Process(ctx, sub, account)
	if err != nil {
		s.logger.WithError(errors.Wrap(err, errors.ErrorTypeCollaborator, "process_submission", "sink failed")).
			Error("submission not processed", "digest", base58.Encode(sub.Digest))
		_ = stream.Close()
		return
	}

	if err := wire.WriteFrame(stream, resp); err != nil {
		s.logger.WithError(err).Debug("submission response not delivered")
		return
	}
	_ = stream.Close()
	s.logger.LogSubmission(sub.Target.String(), base58.Encode(sub.Digest), resp.Accepted, resp.Message)
}

// watchUniStreams refuses client-opened unidirectional streams from the
// first handshake step until ctx ends. The returned channel is closed once
// the watcher has stopped.
func (s *ServerSession) watchUniStreams(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.closeConn(newFault("stray_streams", r))
			}
		}()
		if err := s.refuseUniStreams(ctx); err != nil {
			s.closeConn(err)
		}
	}()
	return done
}

// refuseUniStreams treats any client-opened unidirectional stream as a
// protocol violation. It returns nil when ctx ends or the connection closes.
func (s *ServerSession) refuseUniStreams(ctx context.Context) error {
	stream, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil
	}
	stream.CancelRead(transport.CodeProtocolViolation)
	return violation("accept_uni", "unexpected unidirectional stream", nil)
}

func keySuffix(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[len(credential)-8:]
}
