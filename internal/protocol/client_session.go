package protocol

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/errors"
	"github.com/bardlex/quarry/pkg/log"
)

// ClientHandlers are the collaborators a client session drives.
type ClientHandlers struct {
	Templates   TemplateSink
	Submissions SubmissionSource
	Responses   ResponseHandler
}

// ClientConfig identifies the worker to the server.
type ClientConfig struct {
	Credential       string
	Device           wire.DeviceDescriptor
	HandshakeTimeout time.Duration
}

// ClientSession mirrors ServerSession from the worker side.
type ClientSession struct {
	conn     transport.Conn
	cfg      ClientConfig
	handlers ClientHandlers
	monitor  Monitor
	logger   *log.Logger

	exchanges sync.WaitGroup
}

// NewClientSession creates a driver for conn. A nil monitor discards signals.
func NewClientSession(conn transport.Conn, cfg ClientConfig, handlers ClientHandlers, monitor Monitor, logger *log.Logger) *ClientSession {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if monitor == nil {
		monitor = nopMonitor{}
	}
	return &ClientSession{
		conn:     conn,
		cfg:      cfg,
		handlers: handlers,
		monitor:  monitor,
		logger:   logger.WithComponent("client_session").WithPeer(conn.RemoteAddr().String()),
	}
}

// Run performs the handshake, then receives templates and sends submissions
// until the connection ends. It returns nil when the connection was closed
// normally, an error wrapping ErrAuthenticationFailed or ErrDeviceRejected
// on refusal, and any other failure otherwise.
func (c *ClientSession) Run(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		_ = c.conn.CloseWithError(closeCode(err))
		return err
	}
	if err := c.sendDevice(ctx); err != nil {
		_ = c.conn.CloseWithError(closeCode(err))
		return err
	}
	c.monitor.Established()
	c.logger.Info("session established")

	err := c.active(ctx)
	_ = c.conn.CloseWithError(closeCode(err))
	return err
}

func (c *ClientSession) authenticate(ctx context.Context) error {
	const op = "authenticate"
	c.logger.Info("authenticating")

	verdict, err := c.handshake(ctx, op, []byte(c.cfg.Credential))
	if err != nil {
		return err
	}
	if verdict != wire.VerdictAuthenticated {
		c.logger.LogHandshake(op, verdict)
		return handshakeError(ErrAuthenticationFailed, op, errors.New(errors.ErrorTypeHandshake, op, "server replied "+quote(verdict)))
	}
	c.logger.LogHandshake(op, verdict)
	return nil
}

func (c *ClientSession) sendDevice(ctx context.Context) error {
	const op = "device_info"
	c.logger.Info("sending device info")

	verdict, err := c.handshake(ctx, op, c.cfg.Device.Marshal())
	if err != nil {
		return err
	}
	if verdict != wire.VerdictAccepted {
		c.logger.LogHandshake(op, verdict)
		return handshakeError(ErrDeviceRejected, op, errors.New(errors.ErrorTypeHandshake, op, "server replied "+quote(verdict)))
	}
	c.logger.LogHandshake(op, verdict)
	return nil
}

// handshake opens a stream, sends payload as its entire content and reads
// the verdict to end.
func (c *ClientSession) handshake(ctx context.Context, op string, payload []byte) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := c.conn.OpenStream(hctx)
	if err != nil {
		return "", connClosed(op, err)
	}
	stop := context.AfterFunc(hctx, func() { stream.CancelRead(transport.CodeNormal) })
	defer stop()

	if _, err := stream.Write(payload); err != nil {
		return "", connClosed(op, err)
	}
	if err := stream.Close(); err != nil {
		return "", connClosed(op, err)
	}

	verdict, err := wire.ReadBounded(stream, wire.MaxVerdictSize)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeFraming) {
			return "", violation(op, "oversized verdict", err)
		}
		return "", connClosed(op, err)
	}
	return string(verdict), nil
}

func quote(s string) string {
	if s == "" {
		return "nothing"
	}
	return `"` + s + `"`
}

func (c *ClientSession) active(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopWatch := context.AfterFunc(c.conn.Context(), func() {
		cancel(connClosed("connection", context.Cause(c.conn.Context())))
	})
	defer stopWatch()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		c.supervise("job_receive", cancel, func() error { return c.receiveTemplates(ctx) })
	}()
	go func() {
		defer loops.Done()
		c.supervise("submission_send", cancel, func() error { return c.sendSubmissions(ctx) })
	}()

	<-ctx.Done()
	cause := context.Cause(ctx)

	result := cause
	if stderrors.Is(cause, errConnClosed) && transport.IsGracefulClose(cause) {
		c.logger.Info("connection closed by server")
		result = nil
	}

	// unblock stream reads before waiting on the loops
	_ = c.conn.CloseWithError(closeCode(result))
	loops.Wait()
	c.exchanges.Wait()
	return result
}

// supervise runs a session loop. A returned error ends the session; a panic
// is reported to the monitor out of band and also ends it.
func (c *ClientSession) supervise(task string, cancel context.CancelCauseFunc, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			fault := newFault(task, r)
			c.logger.Error("session task fault", "task", task, "fault", fault.Error())
			c.monitor.Fault(fault)
			cancel(fault)
		}
	}()
	if err := fn(); err != nil {
		cancel(err)
	}
}

// receiveTemplates accepts the job stream and feeds every template to the
// sink. A clean end of stream ends the loop without ending the session.
func (c *ClientSession) receiveTemplates(ctx context.Context) error {
	stream, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return connClosed("accept_job_stream", err)
	}
	c.logger.Info("job stream accepted")

	for {
		tmpl, err := wire.ReadJobTemplate(stream)
		switch {
		case err == nil:
		case stderrors.Is(err, wire.ErrEndOfStream):
			c.logger.Info("job stream closed")
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.IsType(err, errors.ErrorTypeFraming):
			return violation("receive_template", "undecodable template", err)
		default:
			return connClosed("receive_template", err)
		}

		c.logger.LogTemplate("receive", base58.Encode(tmpl.Commit), base58.Encode(tmpl.Version))
		if err := c.handlers.Templates.Accept(ctx, tmpl); err != nil {
			c.logger.WithError(err).Error("template sink failed")
		}
	}
}

// sendSubmissions pulls solutions and runs each round trip independently.
func (c *ClientSession) sendSubmissions(ctx context.Context) error {
	for {
		sub, err := c.handlers.Submissions.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeCollaborator, "next_submission", "submission source failed")
		}

		c.exchanges.Add(1)
		go func() {
			defer c.exchanges.Done()
			c.submit(ctx, sub)
		}()
	}
}

// submit performs one submission round trip. Failures, including panics,
// drop only this submission.
func (c *ClientSession) submit(ctx context.Context, sub wire.Submission) {
	digest := base58.Encode(sub.Digest)
	logger := c.logger.WithFields("digest", digest, "target", sub.Target.String())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("submission exchange fault", "fault", newFault("submission_exchange", r).Error())
		}
	}()

	stream, err := c.conn.OpenStream(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to open submission stream")
		return
	}
	if err := wire.WriteFrame(stream, sub); err != nil {
		logger.WithError(err).Warn("failed to send submission")
		return
	}
	if err := stream.Close(); err != nil {
		logger.WithError(err).Warn("failed to finish submission stream")
		return
	}

	resp, err := wire.ReadSubmissionResponse(stream)
	switch {
	case err == nil:
	case stderrors.Is(err, wire.ErrEndOfStream):
		logger.Info("submission stream closed without response")
		return
	default:
		logger.WithError(err).Error("failed to read submission response")
		stream.CancelRead(transport.CodeNormal)
		return
	}

	if err := c.handlers.Responses.Handle(ctx, resp); err != nil {
		logger.WithError(err).Error("response handler failed")
	}
}
