package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"

	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/pkg/errors"
)

// Sentinels for terminal session outcomes. Returned errors wrap them.
var (
	ErrAuthenticationFailed = stderrors.New("authentication failed")
	ErrDeviceRejected       = stderrors.New("device info rejected")
	ErrProtocolViolation    = stderrors.New("protocol violation")
	ErrSessionFault         = stderrors.New("session task fault")
	ErrNoAccount            = stderrors.New("no account on file")
)

// errConnClosed marks loop exits caused by the connection going away.
var errConnClosed = stderrors.New("connection closed")

// FaultError is a recovered panic from a spawned task.
type FaultError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault in %s: %v", e.Task, e.Value)
}

// Is makes every FaultError match ErrSessionFault.
func (e *FaultError) Is(target error) bool { return target == ErrSessionFault }

func newFault(task string, value any) *FaultError {
	return &FaultError{Task: task, Value: value, Stack: debug.Stack()}
}

func handshakeError(sentinel error, op string, cause error) error {
	joined := sentinel
	if cause != nil {
		joined = stderrors.Join(sentinel, cause)
	}
	return errors.Wrap(joined, errors.ErrorTypeHandshake, op, sentinel.Error())
}

func violation(op, message string, cause error) error {
	joined := ErrProtocolViolation
	if cause != nil {
		joined = stderrors.Join(ErrProtocolViolation, cause)
	}
	return errors.Wrap(joined, errors.ErrorTypeFraming, op, message)
}

func connClosed(op string, cause error) error {
	return errors.Wrap(stderrors.Join(errConnClosed, cause), errors.ErrorTypeTransport, op, "connection closed")
}

// closeCode maps a session outcome to the application close code.
func closeCode(err error) (uint64, string) {
	var fault *FaultError
	switch {
	case err == nil:
		return transport.CodeNormal, "session ended"
	case stderrors.Is(err, ErrAuthenticationFailed):
		return transport.CodeAuthRejected, "authentication rejected"
	case stderrors.Is(err, ErrDeviceRejected):
		return transport.CodeDeviceRejected, "device rejected"
	case stderrors.Is(err, ErrProtocolViolation):
		return transport.CodeProtocolViolation, "protocol violation"
	case stderrors.As(err, &fault):
		return transport.CodeInternal, "internal fault"
	case stderrors.Is(err, errConnClosed):
		return transport.CodeNormal, "connection closed"
	case stderrors.Is(err, context.Canceled):
		return transport.CodeNormal, "shutting down"
	default:
		return transport.CodeInternal, "internal error"
	}
}
