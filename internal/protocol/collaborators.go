// Package protocol implements the quarry session engine: the server-side
// handshake state machine with its job push and submission intake loops,
// the mirrored client driver, and the accept loop that hosts server sessions.
package protocol

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/bardlex/quarry/internal/wire"
)

// Account is the identity returned by a successful authentication.
type Account struct {
	ID    uuid.UUID
	Label string
}

// Guard is held for the lifetime of one authenticated session. Release is
// called exactly once when the session ends, by any path.
type Guard interface {
	Release()
}

// GuardFunc adapts a function to Guard.
type GuardFunc func()

// Release calls f.
func (f GuardFunc) Release() {
	if f != nil {
		f()
	}
}

// onceGuard enforces single release regardless of how many exits race.
type onceGuard struct {
	once  sync.Once
	guard Guard
}

func (g *onceGuard) Release() {
	if g == nil || g.guard == nil {
		return
	}
	g.once.Do(g.guard.Release)
}

// Authenticator validates a credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Account, Guard, error)
}

// DeviceRegistry records the device a credential connected from.
type DeviceRegistry interface {
	RecordDevice(ctx context.Context, device wire.DeviceDescriptor, credential string) error
}

// TemplateSource yields the template that supersedes current. It may block.
type TemplateSource interface {
	Next(ctx context.Context, current wire.JobTemplate) (wire.JobTemplate, error)
}

// SubmissionSink judges one submission on behalf of an account.
type SubmissionSink interface {
	Process(ctx context.Context, sub wire.Submission, account Account) (wire.SubmissionResponse, error)
}

// TemplateSink receives templates pushed to the client.
type TemplateSink interface {
	Accept(ctx context.Context, tmpl wire.JobTemplate) error
}

// SubmissionSource yields the next solution to submit. It blocks until one exists.
type SubmissionSource interface {
	Next(ctx context.Context) (wire.Submission, error)
}

// ResponseHandler receives each submission verdict.
type ResponseHandler interface {
	Handle(ctx context.Context, resp wire.SubmissionResponse) error
}

// Monitor receives out-of-band session signals on the client side.
type Monitor interface {
	// Established is called once the handshake completes.
	Established()
	// Fault is called when a background task of the session dies abnormally.
	Fault(err error)
}

type nopMonitor struct{}

func (nopMonitor) Established() {}
func (nopMonitor) Fault(error)  {}
