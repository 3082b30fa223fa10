package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bardlex/quarry/internal/transport/memconn"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

var errUnknownKey = errors.New("unknown key")

type fakeAuth struct {
	keys      map[string]Account
	calls     atomic.Int32
	allocated atomic.Int32
	released  atomic.Int32
}

func newFakeAuth(keys ...string) *fakeAuth {
	a := &fakeAuth{keys: make(map[string]Account)}
	for _, k := range keys {
		a.keys[k] = Account{ID: uuid.Must(uuid.NewV4()), Label: k}
	}
	return a
}

func (a *fakeAuth) Authenticate(_ context.Context, credential string) (Account, Guard, error) {
	a.calls.Add(1)
	acct, ok := a.keys[credential]
	if !ok {
		return Account{}, nil, errUnknownKey
	}
	a.allocated.Add(1)
	return acct, GuardFunc(func() { a.released.Add(1) }), nil
}

type fakeDevices struct {
	reject bool

	mu       sync.Mutex
	recorded []wire.DeviceDescriptor
}

func (d *fakeDevices) RecordDevice(_ context.Context, device wire.DeviceDescriptor, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject {
		return errors.New("device refused")
	}
	d.recorded = append(d.recorded, device)
	return nil
}

func (d *fakeDevices) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recorded)
}

// chanTemplates yields whatever is sent on feed, or an error from errs.
type chanTemplates struct {
	feed chan wire.JobTemplate
	errs chan error
}

func newChanTemplates() *chanTemplates {
	return &chanTemplates{feed: make(chan wire.JobTemplate, 8), errs: make(chan error, 8)}
}

func (c *chanTemplates) Next(ctx context.Context, _ wire.JobTemplate) (wire.JobTemplate, error) {
	select {
	case err := <-c.errs:
		return wire.JobTemplate{}, err
	case t := <-c.feed:
		return t, nil
	case <-ctx.Done():
		return wire.JobTemplate{}, ctx.Err()
	}
}

// echoSink accepts every submission and echoes its digest. A digest whose
// first byte is n is held for n*10ms.
type echoSink struct {
	processed atomic.Int32
	fail      bool
	panicOn   byte
}

func (s *echoSink) Process(ctx context.Context, sub wire.Submission, acct Account) (wire.SubmissionResponse, error) {
	if s.fail {
		return wire.SubmissionResponse{}, errors.New("sink down")
	}
	if len(sub.Digest) > 0 {
		if s.panicOn != 0 && sub.Digest[0] == s.panicOn {
			panic("sink exploded")
		}
		select {
		case <-time.After(time.Duration(sub.Digest[0]) * 10 * time.Millisecond):
		case <-ctx.Done():
			return wire.SubmissionResponse{}, ctx.Err()
		}
	}
	s.processed.Add(1)
	return wire.SubmissionResponse{Accepted: true, Digest: sub.Digest, Message: "ok " + acct.Label}, nil
}

type chanTemplateSink struct {
	got     chan wire.JobTemplate
	panicOn []byte
}

func newChanTemplateSink() *chanTemplateSink {
	return &chanTemplateSink{got: make(chan wire.JobTemplate, 16)}
}

func (s *chanTemplateSink) Accept(_ context.Context, t wire.JobTemplate) error {
	if s.panicOn != nil && string(t.Commit) == string(s.panicOn) {
		panic("template sink exploded")
	}
	s.got <- t
	return nil
}

type chanSubmissions struct {
	feed chan wire.Submission
}

func newChanSubmissions() *chanSubmissions {
	return &chanSubmissions{feed: make(chan wire.Submission, 16)}
}

func (c *chanSubmissions) Next(ctx context.Context) (wire.Submission, error) {
	select {
	case s := <-c.feed:
		return s, nil
	case <-ctx.Done():
		return wire.Submission{}, ctx.Err()
	}
}

type chanResponses struct {
	got     chan wire.SubmissionResponse
	panicOn byte
}

func newChanResponses() *chanResponses {
	return &chanResponses{got: make(chan wire.SubmissionResponse, 16)}
}

func (c *chanResponses) Handle(_ context.Context, r wire.SubmissionResponse) error {
	if c.panicOn != 0 && len(r.Digest) > 0 && r.Digest[0] == c.panicOn {
		panic("handler exploded")
	}
	c.got <- r
	return nil
}

type recordingMonitor struct {
	established atomic.Int32
	faults      chan error
}

func newRecordingMonitor() *recordingMonitor {
	return &recordingMonitor{faults: make(chan error, 4)}
}

func (m *recordingMonitor) Established() { m.established.Add(1) }
func (m *recordingMonitor) Fault(err error) {
	m.faults <- err
}

// harness wires a server session to a memconn pair.
type harness struct {
	auth      *fakeAuth
	devices   *fakeDevices
	templates *chanTemplates
	sink      *echoSink

	client  *memconn.Conn
	server  *memconn.Conn
	session *ServerSession
	done    chan error
}

func newHarness(t *testing.T, keys ...string) *harness {
	t.Helper()
	return &harness{
		auth:      newFakeAuth(keys...),
		devices:   &fakeDevices{},
		templates: newChanTemplates(),
		sink:      &echoSink{},
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.client, h.server = memconn.Pipe()
	h.session = NewServerSession(h.server, ServerHandlers{
		Auth:        h.auth,
		Devices:     h.devices,
		Templates:   h.templates,
		Submissions: h.sink,
	}, SessionConfig{HandshakeTimeout: time.Second, RejectLinger: 200 * time.Millisecond}, log.Discard())

	h.done = make(chan error, 1)
	go func() { h.done <- h.session.Serve(context.Background()) }()
	t.Cleanup(func() { h.client.CloseWithError(0, "test done") })
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("server session did not finish")
		return nil
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
