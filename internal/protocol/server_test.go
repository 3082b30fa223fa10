package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/quarry/internal/transport/memconn"
	"github.com/bardlex/quarry/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *memconn.Listener, *chanTemplates) {
	t.Helper()
	ln := memconn.Listen()
	templates := newChanTemplates()
	srv := NewServer(ln, ServerHandlers{
		Auth:        newFakeAuth("good-key"),
		Devices:     &fakeDevices{},
		Templates:   templates,
		Submissions: &echoSink{},
	}, SessionConfig{HandshakeTimeout: time.Second, RejectLinger: 100 * time.Millisecond}, log.Discard())
	return srv, ln, templates
}

func dialClient(t *testing.T, ln *memconn.Listener) (*chanTemplateSink, chan error) {
	t.Helper()
	conn, err := ln.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	sink := newChanTemplateSink()
	cs := NewClientSession(conn, ClientConfig{Credential: "good-key", Device: testDevice},
		ClientHandlers{Templates: sink, Submissions: newChanSubmissions(), Responses: newChanResponses()},
		nil, log.Discard())
	done := make(chan error, 1)
	go func() { done <- cs.Run(context.Background()) }()
	return sink, done
}

func TestServer_ServesManyConnections(t *testing.T) {
	srv, ln, _ := newTestServer(t)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(context.Background()) }()

	var runs []chan error
	for range 3 {
		sink, done := dialClient(t, ln)
		if first := recv(t, sink.got); !first.IsPlaceholder() {
			t.Fatalf("first template = %+v", first)
		}
		runs = append(runs, done)
	}
	eventually(t, func() bool { return srv.SessionCount() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := recv(t, serveDone); err != nil {
		t.Errorf("Serve() error = %v, want nil after shutdown", err)
	}
	for i, done := range runs {
		if err := recv(t, done); err != nil {
			t.Errorf("client %d Run() error = %v, want nil for a server shutdown", i, err)
		}
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("SessionCount() = %d after shutdown", n)
	}
}

func TestServer_SessionsAreIndependent(t *testing.T) {
	srv, ln, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := ln.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	bad := NewClientSession(conn, ClientConfig{Credential: "bad-key", Device: testDevice},
		ClientHandlers{Templates: newChanTemplateSink(), Submissions: newChanSubmissions(), Responses: newChanResponses()},
		nil, log.Discard())

	sink, goodDone := dialClient(t, ln)
	recv(t, sink.got)

	if err := bad.Run(context.Background()); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("bad client Run() error = %v", err)
	}
	eventually(t, func() bool { return srv.SessionCount() == 1 })

	select {
	case err := <-goodDone:
		t.Fatalf("healthy client ended with %v after a neighbour was rejected", err)
	default:
	}
}

func TestServer_ServeReturnsOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	cancel()
	if err := recv(t, done); err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestServer_ServeReportsListenerFailure(t *testing.T) {
	srv, ln, _ := newTestServer(t)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	_ = ln.Close()
	if err := recv(t, done); err == nil {
		t.Error("Serve() returned nil after the listener failed")
	}
}
