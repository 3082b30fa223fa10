package memconn

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bardlex/quarry/internal/transport"
)

func TestBidiStream(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	go func() {
		s, err := client.OpenStream(ctx)
		if err != nil {
			return
		}
		_, _ = s.Write([]byte("hello"))
		_ = s.Close()
		reply, _ := io.ReadAll(s)
		if string(reply) != "world" {
			client.CloseWithError(transport.CodeInternal, "bad reply")
		}
	}()

	s, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(s)
	if err != nil || string(got) != "hello" {
		t.Fatalf("ReadAll() = %q, %v", got, err)
	}
	if _, err := s.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	if client.OpenedStreams() != 1 {
		t.Errorf("OpenedStreams() = %d, want 1", client.OpenedStreams())
	}
}

func TestCloseUnblocksPeers(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := server.AcceptUniStream(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	client.CloseWithError(transport.CodeNormal, "bye")

	select {
	case err := <-errCh:
		ce, ok := transport.AsCloseError(err)
		if !ok || !ce.Remote || ce.Code != transport.CodeNormal {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AcceptUniStream did not unblock")
	}

	if context.Cause(server.Context()) == nil {
		t.Error("server context should be cancelled")
	}
}

func TestCloseFailsInFlightReads(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	send, err := server.OpenUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_ = send
	recv, err := client.AcceptUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := recv.Read(make([]byte, 4))
		done <- err
	}()

	server.CloseWithError(transport.CodeProtocolViolation, "violation")
	err = <-done
	ce, ok := transport.AsCloseError(err)
	if !ok || ce.Code != transport.CodeProtocolViolation {
		t.Errorf("expected protocol violation close, got %v", err)
	}
}

func TestCancelRead(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	send, err := client.OpenUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := server.AcceptUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	recv.CancelRead(7)

	if _, err := send.Write([]byte("x")); !errors.Is(err, ErrReadCanceled) {
		t.Errorf("expected ErrReadCanceled, got %v", err)
	}
}

func TestCloseReportsCauseOnBothSides(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	tests := []struct {
		name       string
		op         func(local, remote transport.Stream) error
		wantRemote bool
	}{
		{"closing side write", func(l, _ transport.Stream) error { _, err := l.Write([]byte("x")); return err }, false},
		{"closing side read", func(l, _ transport.Stream) error { _, err := l.Read(make([]byte, 1)); return err }, false},
		{"peer write", func(_, r transport.Stream) error { _, err := r.Write([]byte("x")); return err }, true},
		{"peer read", func(_, r transport.Stream) error { _, err := r.Read(make([]byte, 1)); return err }, true},
	}

	// one stream per operation so no read pairs with a write
	errs := make([]chan error, len(tests))
	for i, tt := range tests {
		local, err := client.OpenStream(ctx)
		if err != nil {
			t.Fatal(err)
		}
		remote, err := server.AcceptStream(ctx)
		if err != nil {
			t.Fatal(err)
		}
		errs[i] = make(chan error, 1)
		go func() { errs[i] <- tt.op(local, remote) }()
	}
	time.Sleep(10 * time.Millisecond)
	client.CloseWithError(transport.CodeInternal, "fault")

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			select {
			case err := <-errs[i]:
				ce, ok := transport.AsCloseError(err)
				if !ok {
					t.Fatalf("got %v, want a close error", err)
				}
				if ce.Code != transport.CodeInternal || ce.Remote != tt.wantRemote {
					t.Errorf("close error = %+v, want code %d remote %v", ce, transport.CodeInternal, tt.wantRemote)
				}
			case <-time.After(time.Second):
				t.Fatal("operation did not unblock")
			}
		})
	}
}

func TestGracefulEOFSurvivesClose(t *testing.T) {
	client, server := Pipe()
	ctx := context.Background()

	send, err := client.OpenUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := server.AcceptUniStream(ctx)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_, _ = send.Write([]byte("done"))
		_ = send.Close()
	}()
	got, err := io.ReadAll(recv)
	if err != nil || string(got) != "done" {
		t.Fatalf("ReadAll() = %q, %v", got, err)
	}

	client.CloseWithError(transport.CodeNormal, "")
	if _, err := recv.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read() after close = %v, want io.EOF", err)
	}
}
