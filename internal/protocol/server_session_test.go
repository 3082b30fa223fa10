package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/internal/transport/memconn"
	"github.com/bardlex/quarry/internal/wire"
	"github.com/bardlex/quarry/pkg/log"
)

var testDevice = wire.DeviceDescriptor{OS: "linux", CPUModel: "test cpu", RAMCapacityGB: 32}

// rawExchange opens a stream, sends payload as its whole content and reads
// the reply to end. Write errors are ignored so refusals can be observed.
func rawExchange(t *testing.T, conn *memconn.Conn, payload []byte) string {
	t.Helper()
	s, err := conn.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	_, _ = s.Write(payload)
	_ = s.Close()
	reply, _ := io.ReadAll(s)
	return string(reply)
}

func rawHandshake(t *testing.T, h *harness, credential string) {
	t.Helper()
	if got := rawExchange(t, h.client, []byte(credential)); got != wire.VerdictAuthenticated {
		t.Fatalf("auth verdict = %q", got)
	}
	if got := rawExchange(t, h.client, testDevice.Marshal()); got != wire.VerdictAccepted {
		t.Fatalf("device verdict = %q", got)
	}
	eventually(t, func() bool { return h.session.State() == StateActive })
}

func rawSubmit(t *testing.T, conn *memconn.Conn, sub wire.Submission) (wire.SubmissionResponse, error) {
	t.Helper()
	s, err := conn.OpenStream(context.Background())
	if err != nil {
		return wire.SubmissionResponse{}, err
	}
	if err := wire.WriteFrame(s, sub); err != nil {
		return wire.SubmissionResponse{}, err
	}
	_ = s.Close()
	return wire.ReadSubmissionResponse(s)
}

func closeCodeOf(t *testing.T, conn *memconn.Conn) uint64 {
	t.Helper()
	<-conn.Context().Done()
	ce, ok := transport.AsCloseError(context.Cause(conn.Context()))
	if !ok {
		t.Fatalf("unexpected close cause %v", context.Cause(conn.Context()))
	}
	return ce.Code
}

func TestServerSession_ReachesActiveAndPushesTemplates(t *testing.T) {
	h := newHarness(t, "good-key")
	h.start(t)

	if h.session.State() != StateAwaitingAuth {
		t.Fatalf("initial state = %s", h.session.State())
	}
	rawHandshake(t, h, "good-key")

	if h.devices.count() != 1 {
		t.Errorf("device recorded %d times", h.devices.count())
	}

	jobs, err := h.client.AcceptUniStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	placeholder, err := wire.ReadJobTemplate(jobs)
	if err != nil || !placeholder.IsPlaceholder() {
		t.Fatalf("first template = %+v, %v", placeholder, err)
	}

	t1 := wire.JobTemplate{Version: []byte{1}, Commit: []byte("commit-1"), PowLen: []byte{64}}
	h.templates.feed <- t1
	got, err := wire.ReadJobTemplate(jobs)
	if err != nil || !got.Equal(t1) {
		t.Fatalf("second template = %+v, %v", got, err)
	}

	resp, err := rawSubmit(t, h.client, wire.Submission{Target: wire.TargetPool, Commit: t1.Commit, Digest: []byte{0}, Proof: []byte("p")})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Accepted || !bytes.Equal(resp.Digest, []byte{0}) {
		t.Errorf("response = %+v", resp)
	}

	h.client.CloseWithError(transport.CodeNormal, "bye")
	if err := h.wait(t); err != nil {
		t.Errorf("Serve() error = %v, want nil on graceful close", err)
	}
	if h.session.State() != StateClosed {
		t.Errorf("final state = %s", h.session.State())
	}
	if h.auth.released.Load() != 1 {
		t.Errorf("guard released %d times, want 1", h.auth.released.Load())
	}
}

func TestServerSession_InvalidCredentialRejectedEveryTime(t *testing.T) {
	h := newHarness(t, "good-key")

	for attempt := range 2 {
		h.start(t)
		if got := rawExchange(t, h.client, []byte("bad-key")); got != wire.VerdictRejected {
			t.Fatalf("attempt %d: verdict = %q", attempt, got)
		}
		h.client.CloseWithError(transport.CodeNormal, "rejected")

		err := h.wait(t)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("attempt %d: Serve() error = %v", attempt, err)
		}
		if h.session.State() != StateClosed {
			t.Errorf("attempt %d: state = %s", attempt, h.session.State())
		}
	}

	if h.auth.allocated.Load() != 0 || h.auth.released.Load() != 0 {
		t.Errorf("guard allocated %d / released %d for rejected sessions", h.auth.allocated.Load(), h.auth.released.Load())
	}
	if h.devices.count() != 0 {
		t.Error("device info must never be recorded for a rejected session")
	}
}

func TestServerSession_RejectionClosesWithCode(t *testing.T) {
	tests := []struct {
		name     string
		reject   bool
		cred     string
		wantErr  error
		wantCode uint64
		released int32
	}{
		{"bad credential", false, "nope", ErrAuthenticationFailed, transport.CodeAuthRejected, 0},
		{"device refused", true, "good-key", ErrDeviceRejected, transport.CodeDeviceRejected, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "good-key")
			h.devices.reject = tt.reject
			h.start(t)

			verdict := rawExchange(t, h.client, []byte(tt.cred))
			if verdict == wire.VerdictAuthenticated {
				verdict = rawExchange(t, h.client, testDevice.Marshal())
			}
			if verdict != wire.VerdictRejected {
				t.Fatalf("verdict = %q", verdict)
			}

			// the peer stays connected; the server closes after lingering
			if code := closeCodeOf(t, h.client); code != tt.wantCode {
				t.Errorf("close code = %d, want %d", code, tt.wantCode)
			}
			if err := h.wait(t); !errors.Is(err, tt.wantErr) {
				t.Errorf("Serve() error = %v, want %v", err, tt.wantErr)
			}
			if got := h.auth.released.Load(); got != tt.released {
				t.Errorf("guard released %d times, want %d", got, tt.released)
			}
		})
	}
}

func TestServerSession_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name     string
		drive    func(t *testing.T, h *harness)
		released int32
	}{
		{
			name: "oversized credential",
			drive: func(t *testing.T, h *harness) {
				rawExchange(t, h.client, []byte(strings.Repeat("k", wire.MaxCredentialSize+1)))
			},
		},
		{
			name: "credential not utf8",
			drive: func(t *testing.T, h *harness) {
				rawExchange(t, h.client, []byte{0xff, 0xfe})
			},
		},
		{
			name: "undecodable device descriptor",
			drive: func(t *testing.T, h *harness) {
				rawExchange(t, h.client, []byte("good-key"))
				rawExchange(t, h.client, nil)
			},
			released: 1,
		},
		{
			name: "unidirectional stream before credential",
			drive: func(t *testing.T, h *harness) {
				if _, err := h.client.OpenUniStream(context.Background()); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "unidirectional stream between handshake steps",
			drive: func(t *testing.T, h *harness) {
				if got := rawExchange(t, h.client, []byte("good-key")); got != wire.VerdictAuthenticated {
					t.Fatalf("auth verdict = %q", got)
				}
				if _, err := h.client.OpenUniStream(context.Background()); err != nil {
					t.Fatal(err)
				}
			},
			released: 1,
		},
		{
			name: "unidirectional stream from client",
			drive: func(t *testing.T, h *harness) {
				rawHandshake(t, h, "good-key")
				if _, err := h.client.OpenUniStream(context.Background()); err != nil {
					t.Fatal(err)
				}
			},
			released: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "good-key")
			h.start(t)
			tt.drive(t, h)

			if code := closeCodeOf(t, h.client); code != transport.CodeProtocolViolation {
				t.Errorf("close code = %d, want %d", code, transport.CodeProtocolViolation)
			}
			if err := h.wait(t); !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("Serve() error = %v", err)
			}
			if got := h.auth.released.Load(); got != tt.released {
				t.Errorf("guard released %d times, want %d", got, tt.released)
			}
		})
	}
}

func TestServerSession_ConcurrentSubmissionsCorrelate(t *testing.T) {
	h := newHarness(t, "good-key")
	h.start(t)
	rawHandshake(t, h, "good-key")

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		order []byte
	)
	for _, d := range []byte{5, 4, 3, 2, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := rawSubmit(t, h.client, wire.Submission{Target: wire.TargetPool, Digest: []byte{d}})
			if err != nil {
				t.Errorf("digest %d: %v", d, err)
				return
			}
			if !bytes.Equal(resp.Digest, []byte{d}) {
				t.Errorf("digest %d got response for %x", d, resp.Digest)
			}
			mu.Lock()
			order = append(order, d)
			mu.Unlock()
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 5 {
		t.Fatalf("got %d responses", len(order))
	}
	if order[0] == 5 {
		t.Errorf("expected the slowest submission not to finish first, order %v", order)
	}
}

func TestServerSession_ExchangeFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, "good-key")
	h.sink.panicOn = 9
	h.start(t)
	rawHandshake(t, h, "good-key")

	t.Run("garbage frame", func(t *testing.T) {
		s, err := h.client.OpenStream(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		_, _ = s.Write([]byte{0, 0, 0, 1, 0xff})
		_ = s.Close()
		if _, err := wire.ReadSubmissionResponse(s); !errors.Is(err, wire.ErrEndOfStream) {
			t.Errorf("expected stream to end without response, got %v", err)
		}
	})

	t.Run("closed before frame", func(t *testing.T) {
		s, err := h.client.OpenStream(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
		if _, err := wire.ReadSubmissionResponse(s); !errors.Is(err, wire.ErrEndOfStream) {
			t.Errorf("expected stream to end without response, got %v", err)
		}
	})

	t.Run("sink panic", func(t *testing.T) {
		_, err := rawSubmit(t, h.client, wire.Submission{Target: wire.TargetNetwork, Digest: []byte{9}})
		if err == nil {
			t.Error("expected no response from a faulted exchange")
		}
	})

	resp, err := rawSubmit(t, h.client, wire.Submission{Target: wire.TargetPool, Digest: []byte{1}})
	if err != nil || !resp.Accepted {
		t.Fatalf("follow-up submission = %+v, %v", resp, err)
	}
	if h.session.State() != StateActive {
		t.Errorf("state = %s, want active", h.session.State())
	}
}

func TestServerSession_SinkErrorDropsResponse(t *testing.T) {
	h := newHarness(t, "good-key")
	h.sink.fail = true
	h.start(t)
	rawHandshake(t, h, "good-key")

	if _, err := rawSubmit(t, h.client, wire.Submission{Target: wire.TargetPool}); !errors.Is(err, wire.ErrEndOfStream) {
		t.Errorf("expected clean end of stream, got %v", err)
	}
	if h.session.State() != StateActive {
		t.Errorf("state = %s", h.session.State())
	}
}

func TestServerSession_TemplateSourceErrorsDoNotStopPush(t *testing.T) {
	h := newHarness(t, "good-key")
	h.start(t)
	rawHandshake(t, h, "good-key")

	jobs, err := h.client.AcceptUniStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wire.ReadJobTemplate(jobs); err != nil {
		t.Fatal(err)
	}

	h.templates.errs <- errors.New("node unavailable")
	h.templates.errs <- errors.New("node unavailable")
	want := wire.JobTemplate{Commit: []byte("after-outage")}
	h.templates.feed <- want

	got, err := wire.ReadJobTemplate(jobs)
	if err != nil || !got.Equal(want) {
		t.Fatalf("template after errors = %+v, %v", got, err)
	}
}

func TestServerSession_ContextCancelClosesNormally(t *testing.T) {
	h := newHarness(t, "good-key")
	client, server := memconn.Pipe()
	h.client, h.server = client, server
	session := NewServerSession(server, ServerHandlers{
		Auth: h.auth, Devices: h.devices, Templates: h.templates, Submissions: h.sink,
	}, SessionConfig{}, log.Discard())
	h.session = session

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- session.Serve(ctx) }()

	rawHandshake(t, h, "good-key")
	cancel()

	if err := recv(t, done); err != nil {
		t.Errorf("Serve() error = %v, want nil on shutdown", err)
	}
	if code := closeCodeOf(t, client); code != transport.CodeNormal {
		t.Errorf("close code = %d", code)
	}
	if h.auth.released.Load() != 1 {
		t.Errorf("guard released %d times", h.auth.released.Load())
	}
}

func TestStateMachine_Advance(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"auth to device", StateAwaitingAuth, StateAwaitingDeviceInfo, false},
		{"skip device", StateAwaitingAuth, StateActive, true},
		{"backwards", StateAwaitingAuth, StateAwaitingAuth, true},
		{"advance into closed", StateActive, StateClosed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m stateMachine
			if err := m.advance(tt.from, tt.to); (err != nil) != tt.wantErr {
				t.Errorf("advance() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	var m stateMachine
	if err := m.advance(StateAwaitingDeviceInfo, StateActive); err == nil {
		t.Error("advance from a phase the machine is not in must fail")
	}
	if left := m.close(); left != StateAwaitingAuth {
		t.Errorf("close() left %s", left)
	}
	if m.load() != StateClosed {
		t.Error("close() must land in closed")
	}
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint64
	}{
		{"nil", nil, transport.CodeNormal},
		{"auth", handshakeError(ErrAuthenticationFailed, "authenticate", nil), transport.CodeAuthRejected},
		{"device", handshakeError(ErrDeviceRejected, "device_info", errors.New("x")), transport.CodeDeviceRejected},
		{"violation", violation("op", "bad", nil), transport.CodeProtocolViolation},
		{"fault", newFault("task", "boom"), transport.CodeInternal},
		{"conn closed", connClosed("op", io.EOF), transport.CodeNormal},
		{"other", errors.New("other"), transport.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := closeCode(tt.err); got != tt.want {
				t.Errorf("closeCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
