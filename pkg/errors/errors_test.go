package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "with cause",
			err: &ServiceError{
				Type:      ErrorTypeHandshake,
				Operation: "authenticate",
				Message:   "credential refused",
				Cause:     errors.New("unknown key"),
			},
			expected: "handshake: authenticate: credential refused: unknown key",
		},
		{
			name: "without cause",
			err: &ServiceError{
				Type:      ErrorTypeFraming,
				Operation: "read_frame",
				Message:   "frame too large",
			},
			expected: "framing: read_frame: frame too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeInternal, "op", "msg") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	cause := errors.New("boom")
	err := Wrap(cause, ErrorTypeCollaborator, "process", "sink failed")
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause")
	}
	if err.Retryable {
		t.Error("collaborator errors are not retryable by default")
	}
}

func TestIsType_WalksChain(t *testing.T) {
	inner := New(ErrorTypeTransport, "accept_stream", "connection lost")
	outer := Wrap(inner, ErrorTypeHandshake, "authenticate", "no credential stream")
	wrapped := fmt.Errorf("session: %w", outer)

	tests := []struct {
		name string
		typ  ErrorType
		want bool
	}{
		{"outer type", ErrorTypeHandshake, true},
		{"inner type", ErrorTypeTransport, true},
		{"absent type", ErrorTypeDatabase, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(wrapped, tt.typ); got != tt.want {
				t.Errorf("IsType(%s) = %v, want %v", tt.typ, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", New(ErrorTypeTransport, "dial", "refused"), true},
		{"handshake", New(ErrorTypeHandshake, "auth", "rejected"), false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"context canceled", context.Canceled, false},
		{"plain", errors.New("plain"), false},
		{"wrapped keeps retryable", Wrap(New(ErrorTypeKafka, "publish", "x"), ErrorTypeInternal, "outer", "y"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "record_device", "upsert failed").
		WithContext("os", "linux").
		WithContext("ram_gb", 64)

	ctx := GetContext(err)
	if len(ctx) != 2 || ctx["os"] != "linux" || ctx["ram_gb"] != 64 {
		t.Errorf("unexpected context %v", ctx)
	}
	if GetContext(errors.New("plain")) != nil {
		t.Error("plain errors carry no context")
	}
}
