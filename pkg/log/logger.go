// Package log provides structured logging for quarry services.
// It wraps the standard library's slog package with protocol-aware helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger and remembers the service identity it was built with.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "text")
}

// ParseLevel maps a textual level to slog. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the service name the logger was created with.
func (l *Logger) Service() string { return l.service }

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithPeer tags log lines with the remote address of a connection.
func (l *Logger) WithPeer(remoteAddr string) *Logger {
	return l.WithFields("peer", remoteAddr)
}

// WithPhase tags log lines with the session phase.
func (l *Logger) WithPhase(phase string) *Logger {
	return l.WithFields("phase", phase)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogHandshake logs the outcome of one handshake step.
func (l *Logger) LogHandshake(step, outcome string) {
	l.Info("handshake",
		"step", step,
		"outcome", outcome,
	)
}

// LogTemplate logs a template push or receipt at debug level.
func (l *Logger) LogTemplate(direction, commit string, version string) {
	l.Debug("template",
		"direction", direction,
		"commit", commit,
		"template_version", version,
	)
}

// LogSubmission logs a submission verdict.
func (l *Logger) LogSubmission(target, digest string, accepted bool, message string) {
	l.Info("submission",
		"target", target,
		"digest", digest,
		"accepted", accepted,
		"message", message,
	)
}
