package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bardlex/quarry/internal/transport"
	"github.com/bardlex/quarry/pkg/log"
)

// Server accepts connections and runs one ServerSession per connection.
type Server struct {
	listener transport.Listener
	handlers ServerHandlers
	cfg      SessionConfig
	logger   *log.Logger

	sessions map[uint64]*ServerSession
	nextID   atomic.Uint64
	mu       sync.RWMutex
	wg       sync.WaitGroup

	cancel context.CancelFunc
}

// NewServer creates a server. Call Serve to start accepting.
func NewServer(listener transport.Listener, handlers ServerHandlers, cfg SessionConfig, logger *log.Logger) *Server {
	return &Server{
		listener: listener,
		handlers: handlers,
		cfg:      cfg,
		logger:   logger.WithComponent("server"),
		sessions: make(map[uint64]*ServerSession),
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("server listening", "address", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn transport.Conn) {
	defer s.wg.Done()

	id := s.nextID.Add(1)
	session := NewServerSession(conn, s.handlers, s.cfg, s.logger)
	s.logger.LogConnection("connected", conn.RemoteAddr().String())

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.logger.LogConnection("disconnected", conn.RemoteAddr().String())
	}()

	// Serve recovers its own panics and always closes conn.
	if err := session.Serve(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
		s.logger.WithError(err).Debug("session ended with error", "session_id", id)
	}
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops accepting, closes every session and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	if err := s.listener.Close(); err != nil {
		s.logger.WithError(err).Error("failed to close listener")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded", "sessions", s.SessionCount())
		s.mu.RLock()
		for _, session := range s.sessions {
			_ = session.conn.CloseWithError(transport.CodeNormal, "server shutting down")
		}
		s.mu.RUnlock()
		return ctx.Err()
	}
}
