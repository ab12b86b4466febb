// Package server accepts stream connections, admits them against a
// connection cap and runs each as a Session until shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second

	// maxRejecting bounds the goroutines writing a refusal notice. Beyond it
	// refused connections are closed without one.
	maxRejecting = 16
)

// Server is the acceptor: it owns the Registry for one running relay and
// spawns one goroutine per admitted connection.
type Server struct {
	cfg         Config
	log         *zap.Logger
	startedAt   time.Time
	registry    *Registry
	broadcaster *Broadcaster
	commands    *CommandProcessor
	slots       *semaphore.Weighted
	rejecting   *semaphore.Weighted
	upgrader    websocket.Upgrader

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	sessions  map[*Session]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a relay with a fresh Registry. Options are forwarded to
// the CommandProcessor.
func NewServer(cfg Config, log *zap.Logger, opts ...CommandOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = sanitizeConfig(cfg)

	startedAt := time.Now()
	registry := NewRegistry()
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	return &Server{
		cfg:         cfg,
		log:         log,
		startedAt:   startedAt,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, log),
		commands:    NewCommandProcessor(registry, startedAt, opts...),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		rejecting:   semaphore.NewWeighted(maxRejecting),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*Session]struct{}),
	}
}

// Registry exposes the shared name and session store.
func (s *Server) Registry() *Registry {
	return s.registry
}

// StartedAt is the server start time reported by the uptime command.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Serve accepts connections on ln until ctx is done or Shutdown is called,
// both of which return ErrServerClosed. Any other accept failure is fatal
// and returned.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("relay accepting connections", zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if isTimeout(err) {
				backoff = nextBackoff(backoff)
				s.log.Warn("temporary accept error", zap.Error(err), zap.Duration("retry_in", backoff))
				time.Sleep(backoff)
				continue
			}
			s.log.Error("accept failed", zap.Error(err))
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		s.admit(NewTCPStream(conn, s.cfg.MaxLineLength, s.cfg.IdleTimeout, s.cfg.WriteTimeout))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

// ServeWebSocket runs an upgraded WebSocket connection as a Session.
func (s *Server) ServeWebSocket(conn *websocket.Conn, remoteAddr string) {
	s.admit(NewWebSocketStream(conn, remoteAddr, s.cfg.MaxLineLength, s.cfg.WriteTimeout))
}

// admit starts a session for stream, or rejects it when the connection cap
// is reached or the server is shutting down.
func (s *Server) admit(stream Stream) {
	if !s.slots.TryAcquire(1) {
		s.log.Warn("connection rejected: server full",
			zap.String("remote_addr", stream.RemoteAddr()),
			zap.Int("max_connections", s.cfg.MaxConnections))
		s.reject(stream, ServerFullLine)
		return
	}

	session := NewSession(stream, SessionDeps{
		Registry:          s.registry,
		Commands:          s.commands,
		Broadcaster:       s.broadcaster,
		Log:               s.log,
		MaxUsernameLength: s.cfg.MaxUsernameLength,
	})
	if !s.trackSession(session) {
		s.slots.Release(1)
		s.reject(stream, ShutdownLine)
		return
	}

	s.log.Debug("connection accepted", zap.String("remote_addr", stream.RemoteAddr()))
	go func() {
		defer s.wg.Done()
		defer s.untrackSession(session)
		defer s.slots.Release(1)
		session.Run()
	}()
}

// reject refuses stream in the background with a notice line, unless
// maxRejecting refusals are already in flight.
func (s *Server) reject(stream Stream, line string) {
	if !s.rejecting.TryAcquire(1) {
		s.log.Debug("dropping refused connection without notice", zap.String("remote_addr", stream.RemoteAddr()))
		_ = stream.Close()
		return
	}

	go func() {
		defer s.rejecting.Release(1)
		if err := stream.WriteLines(line); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("failed to notify rejected client", zap.Error(err))
		}
		_ = stream.Close()
	}()
}

// Shutdown stops accepting, tells every connected client, closes their
// connections and waits for the session goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	s.log.Info("shutting down relay", zap.Int("connections", len(sessions)))

	for _, ln := range listeners {
		if err := ln.Close(); !isExpectedCloseError(err) {
			s.log.Warn("error closing listener", zap.Error(err))
		}
	}

	for _, session := range sessions {
		go func(session *Session) {
			_ = session.Send(ShutdownLine)
			session.abort()
		}(session)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("relay shutdown completed")
		return nil
	case <-ctx.Done():
		s.log.Warn("relay shutdown timeout reached, some sessions may still be running")
		return ctx.Err()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// trackSession registers the goroutine with wg under mu so Shutdown never
// waits on a WaitGroup that is still growing.
func (s *Server) trackSession(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[session] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackSession(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

// ActiveConnections counts admitted connections, named or not.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
