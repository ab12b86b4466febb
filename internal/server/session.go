// Package server runs one Session per connection: the naming handshake,
// the read/dispatch loop and a teardown that executes at most once.
package server

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SessionDeps are the shared collaborators a Session is composed with.
type SessionDeps struct {
	Registry          *Registry
	Commands          *CommandProcessor
	Broadcaster       *Broadcaster
	Log               *zap.Logger
	MaxUsernameLength int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Session represents one connected client for its entire lifetime.
type Session struct {
	id          uuid.UUID
	stream      Stream
	registry    *Registry
	commands    *CommandProcessor
	broadcaster *Broadcaster
	maxNameLen  int
	now         func() time.Time

	// mu guards username, joinedAt and log. Transitions that depend on them
	// (activate, teardown start) also hold it; state itself is atomic.
	mu       sync.Mutex
	state    atomic.Int32
	username string
	joinedAt time.Time
	log      *zap.Logger

	writeMu      sync.Mutex
	outputClosed bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewSession wraps stream in a Session in the Connecting state.
func NewSession(stream Stream, deps SessionDeps) *Session {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.New()
	return &Session{
		id:          id,
		stream:      stream,
		registry:    deps.Registry,
		commands:    deps.Commands,
		broadcaster: deps.Broadcaster,
		maxNameLen:  deps.MaxUsernameLength,
		now:         now,
		log: log.With(
			zap.String("session_id", id.String()),
			zap.String("remote_addr", stream.RemoteAddr()),
		),
		done: make(chan struct{}),
	}
}

// ID returns the opaque session handle.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Username returns the claimed name, or "" before naming succeeds.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// JoinedAt returns the moment naming succeeded.
func (s *Session) JoinedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedAt
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteAddr identifies the peer.
func (s *Session) RemoteAddr() string {
	return s.stream.RemoteAddr()
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) logger() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

// transition moves from one state to the next, failing if another path
// already moved the session on.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Send writes lines to the client as one synchronized unit, so concurrent
// broadcasts and replies never interleave partial lines.
func (s *Session) Send(lines ...string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.outputClosed {
		return ErrSessionClosed
	}
	return s.stream.WriteLines(lines...)
}

// Run drives the session until the client leaves. It always ends with the
// session Closed.
func (s *Session) Run() {
	defer func() { _ = s.Close() }()

	if !s.transition(StateConnecting, StateNaming) {
		return
	}
	if err := s.Send(BannerLine); err != nil {
		s.logWriteError(err)
		return
	}

	name, ok := s.negotiateName()
	if !ok {
		return
	}

	s.logger().Info("user joined", zap.Int("users_online", s.registry.CountActive()))
	s.broadcaster.Broadcast(onlineNotice(name), s)
	if err := s.Send(fmt.Sprintf("Welcome %s! Type ';h' for a list of commands.", name)); err != nil {
		s.logWriteError(err)
		return
	}

	s.readLoop()
}

// negotiateName repeats the prompt until a unique valid name is claimed.
func (s *Session) negotiateName() (string, bool) {
	for {
		if err := s.Send(UsernamePrompt); err != nil {
			s.logWriteError(err)
			return "", false
		}

		line, err := s.stream.ReadLine()
		if err != nil {
			s.logReadError(err)
			return "", false
		}

		name, err := NormalizeUsername(line, s.maxNameLen)
		if err != nil {
			if err := s.Send("Invalid username: " + err.Error()); err != nil {
				s.logWriteError(err)
				return "", false
			}
			continue
		}

		if !s.registry.TryClaim(name) {
			s.logger().Debug("username already taken", zap.String("username", name))
			if err := s.Send(fmt.Sprintf("Username '%s' is already taken", name)); err != nil {
				s.logWriteError(err)
				return "", false
			}
			continue
		}

		if !s.activate(name) {
			// Teardown started while the claim was in flight.
			s.registry.Release(name)
			return "", false
		}
		return name, true
	}
}

// activate records the claimed name and publishes the session. It runs
// under mu so a concurrent teardown either sees the name or prevents it.
func (s *Session) activate(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(StateNaming), int32(StateActive)) {
		return false
	}
	s.username = name
	s.joinedAt = s.now()
	s.log = s.log.With(zap.String("username", name))
	s.registry.AddSession(s)
	return true
}

func (s *Session) readLoop() {
	for {
		line, err := s.stream.ReadLine()
		if err != nil {
			s.logReadError(err)
			return
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, CommandSigil):
			if !s.runCommand(line) {
				return
			}
		case hasControlChars(line):
			s.logger().Debug("chat line with control characters rejected")
			if err := s.Send(RejectedText); err != nil {
				s.logWriteError(err)
				return
			}
		default:
			s.broadcaster.Broadcast(chatLine(s.Username(), line), s)
			if err := s.Send(AckMarker); err != nil {
				s.logWriteError(err)
				return
			}
		}
	}
}

// runCommand reports whether the session should keep reading.
func (s *Session) runCommand(line string) bool {
	result := s.commands.Dispatch(s, line)
	if len(result.Lines) > 0 {
		if err := s.Send(result.Lines...); err != nil {
			s.logWriteError(err)
			return false
		}
	}
	if result.Exit {
		s.logger().Info("user logged out")
		return false
	}
	return true
}

// Close tears the session down: logoff notice, name release, registry
// removal, then output, input and connection close. Only the first call
// does any work; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	s.mu.Lock()
	s.state.Store(int32(StateClosing))
	name := s.username
	log := s.log
	s.mu.Unlock()

	if name != "" {
		// Broadcast before removal so the departing name still resolves.
		s.broadcaster.Broadcast(logoffNotice(name), s)
		s.registry.Release(name)
		s.registry.RemoveSession(s)
		log.Info("user left", zap.Int("users_online", s.registry.CountActive()))
	}

	var errs error

	s.writeMu.Lock()
	s.outputClosed = true
	errs = appendCloseError(errs, "close output", s.stream.CloseOutput())
	s.writeMu.Unlock()

	errs = appendCloseError(errs, "close input", s.stream.CloseInput())
	errs = appendCloseError(errs, "close connection", s.stream.Close())

	for _, err := range multierr.Errors(errs) {
		log.Warn("session teardown step failed", zap.Error(err))
	}

	s.state.Store(int32(StateClosed))
	close(s.done)
	return errs
}

func appendCloseError(errs error, step string, err error) error {
	if isExpectedCloseError(err) {
		return errs
	}
	return multierr.Append(errs, fmt.Errorf("%s: %w", step, err))
}

// abort drops the connection without touching shared state. The blocked
// read in Run fails and the session tears itself down.
func (s *Session) abort() {
	if err := s.stream.Close(); !isExpectedCloseError(err) {
		s.logger().Debug("abort connection", zap.Error(err))
	}
}

func (s *Session) logReadError(err error) {
	log := s.logger()
	active := s.State() == StateActive

	switch {
	case errors.Is(err, io.EOF):
		if active {
			log.Info("client disconnected abruptly")
		} else {
			log.Info("client disconnected before naming")
		}
	case errors.Is(err, ErrLineTooLong):
		log.Warn("client line exceeded the maximum length")
	case isTimeout(err):
		log.Info("client idle timeout")
	case s.State() >= StateClosing || isExpectedCloseError(err):
		log.Debug("connection closed", zap.Error(err))
	default:
		log.Warn("read error", zap.Error(err))
	}
}

func (s *Session) logWriteError(err error) {
	if errors.Is(err, ErrSessionClosed) || isExpectedCloseError(err) {
		s.logger().Debug("write to closed connection", zap.Error(err))
		return
	}
	s.logger().Warn("write error", zap.Error(err))
}
