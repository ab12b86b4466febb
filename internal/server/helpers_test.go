package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

// memStream is an in-memory Stream. Lines pushed with send are read by the
// session; lines the session writes are recorded and published on out.
type memStream struct {
	in  chan string
	out chan string

	mu      sync.Mutex
	written []string

	writeErr atomic.Value // error

	closed      chan struct{}
	closeOnce   sync.Once
	closeCalls  atomic.Int32
	outputCalls atomic.Int32
	inputCalls  atomic.Int32
}

func newMemStream() *memStream {
	return &memStream{
		in:     make(chan string, 64),
		out:    make(chan string, 1024),
		closed: make(chan struct{}),
	}
}

func (m *memStream) send(line string) {
	m.in <- line
}

// hangUp simulates the client closing its side.
func (m *memStream) hangUp() {
	close(m.in)
}

func (m *memStream) failWrites(err error) {
	m.writeErr.Store(err)
}

func (m *memStream) ReadLine() (string, error) {
	select {
	case line, ok := <-m.in:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-m.closed:
		return "", net.ErrClosed
	}
}

func (m *memStream) WriteLines(lines ...string) error {
	if err, _ := m.writeErr.Load().(error); err != nil {
		return err
	}
	select {
	case <-m.closed:
		return io.ErrClosedPipe
	default:
	}

	m.mu.Lock()
	m.written = append(m.written, lines...)
	m.mu.Unlock()
	for _, line := range lines {
		m.out <- line
	}
	return nil
}

func (m *memStream) CloseOutput() error {
	m.outputCalls.Add(1)
	return nil
}

func (m *memStream) CloseInput() error {
	m.inputCalls.Add(1)
	return nil
}

func (m *memStream) Close() error {
	m.closeCalls.Add(1)
	err := net.ErrClosed
	m.closeOnce.Do(func() {
		close(m.closed)
		err = nil
	})
	return err
}

func (m *memStream) RemoteAddr() string {
	return "mem"
}

func (m *memStream) lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

func (m *memStream) count(line string) int {
	n := 0
	for _, l := range m.lines() {
		if l == line {
			n++
		}
	}
	return n
}

func (m *memStream) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// waitFor consumes written lines until want shows up.
func (m *memStream) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case line := <-m.out:
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; written so far: %q", want, m.lines())
		}
	}
}

// relay bundles the shared collaborators of a test relay.
type relay struct {
	registry    *Registry
	commands    *CommandProcessor
	broadcaster *Broadcaster
	now         time.Time
}

func newRelay(opts ...CommandOption) *relay {
	registry := NewRegistry()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &relay{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, zap.NewNop()),
		now:         started,
	}
	opts = append([]CommandOption{
		WithClock(func() time.Time { return started.Add(90 * time.Second) }),
		WithIPResolver(func() (string, error) { return "10.1.2.3", nil }),
	}, opts...)
	r.commands = NewCommandProcessor(registry, started, opts...)
	return r
}

func (r *relay) deps() SessionDeps {
	return SessionDeps{
		Registry:          r.registry,
		Commands:          r.commands,
		Broadcaster:       r.broadcaster,
		Log:               zap.NewNop(),
		MaxUsernameLength: 16,
		Now:               func() time.Time { return r.now.Add(48 * time.Second) },
	}
}

// start runs a new session in the background.
func (r *relay) start() (*Session, *memStream) {
	stream := newMemStream()
	session := NewSession(stream, r.deps())
	go session.Run()
	return session, stream
}

// join runs a session through the naming handshake as name.
func (r *relay) join(t *testing.T, name string) (*Session, *memStream) {
	t.Helper()
	session, stream := r.start()
	stream.waitFor(t, UsernamePrompt)
	stream.send(name)
	stream.waitFor(t, "Welcome "+name+"! Type ';h' for a list of commands.")
	return session, stream
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not close; state %s", s.ID(), s.State())
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
