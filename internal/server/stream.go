package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/multierr"
)

// Stream is the line-oriented transport a Session reads from and writes to.
// ReadLine is only called from the owning session goroutine; WriteLines and
// CloseOutput are serialized by the session's write mutex.
type Stream interface {
	// ReadLine returns the next line without its terminator. A clean end of
	// stream is reported as io.EOF.
	ReadLine() (string, error)
	// WriteLines writes every line followed by a newline and flushes once.
	WriteLines(lines ...string) error
	// CloseOutput flushes and half-closes the outgoing direction.
	CloseOutput() error
	// CloseInput half-closes the incoming direction.
	CloseInput() error
	// Close releases the underlying connection.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

type closeWriter interface {
	CloseWrite() error
}

type closeReader interface {
	CloseRead() error
}

// tcpStream frames a raw stream socket into newline-terminated lines.
type tcpStream struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writer       *bufio.Writer
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTCPStream wraps conn. Lines longer than maxLineLength bytes end the
// stream with ErrLineTooLong; zero timeouts disable the matching deadline.
func NewTCPStream(conn net.Conn, maxLineLength int, idleTimeout, writeTimeout time.Duration) Stream {
	if maxLineLength <= 0 {
		maxLineLength = defaultMaxLineLength
	}
	scanner := bufio.NewScanner(conn)
	// Room for the terminator, which ScanLines strips along with a trailing \r.
	scanner.Buffer(make([]byte, 0, min(maxLineLength+2, 4096)), maxLineLength+2)

	return &tcpStream{
		conn:         conn,
		scanner:      scanner,
		writer:       bufio.NewWriter(conn),
		idleTimeout:  idleTimeout,
		writeTimeout: writeTimeout,
	}
}

func (s *tcpStream) ReadLine() (string, error) {
	if s.idleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
	}

	if s.scanner.Scan() {
		return s.scanner.Text(), nil
	}

	err := s.scanner.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", ErrLineTooLong
	default:
		return "", err
	}
}

func (s *tcpStream) WriteLines(lines ...string) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	for _, line := range lines {
		if _, err := s.writer.WriteString(line); err != nil {
			return err
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

func (s *tcpStream) CloseOutput() error {
	err := s.writer.Flush()
	if cw, ok := s.conn.(closeWriter); ok {
		err = multierr.Append(err, cw.CloseWrite())
	}
	return err
}

func (s *tcpStream) CloseInput() error {
	if cr, ok := s.conn.(closeReader); ok {
		return cr.CloseRead()
	}
	return nil
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

func (s *tcpStream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
