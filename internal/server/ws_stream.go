// Package server adapts WebSocket connections into line streams so browser
// clients share sessions, names and broadcasts with raw socket clients.
package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsStream maps one text frame to one line. Pings keep intermediaries from
// dropping quiet connections; a missing pong ends the stream.
type wsStream struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	// pending holds the remaining lines of a multi-line frame. Only the
	// reading goroutine touches it.
	pending []string
}

// NewWebSocketStream wraps an upgraded connection and starts its ping loop.
func NewWebSocketStream(conn *websocket.Conn, remote string, maxLineLength int, writeTimeout time.Duration) Stream {
	if maxLineLength <= 0 {
		maxLineLength = defaultMaxLineLength
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	s := &wsStream{
		conn:         conn,
		remote:       remote,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(int64(maxLineLength))
	s.setupReadConnection()
	go s.pingLoop()
	return s
}

// setupReadConnection configures read deadlines and the pong handler.
func (s *wsStream) setupReadConnection() {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with NextWriter.
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *wsStream) stopPing() {
	s.stopOnce.Do(func() { close(s.done) })
}

// ReadLine returns one line per text frame. A frame carrying several
// newline-separated lines is split and its lines are returned one by one,
// so a frame can never smuggle extra lines past the framing.
func (s *wsStream) ReadLine() (string, error) {
	if len(s.pending) > 0 {
		line := s.pending[0]
		s.pending = s.pending[1:]
		return line, nil
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return "", ErrLineTooLong
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return "", io.EOF
		}
		return "", err
	}

	lines := splitFrame(string(data))
	s.pending = lines[1:]
	return lines[0], nil
}

// splitFrame breaks a frame on line terminators the same way the raw socket
// reader does: "\n" ends a line and one trailing "\r" is dropped. A frame
// ending in a terminator does not produce a trailing empty line.
func splitFrame(frame string) []string {
	frame = strings.TrimSuffix(frame, "\n")
	lines := strings.Split(frame, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// WriteLines sends all lines in a single text frame separated by newlines.
func (s *wsStream) WriteLines(lines ...string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, strings.Join(lines, "\n")); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *wsStream) CloseOutput() error {
	s.stopPing()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}

// CloseInput is a no-op: WebSocket has no read half-close.
func (s *wsStream) CloseInput() error {
	return nil
}

func (s *wsStream) Close() error {
	s.stopPing()
	return s.conn.Close()
}

func (s *wsStream) RemoteAddr() string {
	return s.remote
}
