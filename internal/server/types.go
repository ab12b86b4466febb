// Package server defines the line protocol texts and utility helpers that
// are reused across session, command and acceptor logic.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"unicode"
)

// CommandSigil marks a line as an administrative command rather than chat text.
const CommandSigil = ";"

// Protocol lines sent by the relay.
const (
	BannerLine     = "--- Connected to Server ---"
	UsernamePrompt = "Please enter a unique username:-"
	AckMarker      = "[sent]"
	ServerFullLine = "Server is full, try again later"
	ShutdownLine   = "Server is shutting down"
	UnknownCommand = "unknown command: type ';h' for help"
	Unavailable    = "unavailable"
	RejectedText   = "Message not sent: control characters are not allowed"
)

func onlineNotice(name string) string {
	return name + " is online"
}

func logoffNotice(name string) string {
	return name + " has logged off"
}

// hasControlChars reports whether text carries a control character other
// than tab. A stray \r or escape sequence would let a sender rewrite what
// recipients' terminals display.
func hasControlChars(text string) bool {
	return strings.IndexFunc(text, func(r rune) bool {
		return r != '\t' && unicode.IsControl(r)
	}) >= 0
}

func chatLine(name, text string) string {
	return name + ": " + text
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
