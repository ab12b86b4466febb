// Package client is the interactive terminal side of the relay: it prints
// every line the server sends and forwards every line typed on stdin.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gookit/color"
)

// Options tune how received lines are rendered.
type Options struct {
	// Colors highlights server notices; disable when output is not a terminal.
	Colors bool
}

// Dial connects to the relay at host:port.
func Dial(ctx context.Context, host, port string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%s: %w", host, port, err)
	}
	return conn, nil
}

// Run pumps lines between conn and the terminal until the server closes the
// connection or ctx is done. End of input half-closes the connection and
// keeps printing until the server hangs up.
func Run(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer, opts Options) error {
	received := make(chan error, 1)
	go func() {
		received <- printLines(conn, out, opts)
	}()

	go func() {
		forwardLines(in, conn)
	}()

	select {
	case err := <-received:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		<-received
		return ctx.Err()
	}
}

func printLines(conn net.Conn, out io.Writer, opts Options) error {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(out, Render(scanner.Text(), opts)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func forwardLines(in io.Reader, conn net.Conn) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if _, err := io.WriteString(conn, scanner.Text()+"\n"); err != nil {
			return
		}
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// Render styles one received line. Chat lines ("name: text") are left as is.
func Render(line string, opts Options) string {
	if !opts.Colors {
		return line
	}
	switch {
	case strings.HasPrefix(line, "---"):
		return color.New(color.FgCyan, color.OpBold).Render(line)
	case line == "[sent]":
		return color.FgGray.Render(line)
	case strings.HasSuffix(line, " is online"), strings.HasSuffix(line, " has logged off"):
		return color.FgYellow.Render(line)
	case strings.HasPrefix(line, "Please enter"), strings.HasPrefix(line, "Username '"),
		strings.HasPrefix(line, "Invalid username"), strings.HasPrefix(line, "unknown command"):
		return color.FgMagenta.Render(line)
	default:
		return line
	}
}
