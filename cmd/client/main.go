// Command client is the interactive terminal for the line chat relay.
//
//	client [host port]
//
// When host and port are not given they are read from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Tyrowin/linechat/internal/client"
	"github.com/gookit/color"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	stdin := bufio.NewReader(os.Stdin)

	host, port, err := target(args, stdin, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = client.Run(ctx, conn, stdin, os.Stdout, client.Options{Colors: color.SupportColor()})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// target resolves the server address from args or by prompting.
func target(args []string, in *bufio.Reader, out io.Writer) (string, string, error) {
	if len(args) == 2 {
		return args[0], args[1], nil
	}
	if len(args) != 0 {
		return "", "", fmt.Errorf("usage: client [host port]")
	}

	host, err := prompt(in, out, "Please enter the IP address of the server: ")
	if err != nil {
		return "", "", err
	}
	port, err := prompt(in, out, "Enter the port number of the server: ")
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

func prompt(in *bufio.Reader, out io.Writer, question string) (string, error) {
	fmt.Fprint(out, question)
	answer, err := in.ReadString('\n')
	if err != nil && answer == "" {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}
