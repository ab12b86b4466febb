package server

import "errors"

var (
	// ErrSessionClosed is returned when writing to a session that has been torn down.
	ErrSessionClosed = errors.New("session closed")
	// ErrServerClosed is returned by Serve after Shutdown has been called.
	ErrServerClosed = errors.New("server closed")
	// ErrInvalidPort is returned when the listening port argument is malformed.
	ErrInvalidPort = errors.New("invalid port number")
	// ErrLineTooLong is returned by a stream when a client line exceeds the configured limit.
	ErrLineTooLong = errors.New("line too long")
)
