// Package server implements the line chat relay: the Registry of claimed
// names and live sessions, the per-connection Session state machine, the
// command table, the Broadcaster and the acceptor.
//
// Raw stream sockets and WebSocket connections are both adapted into a
// line-oriented Stream, so every client shares one Registry regardless of
// transport.
package server
