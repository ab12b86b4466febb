// Package server exposes HTTP handlers: the WebSocket gateway into the
// relay and the health check.
package server

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests and runs the connection as a
// Session sharing names and broadcasts with raw socket clients.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	s.ServeWebSocket(conn, r.RemoteAddr)
}

// HealthHandler reports that the relay is up and how many users are online.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := fmt.Fprintf(w, "Chat relay is running! Users online: %d", s.registry.CountActive()); err != nil {
		s.log.Debug("error writing health response", zap.Error(err))
	}
}
