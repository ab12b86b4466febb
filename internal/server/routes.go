// Package server wires HTTP handlers into a ServeMux for the relay gateway.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with the health check
// and the WebSocket endpoint.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
