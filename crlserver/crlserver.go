// Package crlserver is a trivial static-byte HTTP responder for a CRL
// file (§1, §6), started only when Proxy.CrlPort is non-zero.
package crlserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// Server serves pre-loaded CRL bytes over plain HTTP.
type Server struct {
	httpServer *http.Server
	ln         net.Listener
}

// New reads crlFile once and returns a Server bound to port, ready to
// Start.
func New(port int, crlFile string, log *zap.Logger) (*Server, error) {
	body, err := os.ReadFile(crlFile)
	if err != nil {
		return nil, fmt.Errorf("crlserver: read %s: %w", crlFile, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(body)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort("", strconv.Itoa(port)),
			Handler: mux,
		},
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("crlserver: bind %s: %w", s.httpServer.Addr, err)
	}
	s.ln = ln
	go s.httpServer.Serve(ln)
	return nil
}

// Stop gracefully shuts the responder down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
