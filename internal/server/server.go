package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/kiln/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	addr     string
	port     int // actual port after binding (useful when using :0)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8000" or ":0").
	Addr string
	// Handler serves the routes (required).
	Handler *Handler
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of
	// the response. Zero means no timeout, which WebSocket connections
	// require.
	WriteTimeout time.Duration
}

// NewServer creates an API server. If Addr uses port 0 the OS assigns an
// available port; use Port() to read it.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	// Create the listener first so the actual port is known before
	// Start is called.
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  cfg.Handler,
		addr:     cfg.Addr,
		port:     port,
		listener: listener,
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Start serves HTTP. It blocks until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "Starting API server", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "Stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
