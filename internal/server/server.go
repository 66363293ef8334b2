// Package server exposes the timer registry over HTTP: a REST surface for
// start/stop/list, a polling status endpoint, and two push channels
// (WebSocket and server-sent events).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/tickcast/internal/registry"
)

// Config holds configuration for the HTTP server.
type Config struct {
	Addr              string
	WriteTimeout      time.Duration // per-message write deadline on push channels
	HeartbeatInterval time.Duration // ping / comment interval on push channels
	MaxSeconds        int64         // upper bound accepted by POST /api/timers
	Metrics           http.Handler  // served at /metrics when non-nil
	Logger            *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxSeconds <= 0 {
		c.MaxSeconds = 86400
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the HTTP request surface.
type Server struct {
	cfg    Config
	log    *slog.Logger
	reg    *registry.Registry
	mux    *http.ServeMux
	server *http.Server
}

// New creates a server over reg.
func New(reg *registry.Registry, cfg Config) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg: cfg,
		log: cfg.Logger,
		reg: reg,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/timers", s.handleStart)
	s.mux.HandleFunc("GET /api/timers", s.handleList)
	s.mux.HandleFunc("DELETE /api/timers/{id}", s.handleStop)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", s.cfg.Metrics)
	}
}

// Handler returns the root handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Push channels end when the hub is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
