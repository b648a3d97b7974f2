// Package server implements the conductor HTTP server: REST API, live
// event channel and the caller identity boundary.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/config"
	"github.com/GoCodeAlone/conductor/server/api"
)

// Deps are the services the server exposes.
type Deps struct {
	Orchestrator api.Orchestrator
	Tasks        api.Tasks
	Agents       api.Agents
	Tools        api.Tools
	Webhooks     api.Webhooks
	Events       api.Events
	Bus          comms.Source
}

// Server is the conductor HTTP server.
type Server struct {
	cfg     config.ServerConfig
	auth    config.AuthConfig
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger
	limiter *rateLimiter

	handlers  *api.Handlers
	startTime time.Time
}

// New creates a Server and registers its routes.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg.Server,
		auth:      cfg.Auth,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(cfg.Server.RateLimitPerMinute)
	}
	s.registerRoutes(deps)

	readHeader := cfg.Server.ReadHeaderTimeout.Std()
	if readHeader <= 0 {
		readHeader = 15 * time.Second
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
	}
	return s
}

// Handler returns the root handler with the identity middleware applied.
func (s *Server) Handler() http.Handler {
	return s.identity(s.mux)
}

// Start begins listening on the configured address. It returns nil once
// Stop has shut the server down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes(deps Deps) {
	h := &api.Handlers{
		Orchestrator: deps.Orchestrator,
		Tasks:        deps.Tasks,
		Agents:       deps.Agents,
		Tools:        deps.Tools,
		Webhooks:     deps.Webhooks,
		Events:       deps.Events,
		Bus:          deps.Bus,
		Logger:       s.logger,
		StartedAt:    s.startTime,
	}
	if s.limiter != nil {
		h.CommandLimit = s.limiter.middleware
	}
	s.handlers = h

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	h.RegisterRoutes(s.mux)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
