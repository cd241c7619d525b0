// Package web exposes the daemon's HTTP facade: streaming chat,
// one-shot runs, document management, and status endpoints.
package web

import (
	"log/slog"
	"net/http"

	"github.com/tomluvoe/agentgw/internal/config"
	"github.com/tomluvoe/agentgw/internal/cron"
	"github.com/tomluvoe/agentgw/internal/service"
)

// Server is the HTTP facade over a service instance.
type Server struct {
	cfg       *config.Config
	svc       *service.Service
	scheduler *cron.Scheduler
	logger    *slog.Logger
	version   string
	mux       *http.ServeMux
	metrics   *metrics
}

// Options configures the server. Scheduler is optional; without it the
// status endpoint reports the scheduler as disabled.
type Options struct {
	Config    *config.Config
	Service   *service.Service
	Scheduler *cron.Scheduler
	Logger    *slog.Logger
	Version   string
}

// NewServer builds the facade and its routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		cfg:       opts.Config,
		svc:       opts.Service,
		scheduler: opts.Scheduler,
		logger:    logger.With("component", "web"),
		version:   version,
		mux:       http.NewServeMux(),
		metrics:   newMetrics(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/run", s.handleRun)
	s.mux.HandleFunc("POST /api/route", s.handleRoute)
	s.mux.HandleFunc("POST /api/ingest", s.handleIngest)
	s.mux.HandleFunc("POST /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	s.mux.HandleFunc("DELETE /api/documents", s.handleDeleteDocuments)
	s.mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /api/skills", s.handleSkills)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleSessionMessages)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /daemon/status", s.handleDaemonStatus)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
}

// Handler returns the mux with middleware applied: request logging,
// metrics, and bearer auth on /api/ when an API key is configured.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = AuthMiddleware(s.cfg.Auth.APIKey, s.logger)(handler)
	handler = s.metrics.middleware(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	return handler
}
