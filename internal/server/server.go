// Package server exposes the orchestrator over HTTP: a WebSocket endpoint
// streaming chat frames, a thin REST surface for one-shot chat and
// conversation CRUD, and the operational endpoints (health, metrics).
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/averlon/parley/internal/health"
	"github.com/averlon/parley/internal/observe"
	"github.com/averlon/parley/internal/orchestrator"
	"github.com/averlon/parley/pkg/store"
)

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithHealth registers the health handler's /healthz and /readyz endpoints.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics wraps every route in the observability middleware and serves
// the Prometheus scrape endpoint at /metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithAllowedOrigins permits cross-origin WebSocket connections from the
// given host patterns (e.g., "app.example.com", "*.example.com"). Without
// this option only same-origin requests are accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// Server serves the chat API. Construct with [New], mount via [Server.Handler].
type Server struct {
	orch    *orchestrator.Orchestrator
	store   store.Store
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	allowedOrigins []string
}

// New creates a server over the given orchestrator and store.
func New(orch *orchestrator.Orchestrator, st store.Store, opts ...Option) *Server {
	s := &Server{
		orch:  orch,
		store: st,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the http.Handler serving all endpoints:
//
//	GET    /ws/chat                    — WebSocket chat stream
//	POST   /api/chat                   — one-shot chat, concatenated response
//	GET    /api/conversations          — list a user's conversations
//	GET    /api/conversations/{id}     — conversation with recent messages
//	DELETE /api/conversations/{id}     — delete conversation and messages
//	GET    /healthz, /readyz           — when a health handler is configured
//	GET    /metrics                    — when metrics are configured
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat", s.handleWS)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}
