// Package server exposes the OpenAI-compatible HTTP surface: the chat
// completion endpoint in streaming and collected form, the model catalog,
// health, and Prometheus exposition.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/ratelimit"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/routing"
	"github.com/haasonsaas/switchboard/internal/sandbox"
	"github.com/haasonsaas/switchboard/internal/stream"
	"github.com/haasonsaas/switchboard/internal/types"
)

// maxBodyBytes limits the size of incoming request bodies.
const maxBodyBytes = 10 * 1024 * 1024

// Dispatcher runs one chat request end to end. The production
// implementation is *dispatch.Dispatcher.
type Dispatcher interface {
	Handle(ctx context.Context, req *types.ChatCompletionRequest) (<-chan stream.Event, routing.Decision, error)
}

// PoolStats reports warm pool readiness for the health endpoint.
type PoolStats interface {
	Stats() map[string]sandbox.FlavorStats
}

// Server is the HTTP front of the switchboard.
type Server struct {
	cfg        config.ServerConfig
	dispatcher Dispatcher
	registry   *registry.Registry
	pool       PoolStats
	limiter    *ratelimit.Limiter
	logger     *observability.Logger
	metrics    *observability.Metrics
	httpServer *http.Server
}

// New builds the server with all routes registered.
func New(cfg config.ServerConfig, d Dispatcher, reg *registry.Registry, pool PoolStats, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Streams run up to the ten minute global timeout; leave headroom.
		cfg.WriteTimeout = 11 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		registry:   reg,
		pool:       pool,
		logger:     logger,
		metrics:    metrics,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.RateLimit)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the fully wrapped route handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = authMiddleware(s.cfg.AuthToken, handler)
	handler = rateLimitMiddleware(s.limiter, handler)
	handler = accessLogMiddleware(s.logger, s.metrics, handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
