// Package server exposes the operator command surface over HTTP and the
// event stream over WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/windowarb/internal/domain"
	"github.com/alanyoungcy/windowarb/internal/server/handler"
	"github.com/alanyoungcy/windowarb/internal/server/middleware"
	"github.com/alanyoungcy/windowarb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Limiter, when set, caps each client IP to RateLimit requests per
	// minute on the authenticated routes.
	Limiter   domain.RateLimiter
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Audit, Metrics and Hub are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Engine    *handler.EngineHandler
	Positions *handler.PositionHandler
	Orders    *handler.OrderHandler
	Ledger    *handler.LedgerHandler
	Bankroll  *handler.BankrollHandler
	Audit     *handler.AuditHandler
	Metrics   http.Handler
	Hub       *ws.Hub
}

// Server is the headless HTTP + WebSocket command server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
// /health and /metrics are unauthenticated; /api/* and /ws require the API
// key when one is configured.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/engine/start", h.Engine.Start)
	api.HandleFunc("POST /api/engine/stop", h.Engine.Stop)
	api.HandleFunc("GET /api/engine/status", h.Engine.Status)

	api.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	api.HandleFunc("GET /api/positions/{id}", h.Positions.GetPosition)
	api.HandleFunc("POST /api/positions/{id}/flatten", h.Positions.Flatten)
	api.HandleFunc("GET /api/halts", h.Positions.ListHalts)
	api.HandleFunc("POST /api/halts/{key}/clear", h.Positions.ClearHalt)

	api.HandleFunc("POST /api/orders/{id}/cancel", h.Orders.CancelOrder)

	api.HandleFunc("GET /api/ledger", h.Ledger.Range)
	api.HandleFunc("GET /api/ledger/stream", h.Ledger.Stream)
	api.HandleFunc("GET /api/bankroll", h.Bankroll.Snapshot)

	if h.Audit != nil {
		api.HandleFunc("GET /api/audit", h.Audit.List)
	}
	if h.Hub != nil {
		api.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var protected http.Handler = api
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		protected = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute, logger)(protected)
	}
	protected = middleware.Auth(cfg.APIKey, logger)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", h.Health.HealthCheck)
	if h.Metrics != nil {
		root.Handle("GET /metrics", h.Metrics)
	}
	root.Handle("/api/", protected)
	root.Handle("/ws", protected)

	var chain http.Handler = root
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      chain,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
