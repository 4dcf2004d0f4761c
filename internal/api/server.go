package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/ratelimit"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *fraud.Service, limiter *ratelimit.Limiter, store domain.Store, bus domain.EventBus, reviews domain.ReviewRepository, engine *rules.Engine, version string) *Server {
	metrics := NewMetrics()
	handler := NewHandler(svc, limiter, store, bus, reviews, engine, metrics, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)          // CORS for browser clients
	router.Use(RecoverMiddleware)       // Recover from panics
	router.Use(ClientIPMiddleware)      // Resolve client IP
	router.Use(TracingMiddleware)       // OpenTelemetry tracing
	router.Use(LoggingMiddleware)       // Request logging
	router.Use(MetricsMiddleware(metrics))
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints, exempt from admission control.
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes behind the blocklist and rate limiter.
	router.Route("/v1", func(r chi.Router) {
		r.Use(BlocklistMiddleware(store, cfg.BlockedIPs))
		r.Use(RateLimitMiddleware(limiter, metrics))

		// Fraud checks
		r.Post("/checks/demo", handler.CheckDemo)
		r.Post("/checks/payment", handler.CheckPayment)
		r.Post("/checks/bot", handler.CheckBot)

		// Explicit admission control
		r.Post("/ratelimit/check", handler.CheckRateLimit)

		// Usage recording, gated against automated clients.
		r.Group(func(r chi.Router) {
			r.Use(BotGateMiddleware(svc, metrics))
			r.Post("/usage/demo", handler.RegisterDemo)
			r.Post("/usage/payment", handler.RecordPayment)
			r.Post("/usage/registration", handler.RecordRegistration)
		})

		// Threshold management
		r.Get("/limits", handler.GetLimits)
		r.Put("/limits", handler.UpdateLimits)

		// Operator rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Review sink
		r.Get("/reviews", handler.ListReviews)
		r.Get("/reviews/{id}", handler.GetReview)

		// IP blocklist
		r.Post("/blocklist", handler.BlockIP)
		r.Delete("/blocklist/{ip}", handler.UnblockIP)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
