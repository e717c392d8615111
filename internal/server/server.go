package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tollcounter/tollcounter/internal/config"
	"github.com/tollcounter/tollcounter/internal/handler"
	"github.com/tollcounter/tollcounter/internal/ratelimit"
	"github.com/tollcounter/tollcounter/internal/server/middleware"
	"github.com/tollcounter/tollcounter/internal/service"
	"github.com/tollcounter/tollcounter/internal/usage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	// FloodPerMinute is a router-wide per-IP backstop applied before any
	// policy-level limiter. Zero disables it.
	FloodPerMinute int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		FloodPerMinute:  600,
	}
}

// Server is the top-level HTTP gateway. It owns the Chi router, the
// configuration store, the authentication service, the policy rate
// limiters, and the async usage recorder. Requests to the protected API
// surface are proxied to the backend handler after the access policy,
// rate limit, and metering middleware have run.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *config.Store
	authSvc    *service.AuthService
	recorder   *usage.Recorder
	generalRL  *ratelimit.Limiter
	adminRL    *ratelimit.Limiter
	backend    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
// backend receives requests that pass the protected-route policies.
func New(cfg Config, store *config.Store, authSvc *service.AuthService, recorder *usage.Recorder, generalRL, adminRL *ratelimit.Limiter, backend http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		authSvc:   authSvc,
		recorder:  recorder,
		generalRL: generalRL,
		adminRL:   adminRL,
		backend:   backend,
		logger:    logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.FloodPerMinute > 0 {
		r.Use(middleware.FloodLimit(s.cfg.FloodPerMinute))
	}

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- API routes ---
	r.Route("/v1", func(r chi.Router) {

		// Admin surface: key lifecycle and account-wide usage. A tighter
		// limiter and the admin policy gate every route in the group.
		r.Route("/admin", func(r chi.Router) {
			adminHandler := handler.NewAdminHandler(s.store, s.logger)

			r.Use(middleware.RateLimit(s.adminRL))
			r.Use(middleware.RequireToken(s.authSvc))
			r.Use(middleware.RequireAdmin())

			r.Post("/api-keys", adminHandler.CreateAPIKey)
			r.Get("/api-keys", adminHandler.ListAPIKeys)
			r.Delete("/api-keys/{keyID}", adminHandler.RevokeAPIKey)
			r.Get("/usage", adminHandler.ListUsage)
		})

		// Protected backend surface. Every route here is metered; the
		// access policy varies per route family.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.generalRL))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireKey(s.authSvc))
				r.Use(middleware.Meter(s.recorder))
				r.Handle("/chat/*", s.backend)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.OptionalAuth(s.authSvc))
				r.Use(middleware.Meter(s.recorder))
				r.Handle("/models", s.backend)
				r.Handle("/models/*", s.backend)
			})

			// Callers inspect their own usage; not metered itself.
			r.Group(func(r chi.Router) {
				usageHandler := handler.NewUsageHandler(s.store, s.logger)
				r.Use(middleware.RequireToken(s.authSvc))
				r.Get("/usage", usageHandler.ListOwn)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the configuration
// store is reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests and flushing queued usage records before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Flush whatever usage the workers have not persisted yet.
	if err := s.recorder.Close(shutdownCtx); err != nil {
		s.logger.Warn("usage recorder drain incomplete", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
