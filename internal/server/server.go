package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygatehq/keygate/internal/handler"
	"github.com/keygatehq/keygate/internal/keys"
	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	APIKeyHeader    string
	LoginRatePerMin int
	SweepInterval   time.Duration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		APIKeyHeader:    "X-API-Key",
		LoginRatePerMin: 30,
		SweepInterval:   time.Hour,
	}
}

// Server is the top-level HTTP server for Keygate. It owns the Chi router,
// the key store, the verifier, and the admin authentication service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	verifier   *keys.Verifier
	registry   *keys.Registry
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, verifier *keys.Verifier, registry *keys.Registry, authSvc *service.AuthService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		verifier: verifier,
		registry: registry,
		authSvc:  authSvc,
		logger:   logger,
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
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader, "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	sessionHandler := handler.NewSessionHandler(s.authSvc)
	verifyHandler := handler.NewVerifyHandler(s.verifier, s.logger)
	keysHandler := handler.NewKeysHandler(s.store, s.registry, s.verifier.Prefix(), s.logger)

	r.Route("/v1", func(r chi.Router) {

		// Unauthenticated entry points, throttled per client IP.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(s.cfg.LoginRatePerMin))
			r.Post("/admin/session", sessionHandler.Login)
			r.Post("/auth/verify", verifyHandler.Verify)
		})

		// Key management requires an admin session.
		r.Route("/keys", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.authSvc))
			r.Post("/", keysHandler.Create)
			r.Get("/", keysHandler.List)
			r.Get("/{keyID}", keysHandler.Get)
			r.Patch("/{keyID}", keysHandler.Update)
			r.Delete("/{keyID}", keysHandler.Delete)
		})

		// Portfolio resources, each guarded by a scoped key check. Verification
		// consumes the key's quota, so only requests that reach the handler
		// count against it.
		s.resource(r, "/watchlist", "watchlist")
		s.resource(r, "/portfolio", "portfolio")
		s.resource(r, "/transactions", "transactions")
		s.resource(r, "/goals", "goals")
	})

	s.router = r
}

// resource mounts a read and a write route for one scope.
func (s *Server) resource(r chi.Router, pattern, scope string) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.verifier, s.cfg.APIKeyHeader, scope, "read"))
		r.Get(pattern, handler.Resource(scope, "read"))
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(s.verifier, s.cfg.APIKeyHeader, scope, "write"))
		r.Post(pattern, handler.Resource(scope, "write"))
	})
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","store":"` + "unreachable" + `"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","store":"ok"}`))
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before closing the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodically purge keys whose expiration has passed. Verification also
	// deletes expired keys on contact, so the sweep only catches keys nobody
	// presents anymore.
	go s.sweepExpired(ctx)

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) sweepExpired(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredKeys(ctx, time.Now())
			if err != nil {
				s.logger.Error("expired key sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.ExpiredKeysDeleted.Add(float64(n))
				s.logger.Info("expired keys purged", "count", n)
			}
		}
	}
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
