package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visiongate/visiongate/internal/classifier"
	"github.com/visiongate/visiongate/internal/handler"
	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/openapi"
	"github.com/visiongate/visiongate/internal/ratelimit"
	"github.com/visiongate/visiongate/internal/server/middleware"
	"github.com/visiongate/visiongate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	KeyHeader       string
	// AdminRequestsPerMinute caps admin routes per client IP. Zero disables it.
	AdminRequestsPerMinute int
	// TrustedProxies are the peers whose forwarding headers name the client.
	// Empty means the connection's peer address is always the client.
	TrustedProxies []netip.Prefix
	Version        string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		ShutdownTimeout:        30 * time.Second,
		CORSOrigins:            []string{"*"},
		MaxBodySize:            10 * 1024 * 1024, // 10MB
		KeyHeader:              middleware.DefaultKeyHeader,
		AdminRequestsPerMinute: 30,
		Version:                "dev",
	}
}

// Deps are the collaborators the server routes requests to. Limiter,
// Classifier and History may be nil: a nil limiter disables per-client
// limiting, a nil classifier makes /api/v1/classify answer 503 and a nil
// history leaves results unrecorded.
type Deps struct {
	Keys       *service.KeyManager
	Limiter    ratelimit.Limiter
	Classifier classifier.Classifier
	History    *service.History
	Logger     *slog.Logger
}

// Server is the top-level HTTP server. It owns the chi router and routes
// every protected request through the access control guard.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps) *Server {
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = middleware.DefaultKeyHeader
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) guard(permission string, checkIP bool) func(http.Handler) http.Handler {
	return middleware.Guard(s.deps.Keys, s.deps.Limiter, middleware.GuardOptions{
		Permission: permission,
		CheckIP:    checkIP,
		KeyHeader:  s.cfg.KeyHeader,
		Logger:     s.logger,
	})
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP(s.cfg.TrustedProxies))
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Instrument)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(s.cfg.MaxBodySize))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", s.cfg.KeyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(chimw.Compress(5))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// --- Health checks, metrics and API description (no auth required) ---
	health := handler.NewHealthHandler(s.deps.Keys, s.cfg.Version)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	keys := handler.NewKeyHandler(s.deps.Keys, s.logger)
	classify := handler.NewClassifyHandler(s.deps.Classifier, s.deps.History, s.logger)
	history := handler.NewHistoryHandler(s.deps.History, s.logger)

	// --- API routes ---
	// Guards are attached per route with With so that usage is logged
	// under the full route pattern even when access is denied.
	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.guard(model.PermClassify, true)).Post("/classify", classify.Classify)

		read := r.With(s.guard(model.PermRead, false))
		read.Get("/categories", classify.Categories)
		read.Get("/history", history.List)
		read.Get("/history/{id}", history.Get)

		// Self-service key endpoints
		read.Get("/keys/info", keys.Info)
		read.Get("/keys/stats", keys.Stats)

		// Key administration
		r.Route("/admin", func(r chi.Router) {
			if s.cfg.AdminRequestsPerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.AdminRequestsPerMinute))
			}
			admin := r.With(s.guard(model.PermAdmin, false))

			admin.Get("/keys", keys.List)
			admin.Post("/keys", keys.Create)
			admin.Post("/keys/update", keys.Update)
			admin.Post("/keys/revoke", keys.Revoke)
			admin.Post("/keys/delete", keys.Delete)
			admin.Post("/keys/stats", keys.KeyStats)
			admin.Post("/users/{userID}/revoke", keys.RevokeUser)
		})
	})

	s.router = r
}

// handleOpenAPI serves the generated API description. The server URL is
// derived from the request so the document works behind proxies.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	doc := openapi.Generate(openapi.Options{
		BaseURL:   scheme + "://" + r.Host,
		Version:   s.cfg.Version,
		KeyHeader: s.cfg.KeyHeader,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
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

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
