// Package server exposes evaluation runs and stored results over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knoguchi/scout/internal/auth"
	"github.com/knoguchi/scout/internal/evaluation"
	"github.com/knoguchi/scout/internal/metrics"
	"github.com/knoguchi/scout/internal/repository"
)

// Store is the read side of persistence used by the API.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*repository.Project, error)
	ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]*repository.Project, error)
	ListCriteria(ctx context.Context, filter repository.CriterionFilter) ([]*repository.Criterion, error)
	ListResults(ctx context.Context, projectID uuid.UUID) ([]*repository.Result, error)
}

// Runner runs an evaluation. *evaluation.Runner implements it.
type Runner interface {
	Run(ctx context.Context, project *repository.Project, criteria []*repository.Criterion, opts evaluation.RunOptions) (*evaluation.Report, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins

	// Auth guards /v1. Nil serves /v1 unauthenticated.
	Auth *auth.Authenticator

	// Readiness maps a dependency name to its check.
	Readiness map[string]Pinger

	DefaultK    int
	EvalTimeout time.Duration
}

// HTTPServer wraps an HTTP server with the API routes mounted
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger

	store  Store
	runner Runner
	cfg    HTTPServerConfig

	// running holds project IDs with an evaluation in flight.
	running sync.Map
}

// NewHTTPServer creates the server and mounts all routes.
func NewHTTPServer(cfg HTTPServerConfig, store Store, runner Runner) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = evaluation.DefaultK
	}

	s := &HTTPServer{
		logger: logger,
		store:  store,
		runner: runner,
		cfg:    cfg,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(metrics.Middleware)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", s.readinessCheckHandler())
	router.Handle("/metrics", promhttp.Handler())

	requireScope := func(scope string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Auth != nil {
		requireScope = auth.RequireScope
	}

	router.Route("/v1", func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Middleware)
		}
		r.Group(func(r chi.Router) {
			r.Use(requireScope(auth.ScopeRead))
			r.Get("/projects", s.listProjects)
			r.Get("/projects/{id}", s.getProject)
			r.Get("/projects/{id}/criteria", s.listCriteria)
			r.Get("/projects/{id}/results", s.listResults)
		})
		r.With(requireScope(auth.ScopeEvaluate)).
			Post("/projects/{id}/evaluations", s.runEvaluation)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(cfg.EvalTimeout),
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// writeTimeout leaves a minute past the evaluation deadline for the
// response. Evaluations run inside the request, so an unbounded evaluation
// gets no write timeout.
func writeTimeout(evalTimeout time.Duration) time.Duration {
	if evalTimeout <= 0 {
		return 0
	}
	return evalTimeout + time.Minute
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler pings every configured dependency.
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(s.cfg.Readiness))
		ready := true
		for name, p := range s.cfg.Readiness {
			if err := p.Ping(ctx); err != nil {
				s.logger.Warn("readiness check failed", "dependency", name, "error", err)
				checks[name] = err.Error()
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "checks": checks})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
