package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/launchpad/internal/backend"
	"github.com/seantiz/launchpad/internal/controller"
	"github.com/seantiz/launchpad/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Controllers is the view of the running controllers the agent API serves.
type Controllers interface {
	Controllers() []*controller.Controller
	Controller(name string) (*controller.Controller, bool)
}

// Server wraps the chi router and application dependencies. A queue server
// has a store; an agent has controllers and a backend registry. Routes are
// mounted for whichever is present.
type Server struct {
	router      *chi.Mux
	store       store.Store
	controllers Controllers
	registry    *backend.Registry
	logger      *slog.Logger
	addr        string
}

// Option configures a Server.
type Option func(*Server)

// WithStore mounts the job-set queue routes backed by s.
func WithStore(s store.Store) Option {
	return func(srv *Server) { srv.store = s }
}

// WithControllers mounts the agent status routes.
func WithControllers(c Controllers, reg *backend.Registry) Option {
	return func(srv *Server) {
		srv.controllers = c
		srv.registry = reg
	}
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		logger: logger,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	if s.store != nil {
		s.router.Get("/v1/stats", s.handleGetStats)
		s.router.Route("/v1/jobsets/{entity}/{project}/{name}", func(r chi.Router) {
			r.Post("/items", s.handleEnqueue)
			r.Get("/items", s.handleListPending)
			r.Post("/items/pop", s.handlePop)
			r.Post("/items/{id}/lease", s.handleLease)
			r.Post("/items/{id}/ack", s.handleAck)
			r.Post("/items/{id}/fail", s.handleFail)
			r.Get("/runs", s.handleListRuns)
		})
		s.router.Put("/v1/runs/{id}", s.handleUpsertRun)
		s.router.Get("/v1/runs/{id}", s.handleGetRun)
	}

	if s.controllers != nil {
		s.router.Get("/v1/backends", s.handleListBackends)
		s.router.Get("/v1/controllers", s.handleListControllers)
		s.router.Route("/v1/controllers/{entity}/{project}/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetController)
			r.Get("/runs", s.handleListActiveRuns)
			r.Get("/events", s.handleStreamEvents)
		})
	}
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
