package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/veo"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 2 * time.Minute

	// sessionHeader identifies the client session for single-flight checks.
	sessionHeader = "X-Reel-Session"
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	engine *engine.Engine
	creds  *veo.SelectableCredentials
	logger *slog.Logger
	addr   string

	// eventPollInterval is how often SSE streams re-read the store for
	// events written by another process.
	eventPollInterval time.Duration

	queue QueueDepth
}

// QueueDepth reports how many generations wait in the work queue.
type QueueDepth interface {
	Len(ctx context.Context) (int64, error)
}

// NewServer creates and configures a new HTTP server. creds may be nil when
// the key is fixed by configuration.
func NewServer(addr string, s store.Store, eng *engine.Engine, creds *veo.SelectableCredentials, logger *slog.Logger) *Server {
	srv := &Server{
		router:            chi.NewRouter(),
		store:             s,
		engine:            eng,
		creds:             creds,
		logger:            logger,
		addr:              addr,
		eventPollInterval: time.Second,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", sessionHeader},
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
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/credentials", s.handleGetCredentials)
	s.router.Put("/v1/credentials", s.handlePutCredentials)

	s.router.Route("/v1/generations", func(r chi.Router) {
		r.Post("/", s.handleCreateGeneration)
		r.Get("/", s.handleListGenerations)
		r.Get("/{id}", s.handleGetGeneration)
		r.Get("/{id}/video", s.handleGetVideo)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/events/history", s.handleGetEventHistory)
		r.Delete("/{id}", s.handleReleaseGeneration)
	})
}

// SetQueue makes /v1/stats report the depth of q.
func (s *Server) SetQueue(q QueueDepth) {
	s.queue = q
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
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

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"session", sessionID(r),
		)
	})
}
