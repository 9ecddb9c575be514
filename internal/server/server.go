// Package server provides the HTTP server and routing for the trainer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/qtrainer/internal/config"
	"github.com/aristath/qtrainer/internal/di"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container // DI container with all services
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	systemHandlers *SystemHandlers
	startedAt      time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
		startedAt: time.Now(),
	}

	var worker WorkerProcess
	if cfg.Container.Supervisor != nil {
		worker = cfg.Container.Supervisor
	}
	s.systemHandlers = NewSystemHandlers(cfg.Log, cfg.Config.DataDir, cfg.Container.StateDB, worker)
	if cfg.Container.Archiver != nil {
		s.systemHandlers.SetArchives(cfg.Container.Archiver)
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	// Streams and uploads are long-lived, so only headers and idle
	// connections are bounded.
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Router exposes the configured router (used by tests)
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	eventsStreamHandler := NewEventsStreamHandler(s.container.EventBus, s.log)
	s.router.Get("/api/events/stream", eventsStreamHandler.ServeHTTP)

	s.router.Get("/api/system/status", s.systemHandlers.HandleSystemStatus)
	s.router.Get("/api/system/database", s.systemHandlers.HandleDatabaseStats)
	s.router.Get("/api/system/disk", s.systemHandlers.HandleDiskUsage)
	s.router.Get("/api/archives", s.systemHandlers.HandleArchives)

	s.container.DatasetHandler.RegisterRoutes(s.router)
	s.container.TrainingHandler.RegisterRoutes(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Status polling is frequent; keep it out of info logs.
		evt := s.log.Info()
		if r.URL.Path == "/training-status" || r.URL.Path == "/health" {
			evt = s.log.Debug()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
