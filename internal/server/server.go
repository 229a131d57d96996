// Package server provides the HTTP surface of the engine: cycle lifecycle,
// pipeline inspection, risk events and health.
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

	"github.com/aristath/catalyst/internal/clients"
	"github.com/aristath/catalyst/internal/cycle"
	"github.com/aristath/catalyst/internal/health"
	"github.com/aristath/catalyst/internal/riskparams"
	"github.com/aristath/catalyst/internal/store"
	"github.com/aristath/catalyst/pkg/logger"
)

// Config holds server configuration.
type Config struct {
	Log     zerolog.Logger
	Gateway *store.Gateway
	Engine  *cycle.Engine
	Monitor *health.Monitor
	Client  *clients.Client
	Params  *riskparams.Cache
	Port    int
	DevMode bool
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	gateway *store.Gateway
	engine  *cycle.Engine
	monitor *health.Monitor
	client  *clients.Client
	params  *riskparams.Cache
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     logger.Component(cfg.Log, "server"),
		gateway: cfg.Gateway,
		engine:  cfg.Engine,
		monitor: cfg.Monitor,
		client:  cfg.Client,
		params:  cfg.Params,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe, deliberately cheap.
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/cycles", func(r chi.Router) {
			r.Post("/", s.handleStartCycle)
			r.Get("/active", s.handleActiveCycle)

			r.Route("/{cycleID}", func(r chi.Router) {
				r.Get("/", s.handleGetCycle)
				r.Post("/pause", s.handlePauseCycle)
				r.Post("/resume", s.handleResumeCycle)
				r.Post("/stop", s.handleStopCycle)
				r.Post("/complete", s.handleCompleteCycle)
				r.Post("/emergency-stop", s.handleEmergencyStop)
				r.Get("/positions", s.handlePositions)
				r.Get("/orders", s.handleOrders)
				r.Get("/scans", s.handleScans)
			})
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/events", s.handleRiskEvents)
			r.Post("/events/{eventID}/ack", s.handleAcknowledgeEvent)
			r.Get("/parameters", s.handleRiskParameters)
			r.Put("/parameters/{name}", s.handleUpsertParameter)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
