package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/edvin/boosterclub/internal/api/handler"
	mw "github.com/edvin/boosterclub/internal/api/middleware"
	"github.com/edvin/boosterclub/internal/metrics"
)

// ServerConfig holds the credentials and limits applied to the routes.
type ServerConfig struct {
	OperatorAPIKey string
	TriggerAuth    mw.TriggerAuthConfig
	// TriggerRate and TriggerBurst bound POST /v1/trigger. A zero rate
	// disables the limiter.
	TriggerRate  rate.Limit
	TriggerBurst int
}

type Server struct {
	router  chi.Router
	logger  zerolog.Logger
	svc     handler.BackupService
	trigger handler.Triggerer
	cfg     ServerConfig
	ready   metrics.ReadyFunc
}

func NewServer(logger zerolog.Logger, svc handler.BackupService, trigger handler.Triggerer, cfg ServerConfig, ready metrics.ReadyFunc) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger,
		svc:     svc,
		trigger: trigger,
		cfg:     cfg,
		ready:   ready,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	backups := handler.NewBackup(s.svc, s.trigger)

	s.router.Route("/v1", func(r chi.Router) {
		// External trigger, authenticated by token or header.
		r.Group(func(r chi.Router) {
			if s.cfg.TriggerRate > 0 {
				r.Use(mw.RateLimit(rate.NewLimiter(s.cfg.TriggerRate, max(s.cfg.TriggerBurst, 1))))
			}
			r.Use(mw.TriggerAuth(s.cfg.TriggerAuth, s.logger))
			r.Post("/trigger", backups.Trigger)
		})

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(mw.OperatorAuth(s.cfg.OperatorAPIKey))

			r.Get("/status", backups.Status)
			r.Get("/backups", backups.List)
			r.Post("/backups", backups.Create)
			r.Get("/backups/latest/{kind}", backups.Latest)
			r.Get("/backups/{id}", backups.Get)
			r.Post("/backups/{id}/restore", backups.Restore)

			r.Delete("/artifacts", backups.DeleteArtifacts)
			r.Get("/artifacts/analyze", backups.Analyze)

			r.Post("/cleanup", backups.Cleanup)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	healthy := true
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "checks": checks})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "checks": checks})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
