// Package dashboard exposes a read-only HTTP view over the report store:
// the latest decision pass, pass history, and running statistics. It never
// writes anything; the store is an audit artifact, not a control surface.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/paperdesk/rebalancer/internal/report"
	"github.com/sirupsen/logrus"
)

// Config holds dashboard server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server serves the dashboard API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	store     report.Store
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer creates the dashboard server and registers its routes.
func NewServer(cfg Config, store report.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     store,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/api/health", s.handleHealth)
	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.requireAuth)
		}
		r.Get("/api/report/latest", s.handleLatestReport)
		r.Get("/api/reports", s.handleReports)
		r.Get("/api/stats", s.handleStats)
	})

	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("port", s.port).Info("Dashboard server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Dashboard server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		expected := "Bearer " + s.authToken
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.WithField("remote", r.RemoteAddr).Warn("Unauthorized dashboard request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLatestReport(w http.ResponseWriter, _ *http.Request) {
	latest := s.store.LatestReport()
	if latest == nil {
		http.Error(w, "no passes recorded yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, latest)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reports := s.store.GetReports()

	// Optional ?limit=N returns only the most recent N passes.
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if limit < len(reports) {
			reports = reports[len(reports)-limit:]
		}
	}

	s.writeJSON(w, reports)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.store.GetStatistics())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
