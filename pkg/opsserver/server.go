// Package opsserver exposes health, readiness, Prometheus metrics and the
// run ledger over HTTP. It never serves election data.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/valgresultat/downloader/pkg/runs"
)

// Server is the ops HTTP server.
type Server struct {
	db        *gorm.DB
	runs      *runs.Store
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startedAt time.Time
	ready     atomic.Bool
	entities  atomic.Int64
}

// New creates a Server. db and store may be nil when no database is
// configured; gatherer defaults to the global registry.
func New(db *gorm.DB, store *runs.Store, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:        db,
		runs:      store,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetRegistryLoaded marks the server ready once the entity registry is
// available, recording how many entities it holds.
func (s *Server) SetRegistryLoaded(entities int) {
	s.entities.Store(int64(entities))
	s.ready.Store(true)
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", s.listRunsHandler)
		r.Get("/runs/{runId}", s.getRunHandler)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// with a 30 second grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "listen", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the registry is loaded and the database,
// when configured, answers a ping.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	allReady := true

	dbStatus := map[string]string{"status": "up"}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		}
	} else {
		dbStatus["status"] = "not_configured"
	}

	registryStatus := map[string]any{"status": "loaded", "entities": s.entities.Load()}
	if !s.ready.Load() {
		registryStatus = map[string]any{"status": "pending"}
		allReady = false
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"database": dbStatus,
		"registry": registryStatus,
	})
}

// listRunsHandler handles GET /api/v1/runs
// Query params: kind, tier, state, pageSize, pageToken
func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger is not configured")
		return
	}

	q := r.URL.Query()
	filter := runs.ListFilter{
		Kind:  runs.Kind(q.Get("kind")),
		Tier:  q.Get("tier"),
		State: runs.State(q.Get("state")),
	}
	pageSize := 20
	if ps := q.Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}

	records, nextToken, total, err := s.runs.List(filter, pageSize, q.Get("pageToken"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if records == nil {
		records = []runs.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":          records,
		"nextPageToken": nextToken,
		"totalSize":     total,
	})
}

// getRunHandler handles GET /api/v1/runs/{runId}
func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger is not configured")
		return
	}
	run, err := s.runs.Get(chi.URLParam(r, "runId"))
	if errors.Is(err, runs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
