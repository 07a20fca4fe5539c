// Package server exposes the ops HTTP interface: health, readiness, metrics
// and run statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/middleware"
	"github.com/JakeFAU/fetchgate/internal/stats"
)

// Source is the orchestrator view the server reports on.
type Source interface {
	ShuttingDown() bool
	Stats() stats.Snapshot
}

// Server wires ops handlers onto a chi router.
type Server struct {
	router chi.Router
	source Source
	logger *zap.Logger
}

const shutdownTimeout = 5 * time.Second

// New constructs a Server. gatherers are merged behind /metrics; an empty
// list serves the default registry.
func New(source Source, logger *zap.Logger, gatherers ...prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{source: source, logger: logger}

	if len(gatherers) == 0 {
		gatherers = []prometheus.Gatherer{prometheus.DefaultGatherer}
	}
	metricsHandler := promhttp.HandlerFor(prometheus.Gatherers(gatherers), promhttp.HandlerOpts{})

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/stats", s.stats)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts the listener down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ops server shutdown failed", zap.Error(err))
		}
	})
	defer stop()

	s.logger.Info("ops server started", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.source.ShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
