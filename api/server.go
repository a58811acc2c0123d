// Package api serves the HTTP observability surface: health, a session
// stats snapshot, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"essync/ingest"
	"essync/syncbuf"
)

const shutdownTimeout = 5 * time.Second

// Snapshot is the /api/session response body.
type Snapshot struct {
	Timestamp  int64               `json:"timestamp"`
	Active     bool                `json:"active"`
	Engine     syncbuf.Stats       `json:"engine"`
	Ingest     *ingest.SourceStats `json:"ingest,omitempty"`
	PlaybackMs int64               `json:"playbackMs"`
}

// SnapshotFunc supplies the current session snapshot; it returns Active
// false when no stream is playing.
type SnapshotFunc func() Snapshot

// Server is the HTTP observability server.
type Server struct {
	log      *slog.Logger
	addr     string
	snapshot SnapshotFunc
	metrics  http.Handler
}

// NewServer creates a Server on addr. metricsHandler serves /metrics and
// may be nil to disable it. If log is nil, slog.Default() is used.
func NewServer(addr string, snapshot SnapshotFunc, metricsHandler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "api"),
		addr:     addr,
		snapshot: snapshot,
		metrics:  metricsHandler,
	}
}

// Router builds the chi router for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/api/session", s.handleSession)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}
	return r
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot()
	snap.Timestamp = time.Now().UnixMilli()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Debug("snapshot encode failed", "error", err)
	}
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestLogger logs each request with method, path, status, and duration.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrap.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
