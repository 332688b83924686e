// Package admin serves the operator HTTP endpoints: health, Prometheus
// metrics, the running query list and finished run records.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-exec/internal/runner"
	"github.com/polisai/polis-exec/pkg/logging"
	"github.com/polisai/polis-exec/pkg/metrics"
	"github.com/polisai/polis-exec/pkg/processlist"
	"github.com/polisai/polis-exec/pkg/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config wires the server's data sources.
type Config struct {
	Address string
	Queries *processlist.List
	Runs    storage.RunStore
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ConfigFromRunner fills Queries and Runs from r.
func ConfigFromRunner(addr string, r *runner.Runner, m *metrics.Metrics, logger *slog.Logger) Config {
	return Config{Address: addr, Queries: r.Queries(), Runs: r.Runs(), Metrics: m, Logger: logger}
}

// NewHandler builds the admin routes, instrumented with OpenTelemetry and
// Prometheus request metrics.
func NewHandler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{cfg: cfg, log: logging.NewStructuredLogger(logger)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /queries", h.listQueries)
	mux.HandleFunc("DELETE /queries/{id}", h.killQuery)
	mux.HandleFunc("GET /runs", h.listRuns)
	mux.HandleFunc("GET /runs/{id}", h.getRun)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	var handler http.Handler = otelhttp.NewHandler(mux, "polis.exec.admin")
	if cfg.Metrics != nil {
		handler = cfg.Metrics.Middleware(handler)
	}
	return h.logRequests(handler)
}

type handlers struct {
	cfg Config
	log *logging.StructuredLogger
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) listQueries(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Queries == nil {
		writeJSON(w, http.StatusOK, []processlist.Info{})
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Queries.List())
}

func (h *handlers) killQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.cfg.Queries == nil {
		writeError(w, http.StatusNotFound, processlist.ErrNotFound)
		return
	}
	if err := h.cfg.Queries.Kill(id); err != nil {
		if errors.Is(err, processlist.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "killed"})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Runs == nil {
		writeJSON(w, http.StatusOK, []*storage.RunRecord{})
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	runs, err := h.cfg.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Runs == nil {
		writeError(w, http.StatusNotFound, storage.ErrNotFound)
		return
	}
	rec, err := h.cfg.Runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.log.LogHTTPRequest(r.Context(), r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Server is a running admin server.
type Server struct {
	http     *http.Server
	listener net.Listener
	logger   *slog.Logger
	done     chan error
}

// Start binds cfg.Address and serves in the background.
func Start(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("bind admin listener %s: %w", cfg.Address, err)
	}
	s := &Server{
		http: &http.Server{
			Handler:           NewHandler(cfg),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		listener: listener,
		logger:   logger,
		done:     make(chan error, 1),
	}
	logger.Info("Admin server listening", "addr", listener.Addr().String())

	go func() {
		err := s.http.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("Admin server failed", "error", err)
		}
		s.done <- err
	}()
	return s, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Done receives the serve error once the server stops.
func (s *Server) Done() <-chan error { return s.done }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
