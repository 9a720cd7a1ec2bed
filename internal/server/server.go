// Package server exposes the progress of optimization runs over HTTP: a JSON
// status API, a server-sent event stream per run and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/mpbfgs/internal/store"
)

// Server represents the HTTP status server
type Server struct {
	runs    *RunManager
	metrics *Metrics
	store   store.Store
	traces  string
	addr    string
	server  *http.Server
}

// NewServer creates a status server for the runs tracked by runs. The
// checkpoint store st may be nil, in which case the checkpoint listing is
// not served.
func NewServer(addr string, runs *RunManager, metrics *Metrics, st store.Store) *Server {
	s := &Server{
		runs:    runs,
		metrics: metrics,
		store:   st,
		addr:    addr,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// EnableTraces serves the JSONL traces found under baseDir at
// /api/v1/runs/:id/trace. It must be called before Serve.
func (s *Server) EnableTraces(baseDir string) {
	s.traces = baseDir
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)
	mux.HandleFunc("/api/v1/checkpoints", s.handleCheckpoints)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. After Shutdown it returns nil
// immediately.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("Starting status server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down status server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// handleRuns handles GET /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.runs.ListRuns())
}

// handleRunsWithID handles /api/v1/runs/:id/*
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	// Run IDs are printed in upper case, accept any case.
	runID := strings.ToUpper(parts[0])

	switch {
	case len(parts) == 1 || parts[1] == "status":
		s.handleGetRunStatus(w, r, runID)
	case parts[1] == "stream":
		s.handleRunStream(w, r, runID)
	case parts[1] == "trace":
		s.handleRunTrace(w, r, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleGetRunStatus handles GET /api/v1/runs/:id/status
func (s *Server) handleGetRunStatus(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, run)
}

// handleRunTrace handles GET /api/v1/runs/:id/trace
func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request, runID string) {
	if s.traces == "" {
		http.Error(w, "Traces not enabled", http.StatusNotFound)
		return
	}
	id, err := store.ParseRunID(runID)
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	entries, err := store.ReadTrace(s.traces, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Trace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to read trace", "run_id", runID, "error", err)
		http.Error(w, "Failed to read trace", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleCheckpoints handles GET /api/v1/checkpoints
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "No checkpoint store configured", http.StatusNotFound)
		return
	}

	infos, err := s.store.ListCheckpoints()
	if err != nil {
		slog.Error("Failed to list checkpoints", "error", err)
		http.Error(w, "Failed to list checkpoints", http.StatusInternalServerError)
		return
	}

	type checkpointJSON struct {
		File      string    `json:"file"`
		RunID     string    `json:"runId"`
		Iteration uint64    `json:"iteration"`
		FScore    int       `json:"fScore"`
		GScore    int       `json:"gScore"`
		Size      int64     `json:"size"`
		ModTime   time.Time `json:"modTime"`
	}
	out := make([]checkpointJSON, len(infos))
	for i, info := range infos {
		out[i] = checkpointJSON{
			File:      info.File,
			RunID:     info.Name.RunID.String(),
			Iteration: info.Name.Iteration,
			FScore:    info.Name.FScore,
			GScore:    info.Name.GScore,
			Size:      info.Size,
			ModTime:   info.ModTime,
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
