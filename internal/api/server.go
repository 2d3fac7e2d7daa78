// Package api serves the read side of the pipeline: the latest published
// metrics record, straight off the stream log.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dealerflow/pkg/types"
)

// SnapshotSource yields the newest payload on a stream. *stream.Log
// satisfies it.
type SnapshotSource interface {
	Last(ctx context.Context, stream string) ([]byte, error)
}

// Server exposes /snapshot and /health.
type Server struct {
	source SnapshotSource
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the HTTP server on addr.
func NewServer(addr string, source SnapshotSource, logger *slog.Logger) *Server {
	s := &Server{
		source: source,
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("snapshot server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping snapshot server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// handleSnapshot returns the most recent metrics record verbatim. The record
// was marshalled by the processor at publish time; re-encoding it here would
// only risk drift, so the payload passes through untouched.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := s.source.Last(r.Context(), types.StreamMetrics)
	if err != nil {
		s.logger.Error("snapshot read failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
