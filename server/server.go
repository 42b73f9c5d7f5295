// Package server exposes the monitor's status endpoints.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"ielts-monitor/history"
	"ielts-monitor/pkg/ielts"
	"ielts-monitor/poll"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// recentLimit is how many history rows the status page shows.
const recentLimit = 20

// Poller runs one check cycle.
type Poller interface {
	CheckAll(ctx context.Context) (poll.Summary, error)
}

// Tracker exposes notification state.
type Tracker interface {
	Stats() ielts.Stats
	Reset(ctx context.Context) error
}

// History lists delivered notifications.
type History interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	tracker Tracker
	history History
	metrics http.Handler
	logger  *slog.Logger
}

// Config holds server configuration. History and Metrics are optional.
type Config struct {
	Poller  Poller
	Tracker Tracker
	History History
	Metrics http.Handler
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:  cfg.Poller,
		tracker: cfg.Tracker,
		history: cfg.History,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/reset", s.handleReset)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // a triggered cycle fetches every query
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	data := struct {
		Stats  ielts.Stats
		Recent []history.Entry
	}{Stats: s.tracker.Stats()}

	if s.history != nil {
		recent, err := s.history.List(r.Context(), recentLimit)
		if err != nil {
			s.logger.Warn("Failed to list notification history", "error", err)
		}
		data.Recent = recent
	}

	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.tracker.Stats())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	summary, err := s.poller.CheckAll(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]any{
		"status":      "completed",
		"cycle_id":    summary.CycleID,
		"available":   summary.Available,
		"unavailable": summary.Unavailable,
		"notified":    summary.Notified,
		"failed":      summary.Failed,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Reset endpoint triggered")

	if err := s.tracker.Reset(r.Context()); err != nil {
		s.logger.Error("State reset failed", "error", err)
		http.Error(w, "Reset failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]string{"status": "reset"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
