// Package server handles HTTP endpoints and request routing.
package server

import (
	"cents-notifier/poll"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Poller exposes the poll loop to HTTP callers.
type Poller interface {
	Trigger() bool
	LastResult() (poll.Result, bool)
}

// Store reports subscriber statistics.
type Store interface {
	Count(ctx context.Context) int
	BackendName() string
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	store   Store
	webhook http.Handler
	logger  *slog.Logger
	started time.Time
	path    string
}

// Config holds server configuration.
type Config struct {
	Poller Poller
	Store  Store
	Logger *slog.Logger
	// Webhook receives Telegram updates at WebhookPath. Both are optional.
	Webhook     http.Handler
	WebhookPath string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:  cfg.Poller,
		store:   cfg.Store,
		webhook: cfg.Webhook,
		path:    cfg.WebhookPath,
		logger:  cfg.Logger,
		started: time.Now(),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pollz", s.handlePoll)
	if s.webhook != nil && s.path != "" {
		mux.Handle(s.path, s.handleWebhook())
	}
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port, "webhook", s.webhook != nil)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type statusResponse struct {
	LastCycle     *poll.Result `json:"last_cycle,omitempty"`
	Storage       string       `json:"storage"`
	Uptime        string       `json:"uptime"`
	Subscribers   int          `json:"subscribers"`
	CyclesStarted bool         `json:"cycles_started"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Storage:     s.store.BackendName(),
		Subscribers: s.store.Count(r.Context()),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	if last, ok := s.poller.LastResult(); ok {
		resp.LastCycle = &last
		resp.CyclesStarted = true
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	status := `{"status":"triggered"}`
	if !s.poller.Trigger() {
		status = `{"status":"already pending"}`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := fmt.Fprint(w, status); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.webhook.ServeHTTP(w, r)
	})
}
