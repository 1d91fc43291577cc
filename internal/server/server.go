// Package server exposes the administrative HTTP surface and the per-session
// websocket output stream on top of the message handler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentpool/agentpool/internal/handler"
	"github.com/agentpool/agentpool/internal/hook"
	"github.com/agentpool/agentpool/internal/logging"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address (default ":8420").
	Addr string

	// ShutdownTimeout bounds graceful shutdown (default 10s).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8420",
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Server is the HTTP transport over the message handler: message routing,
// instance administration, idle cleanup, and session output streaming.
type Server struct {
	cfg     Config
	handler *handler.Handler
	hooks   *hook.Manager
	logger  *logging.Logger
	http    *http.Server
}

// New creates a server. The hook manager is used to attach websocket stream
// subscribers; it may be nil, in which case streaming is unavailable.
func New(cfg Config, h *handler.Handler, hooks *hook.Manager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		handler: h,
		hooks:   hooks,
		logger:  logger.WithComponent("server"),
	}
	s.http = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the HTTP mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /instances", s.handleListInstances)
	mux.HandleFunc("GET /instances/{id}", s.handleGetInstance)
	mux.HandleFunc("DELETE /instances/{id}", s.handleDeleteInstance)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleSessionStream)
	return mux
}

// Start runs the server until the context is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req handler.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	resp := s.handler.HandleMessage(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	infos := s.handler.ListInstances()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": infos,
		"count":     len(infos),
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	info, ok := s.handler.Instance(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.handler.DeleteInstance(id) {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "instance_id": id})
}

// handleCleanup triggers idle eviction. The optional max_idle_seconds query
// parameter overrides the configured threshold.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var maxIdle time.Duration
	if raw := r.URL.Query().Get("max_idle_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			writeError(w, http.StatusBadRequest, "max_idle_seconds must be a non-negative integer")
			return
		}
		maxIdle = time.Duration(seconds) * time.Second
	}

	evicted := s.handler.CleanupIdle(maxIdle)
	writeJSON(w, http.StatusOK, map[string]any{"evicted": evicted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"instances": len(s.handler.ListInstances()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
