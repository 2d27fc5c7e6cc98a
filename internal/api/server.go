// Package api exposes the run control surface over HTTP: scenario
// management, lifecycle operations, live metrics streaming, and
// Prometheus scrape.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/loadgrid/internal/orchestrator"
	"github.com/FairForge/loadgrid/internal/report"
	"github.com/FairForge/loadgrid/internal/stream"
)

// Config configures the HTTP listener.
type Config struct {
	Addr string `yaml:"addr"`
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// Server is the HTTP control plane for one orchestrator instance.
type Server struct {
	orch       *orchestrator.Orchestrator
	ws         *stream.WSHandler
	logger     *zap.Logger
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the control routes, the websocket endpoint, and the
// Prometheus scrape handler.
func NewServer(config *Config, orch *orchestrator.Orchestrator, ws *stream.WSHandler, logger *zap.Logger) *Server {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		orch:      orch,
		ws:        ws,
		logger:    logger,
		startTime: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/api/v1/tests", func(r chi.Router) {
		r.Post("/scenario", s.handleLoadScenario)
		r.Post("/start", s.handleStart)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/stop", s.handleStop)
		r.Get("/status", s.handleStatus)
		r.Get("/results", s.handleResults)
	})
	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
		"state":  s.orch.CurrentStatus().State.String(),
	})
}

// handleLoadScenario accepts a scenario document (YAML; JSON bodies
// parse too since YAML is a superset).
func (s *Server) handleLoadScenario(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	scenario, err := orchestrator.ParseScenario(body)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	if err := s.orch.LoadScenario(scenario); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded":   scenario.Name,
		"duration": scenario.Duration.String(),
		"phases":   len(scenario.Phases),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// The run outlives this request; it is bound to the process, not
	// the request context.
	if err := s.orch.Start(context.Background()); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.CurrentStatus())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Pause(); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.CurrentStatus())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.CurrentStatus())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "stopped via api"
	}

	if err := s.orch.Stop(req.Reason); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.orch.CurrentStatus())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.orch.CurrentStatus())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.Results()
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := report.Write(w, results); err != nil {
		s.logger.Warn("results write failed", zap.Error(err))
	}
}

// respondOpError maps orchestrator errors onto HTTP statuses: bad
// scenarios are the client's fault, wrong-state operations are
// conflicts.
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      "invalid scenario",
			"violations": verr.Violations,
		})
		return
	}
	var serr *orchestrator.InvalidStateError
	if errors.As(err, &serr) {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
