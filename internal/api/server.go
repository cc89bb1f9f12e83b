// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/boingo"
	"github.com/boingo-ai/property-pipeline/internal/config"
	"github.com/boingo-ai/property-pipeline/internal/metrics"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Orchestrator is the coordinator surface the API needs.
type Orchestrator interface {
	Submit(ctx context.Context, target pipeline.Target) (string, error)
	GetRun(ctx context.Context, runID string) (pipeline.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// AnalyticsSource pulls the upstream fleet analytics view.
type AnalyticsSource interface {
	FetchAgentAnalytics(ctx context.Context) ([]boingo.AgentAnalytics, error)
}

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router       chi.Router
	orchestrator Orchestrator
	store        pipeline.RunStore
	registry     pipeline.StatusRegistry
	analytics    AnalyticsSource
	metrics      *metrics.Metrics
	cfg          config.Config
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The
// analytics source may be nil when no upstream is configured.
func NewServer(
	orchestrator Orchestrator,
	store pipeline.RunStore,
	registry pipeline.StatusRegistry,
	analytics AnalyticsSource,
	m *metrics.Metrics,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orchestrator: orchestrator,
		store:        store,
		registry:     registry,
		analytics:    analytics,
		metrics:      m,
		cfg:          cfg,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(bearerMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/scraping-target", func(r chi.Router) {
			r.Post("/", s.submitTarget)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Get("/scraping-results/{run_id}", s.getResult)
		r.Get("/agent-status", s.agentStatus)
		r.Get("/scraping-analytics", s.scrapingAnalytics)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The run store is the only hard dependency of the API surface.
	if _, err := s.store.ListRuns(r.Context(), pipeline.StagePending); err != nil {
		writeError(w, http.StatusServiceUnavailable, "run store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	APIKey string `json:"api_key"`
}

// login exchanges the configured API key for a bearer token. With auth
// disabled it reports that no token is needed.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Auth.Enabled {
		writeJSON(w, http.StatusOK, map[string]string{"token_type": "none"})
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.APIKey == "" || req.APIKey != s.cfg.Auth.APIKey {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": s.cfg.Auth.APIKey,
		"token_type":   "bearer",
	})
}

type submitTargetRequest struct {
	// ID resubmits an existing target; empty means a fresh one.
	ID            string `json:"id"`
	WebsiteURL    string `json:"website_url"`
	Location      string `json:"location"`
	Frequency     string `json:"frequency"`
	MaxProperties int    `json:"max_properties"`
	Priority      int    `json:"priority"`
}

func (s *Server) submitTarget(w http.ResponseWriter, r *http.Request) {
	var req submitTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := pipeline.Target{
		ID:            req.ID,
		WebsiteURL:    req.WebsiteURL,
		Location:      req.Location,
		Frequency:     req.Frequency,
		MaxProperties: req.MaxProperties,
		Priority:      req.Priority,
	}
	runID, err := s.orchestrator.Submit(r.Context(), target)
	if err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("target submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.orchestrator.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	stage := pipeline.RunStage(r.URL.Query().Get("stage"))
	runs, err := s.store.ListRuns(r.Context(), stage)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is fine; reason defaults inside the coordinator.
	_ = json.NewDecoder(r.Body).Decode(&body)

	err := s.orchestrator.Cancel(r.Context(), runID, body.Reason)
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrRunTerminal):
		writeError(w, http.StatusConflict, "run already finished")
	case err != nil:
		s.logger.Error("cancel failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "stage": string(pipeline.StageFailed)})
	}
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	result, err := s.store.GetResult(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) agentStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	records := make([]pipeline.AgentStatusRecord, 0, len(snapshot))
	for _, kind := range []pipeline.AgentKind{pipeline.AgentCrawl, pipeline.AgentClean, pipeline.AgentFormat} {
		if rec, ok := snapshot[kind]; ok {
			records = append(records, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": records})
}

func (s *Server) scrapingAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream analytics not configured")
		return
	}
	analytics, err := s.analytics.FetchAgentAnalytics(r.Context())
	if err != nil {
		s.logger.Error("analytics fetch failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream analytics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analytics": analytics})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func bearerMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" {
				token = r.Header.Get("X-API-Key")
			}
			if token != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
