package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
)

const requestIDHeader = "X-Request-ID"

// registerRoutes mounts probes, metrics and the read-only API.
func (s *Server) registerRoutes() {
	// Health check endpoints
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.HandleFunc("GET /live", s.liveHandler)

	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// Read-only status
	s.mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	s.mux.HandleFunc("GET /api/v1/runs", s.runsHandler)
	s.mux.HandleFunc("GET /api/v1/history", s.historyHandler)
	s.mux.HandleFunc("GET /api/v1/evacuations/{id}", s.evacuationHandler)
}

// setupMiddleware wraps the mux with request logging and panic recovery.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(handler))
}

// loggingMiddleware tags each API request with an id and logs it once served.
// Probes and scrapes are not logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/ready", "/live", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("API request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// recoveryMiddleware turns a handler panic into a 500 JSON error.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.writeError(w, fmt.Errorf("panic serving %s: %v", r.URL.Path, p))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "proxbalance"})
}

// readyHandler reports the health of every connected backend.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	check := func(name string, err error) {
		if err != nil {
			ready = false
			details[name] = "unhealthy"
			return
		}
		details[name] = "healthy"
	}

	if s.db != nil {
		check("postgres", s.db.Health(ctx))
	}
	if s.cache != nil {
		check("redis", s.cache.Health(ctx))
	}
	if s.etcd != nil {
		check("etcd", s.etcd.Health(ctx))
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{"ready": ready, "components": details})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	State       domain.RunState             `json:"state"`
	Enabled     bool                        `json:"enabled"`
	DryRun      bool                        `json:"dry_run"`
	Leader      *bool                       `json:"leader,omitempty"`
	LeaderName  string                      `json:"leader_name,omitempty"`
	LastRun     *domain.RunSummary          `json:"last_run,omitempty"`
	Evacuations []*domain.EvacuationSession `json:"active_evacuations"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		State:       s.orchestrator.State(),
		Enabled:     s.config.Automation.Enabled,
		DryRun:      s.config.Automation.DryRun,
		Evacuations: []*domain.EvacuationSession{},
	}
	if s.leader != nil {
		isLeader := s.leader.IsLeader()
		resp.Leader = &isLeader
	}
	if s.etcd != nil {
		if name, err := s.LeaderName(ctx); err == nil {
			resp.LeaderName = name
		}
	}

	last, err := s.orchestrator.LastRun(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	resp.LastRun = last

	sessions, err := s.evacuation.List(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, sess := range sessions {
		if !sess.Status.IsTerminal() {
			resp.Evacuations = append(resp.Evacuations, sess)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runsHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orchestrator.Runs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	filter := domain.HistoryFilter{
		GuestID: r.URL.Query().Get("guest"),
		Limit:   queryInt(r, "limit"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, domain.ErrInvalidArgument)
			return
		}
		filter.Since = t
	}

	entries, err := s.orchestrator.History(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) evacuationHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.evacuation.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
