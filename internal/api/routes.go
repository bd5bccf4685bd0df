//
//
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robot-control/rbc/internal/auth"
	"github.com/robot-control/rbc/internal/command"
)

// Client message bodies. The WebSocket carries the same shapes in the
// data field of its envelope.
type (
	commandRequest struct {
		ID      *int   `json:"id"`
		Command string `json:"command"`
	}

	undoRequest struct {
		ID *int `json:"id"`
	}

	debugRequest struct {
		ID               *int                      `json:"id"`
		Script           []string                  `json:"script"`
		InspectionPoints []command.InspectionPoint `json:"inspectionPoints"`
	}

	dashboardRequest struct {
		Command string `json:"command"`
	}
)

// Handler builds the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint (no auth required)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware.RequireAuth)

			read := s.authMiddleware.RequireScope(auth.ScopeRead)
			control := s.authMiddleware.RequireScope(auth.ScopeControl)
			telemetry := s.authMiddleware.RequireScope(auth.ScopeTelemetry)

			r.With(read).Get("/history", s.handleHistory)
			r.With(read).Get("/journal", s.handleJournal)
			r.With(read).Get("/variables", s.handleVariables)
			r.With(read).Get("/status", s.handleStatus)

			r.With(control).Post("/commands", s.handleSubmit)
			r.With(control).Post("/commands/{id}/undo", s.handleUndo)
			r.With(control).Post("/debug", s.handleDebug)
			r.With(control).Post("/dashboard", s.handleDashboard)

			r.With(telemetry).Get("/events", s.handleEvents)
			r.With(control, telemetry).Get("/ws", s.handleWebSocket)
		})
	})
	return r
}

// observe logs each request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Request(route, status)
		s.logger.Debug("request", "method", r.Method, "route", route, "status", status, "latency", time.Since(start))
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	subsystems := map[string]bool{
		"orchestrator": s.orchestrator != nil,
		"events":       s.events != nil,
		"auth":         s.authMiddleware.Enabled(),
	}

	health := map[string]interface{}{
		"status":     "ok",
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"version":    s.version,
		"subsystems": subsystems,
	}

	if s.orchestrator == nil || s.events == nil {
		health["status"] = "degraded"
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
			"One or more subsystems are unavailable", health)
		return
	}
	WriteSuccess(w, health)
}

// handleSubmit handles POST /commands
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if req.ID == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Field id is required", nil)
		return
	}

	result, err := s.orchestrator.Submit(r.Context(), *req.ID, req.Command)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	if result.Deferred {
		WriteAccepted(w, result)
		return
	}
	WriteSuccess(w, result)
}

// handleUndo handles POST /commands/{id}/undo
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Command id must be an integer", nil)
		return
	}

	resp, err := s.orchestrator.RequestUndo(r.Context(), id)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, resp)
}

// handleDebug handles POST /debug
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	var req debugRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		WriteAPIError(w, err)
		return
	}
	if req.ID == nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Field id is required", nil)
		return
	}

	ack, err := s.orchestrator.Inspect(r.Context(), *req.ID, req.Script, req.InspectionPoints)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, ack)
}

// handleDashboard handles POST /dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		WriteAPIError(w, err)
		return
	}

	reply, err := s.orchestrator.Dashboard(r.Context(), req.Command)
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"command": req.Command, "reply": reply})
}

// handleHistory handles GET /history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.orchestrator.History())
}

// handleJournal handles GET /journal
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	records, err := s.orchestrator.Journal(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, records)
}

// handleVariables handles GET /variables
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, s.orchestrator.Variables())
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orchestrator.Status(r.Context())
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, status)
}

// handleEvents handles GET /events (SSE)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Event stream not available", nil)
		return
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	s.events.ServeSSE(w, r)
}

// decodeStrict decodes exactly one JSON object without unknown fields.
func decodeStrict(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &APIError{
			Code:       "BAD_REQUEST",
			Message:    "Malformed JSON or unknown fields",
			Details:    map[string]string{"original": err.Error()},
			StatusCode: http.StatusBadRequest,
		}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return &APIError{
			Code:       "BAD_REQUEST",
			Message:    "Trailing data after JSON object",
			StatusCode: http.StatusBadRequest,
		}
	}
	return nil
}

// unmarshalStrict is decodeStrict for an in-memory payload.
func unmarshalStrict(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadRequest)
	}
	return decodeStrict(bytes.NewReader(data), v)
}
