// Package httpapi exposes the validation pipeline over HTTP. Routing and
// request parsing live here, outside the pipeline core.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/geoguard/internal/validation"
)

// Pipeline is the slice of the orchestrator the API serves.
type Pipeline interface {
	ValidateLocation(ctx context.Context, req validation.Request) validation.Response
	ValidateLocations(ctx context.Context, reqs []validation.Request) []validation.Response
	HealthCheck(ctx context.Context) validation.Health
	Stats(ctx context.Context, windowMinutes int) (*validation.Stats, error)
}

// Server wires the router, middleware and handlers.
type Server struct {
	pipeline Pipeline
	limiter  *userLimiter
	router   *mux.Router
}

// NewServer creates the HTTP surface over a pipeline.
func NewServer(pipeline Pipeline, rps float64, burst int) *Server {
	s := &Server{
		pipeline: pipeline,
		limiter:  newUserLimiter(rps, burst),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(requestLogger)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Handle("/validate", s.limiter.middleware(http.HandlerFunc(s.handleValidate))).Methods(http.MethodPost)
	v1.Handle("/validate/batch", s.limiter.middleware(http.HandlerFunc(s.handleValidateBatch))).Methods(http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}

	writeJSON(w, http.StatusOK, s.pipeline.ValidateLocation(r.Context(), req))
}

func (s *Server) handleValidateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []validation.Request `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > 100 {
		writeError(w, http.StatusBadRequest, "batch size must be between 1 and 100")
		return
	}

	responses := s.pipeline.ValidateLocations(r.Context(), body.Requests)
	writeJSON(w, http.StatusOK, map[string]interface{}{"responses": responses})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pipeline.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 60
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "window must be a positive integer of minutes")
			return
		}
		window = parsed
	}

	stats, err := s.pipeline.Stats(r.Context(), window)
	if err != nil {
		log.Error().Err(err).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
