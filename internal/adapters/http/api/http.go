// Package api exposes the operator HTTP surface: health checks, metrics, status
// and read-only rating queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	service "github.com/okian/elosync/internal/app"
	"github.com/okian/elosync/internal/domain/features"
	"github.com/okian/elosync/internal/domain/model"
	"github.com/okian/elosync/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultTop     = 20
	maxTop         = 500
	requestTimeout = 30 * time.Second
)

// Dependencies is what the handlers read from.
type Dependencies interface {
	Ready(ctx context.Context) error
	Status(ctx context.Context, n int) (service.Status, error)
	CurrentRating(ctx context.Context, extID string) (float64, error)
	FeaturesFor(ctx context.Context, homeExtID, awayExtID string, cutoff *time.Time) (features.Vector, error)
	Predict(ctx context.Context, homeExtID, awayExtID string) (model.Probabilities, bool, error)
}

// Server wires HTTP routes for the operator API.
type Server struct {
	deps Dependencies
}

// NewServer creates a new API server.
func NewServer(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// Router returns the chi router with every route attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(requestTimeout))

	r.Get("/healthz", MetricsMiddleware(s.handleHealth, "healthz"))
	r.Get("/readyz", MetricsMiddleware(s.handleReady, "readyz"))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	r.Get("/status", MetricsMiddleware(s.handleStatus, "status"))
	r.Get("/ratings/{externalID}", MetricsMiddleware(s.handleRating, "ratings"))
	r.Get("/features", MetricsMiddleware(s.handleFeatures, "features"))
	r.Get("/predict", MetricsMiddleware(s.handlePredict, "predict"))
	return r
}

type ratingResponse struct {
	ExternalID string  `json:"externalId"`
	Rating     float64 `json:"rating"`
}

type predictResponse struct {
	Home     float64 `json:"home"`
	Draw     float64 `json:"draw"`
	Away     float64 `json:"away"`
	Fallback bool    `json:"fallback"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ready(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := defaultTop
	if v := r.URL.Query().Get("top"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxTop {
			writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
			return
		}
		n = parsed
	}
	st, err := s.deps.Status(r.Context(), n)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "externalID")
	rating, err := s.deps.CurrentRating(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratingResponse{ExternalID: id, Rating: rating})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	home, away, ok := pairing(w, r)
	if !ok {
		return
	}
	var cutoff *time.Time
	if v := r.URL.Query().Get("cutoff"); v != "" {
		t, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		cutoff = &t
	}
	v, err := s.deps.FeaturesFor(r.Context(), home, away, cutoff)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make(map[string]float64, features.Size)
	for i, x := range v.Slice() {
		out[features.Names[i]] = x
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	home, away, ok := pairing(w, r)
	if !ok {
		return
	}
	p, fellBack, err := s.deps.Predict(r.Context(), home, away)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Home: p.Home, Draw: p.Draw, Away: p.Away, Fallback: fellBack})
}

func pairing(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	home, away := r.URL.Query().Get("home"), r.URL.Query().Get("away")
	if home == "" || away == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrMissingPairing)
		return "", "", false
	}
	return home, away, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps an error kind to a status code.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
