// Package httpapi exposes the agency write gateway over HTTP together with
// health, readiness and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romshark/cdcrelay"
	"github.com/romshark/cdcrelay/agency"
)

const maxBodyBytes = 1 << 20

// Check reports whether a dependency is ready to serve traffic.
type Check func(ctx context.Context) error

type Handler struct {
	log      *slog.Logger
	agencies *cdcrelay.Gateway[*agency.Agency]
	checks   map[string]Check
}

// New creates the HTTP handler. checks are run by /readyz, each under its name.
func New(
	log *slog.Logger, agencies *cdcrelay.Gateway[*agency.Agency],
	checks map[string]Check,
) http.Handler {
	h := &Handler{log: log, agencies: agencies, checks: checks}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /agencies/{agencyId}", h.GetAgency)
	mux.HandleFunc("DELETE /agencies/{agencyId}", h.DeleteAgency)
	for _, p := range [...]string{"/agencies", "/agencies/{$}"} {
		mux.HandleFunc("GET "+p, h.ListAgencies)
		mux.HandleFunc("POST "+p, h.CreateAgency)
		mux.HandleFunc("PATCH "+p, h.UpdateAgency)
	}
	return h.logRequests(mux)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, res := http.StatusOK, make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("readiness check failed",
				slog.String("check", name),
				slog.Any("err", err))
			status, res[name] = http.StatusServiceUnavailable, err.Error()
			continue
		}
		res[name] = "ok"
	}
	writeJSON(w, status, res)
}

// GetAgency handles GET /agencies/{agencyId}.
func (h *Handler) GetAgency(w http.ResponseWriter, r *http.Request) {
	a, err := h.agencies.Get(r.Context(), r.PathValue("agencyId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ListAgencies handles GET /agencies/.
func (h *Handler) ListAgencies(w http.ResponseWriter, r *http.Request) {
	l, err := h.agencies.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res := make([]agency.Summary, len(l))
	for i, a := range l {
		res[i] = a.Summary()
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateAgency handles POST /agencies/ and responds with the new agency id.
func (h *Handler) CreateAgency(w http.ResponseWriter, r *http.Request) {
	var a agency.Agency
	if !h.readJSON(w, r, &a) {
		return
	}
	id, err := h.agencies.Create(r.Context(), &a)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// UpdateAgency handles PATCH /agencies/.
func (h *Handler) UpdateAgency(w http.ResponseWriter, r *http.Request) {
	var a agency.Agency
	if !h.readJSON(w, r, &a) {
		return
	}
	if err := h.agencies.Update(r.Context(), &a); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Agency updated")
}

// DeleteAgency handles DELETE /agencies/{agencyId}.
func (h *Handler) DeleteAgency(w http.ResponseWriter, r *http.Request) {
	if err := h.agencies.Delete(r.Context(), r.PathValue("agencyId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Agency deleted")
}

type errorBody struct {
	Message string `json:"message"`
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cdcrelay.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Message: "Agency not found"})
	case errors.Is(err, cdcrelay.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
	default:
		h.log.Error("handling request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
