package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ChuLiYu/fleetbatch/internal/metrics"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// NewRouter 建立 HTTP API 路由
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/jobs
//	GET  /v1/jobs/{jobID}/status
//	GET  /v1/jobs/{jobID}/results
//	GET  /v1/queue/stats
//	GET  /v1/deadletter?max=N
func NewRouter(a *Admin, m *metrics.Collector, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &httpAPI{admin: a, log: log}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.Recoverer)
	rtr.Use(h.logRequests)

	rtr.Get("/healthz", h.health)
	if m != nil {
		rtr.Method(http.MethodGet, "/metrics", m.Handler())
	}
	rtr.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.submit)
		r.Get("/jobs/{jobID}/status", h.jobStatus)
		r.Get("/jobs/{jobID}/results", h.jobResults)
		r.Get("/queue/stats", h.queueStats)
		r.Get("/deadletter", h.deadLetter)
	})
	return rtr
}

const maxSubmitBody = 16 << 20

type httpAPI struct {
	admin *Admin
	log   *slog.Logger
}

func (h *httpAPI) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (h *httpAPI) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.admin.processor != nil {
		body["processor"] = h.admin.processor.State().String()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *httpAPI) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "items are required"})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	sub, err := h.admin.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (h *httpAPI) jobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.admin.results.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *httpAPI) jobResults(w http.ResponseWriter, r *http.Request) {
	agg, err := h.admin.results.AggregateResults(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (h *httpAPI) queueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.admin.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *httpAPI) deadLetter(w http.ResponseWriter, r *http.Request) {
	max := 0
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max must be a non-negative integer"})
			return
		}
		max = n
	}
	list, err := h.admin.DeadLettered(r.Context(), max)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *httpAPI) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, results.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrEmptyJobID), errors.Is(err, results.ErrInvalidJobID):
		code = http.StatusBadRequest
	default:
		h.log.Error("http handler failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
