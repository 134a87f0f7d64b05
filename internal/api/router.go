// Package api exposes the run manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/acronym-cli/internal/model"
	"github.com/sells-group/acronym-cli/internal/pipeline"
	"github.com/sells-group/acronym-cli/internal/store"
)

// maxBodyBytes caps POST /runs payloads.
const maxBodyBytes = 10 << 20

// Runs is the run manager surface the API needs.
type Runs interface {
	Start(ctx context.Context, req pipeline.StartRequest) (string, error)
	Status(ctx context.Context, id string) (*pipeline.Status, error)
	Results(ctx context.Context, id string, limit, offset int) ([]model.EnrichmentResult, error)
	Records(ctx context.Context, filter store.ResultFilter) ([]model.ProgressRecord, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// Health is checked by GET /health when set.
	Health Pinger
}

// NewRouter builds the HTTP handler for the run API.
func NewRouter(runs Runs, opts Options) http.Handler {
	h := &handler{runs: runs, pinger: opts.Health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.startRun)
		r.Get("/", h.listRuns)
		r.Get("/{id}", h.getStatus)
		r.Get("/{id}/results", h.getResults)
		r.Post("/{id}/cancel", h.cancelRun)
	})
	return r
}

type handler struct {
	runs   Runs
	pinger Pinger
}

type startRunRequest struct {
	pipeline.StartRequest
	// Acronyms is shorthand for jobs without grade hints.
	Acronyms []string `json:"acronyms,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, a := range req.Acronyms {
		req.Jobs = append(req.Jobs, model.Job{Token: a})
	}
	if len(model.Dedupe(req.Jobs)) == 0 {
		writeError(w, http.StatusBadRequest, "jobs or acronyms are required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	id, err := h.runs.Start(r.Context(), req.StartRequest)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": string(model.RunStatusRunning)})
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	runs, err := h.runs.List(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// getResults returns enrichment results. ?status=failed|pending returns the
// raw progress records for that status instead.
func (h *handler) getResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}

	status := model.ProgressStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.ProgressDone:
		results, err := h.runs.Results(r.Context(), id, limit, offset)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	case model.ProgressFailed, model.ProgressPending:
		if _, err := h.runs.Status(r.Context(), id); err != nil {
			writeFailure(w, err)
			return
		}
		recs, err := h.runs.Records(r.Context(), store.ResultFilter{RunID: id, Status: status, Limit: limit, Offset: offset})
		if err != nil {
			writeFailure(w, err)
			return
		}
		if recs == nil {
			recs = []model.ProgressRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	default:
		writeError(w, http.StatusBadRequest, "status must be done, failed or pending")
	}
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.runs.Cancel(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": string(model.RunStatusDraining)})
}

func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return 0, 0, false
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return 0, 0, false
		}
	}
	return limit, offset, true
}

// writeFailure maps domain errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrRunActive), errors.Is(err, pipeline.ErrRunFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
