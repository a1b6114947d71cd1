// Package api exposes the HTTP control surface: health, metrics, manual
// collection triggers and read access to stored events and patterns.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/model"
	"github.com/lvonguyen/netsentry/internal/observability"
	"github.com/lvonguyen/netsentry/internal/repository"
	"github.com/lvonguyen/netsentry/internal/scheduler"
	"github.com/lvonguyen/netsentry/internal/sequence"
	"github.com/lvonguyen/netsentry/internal/settings"
)

// Pipeline is the scheduler surface the API drives.
type Pipeline interface {
	TriggerCollection() bool
	CollectRange(ctx context.Context, start, end time.Time) (int, error)
	CurrentStatus() scheduler.Status
	ResetBackfill(ctx context.Context) error
}

// Server wires the HTTP handlers to the pipeline and stores.
type Server struct {
	pipeline Pipeline
	repo     repository.Store
	settings settings.Store
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewServer creates the API server. limiter may be nil to disable rate
// limiting.
func NewServer(pipeline Pipeline, repo repository.Store, store settings.Store, limiter *RateLimiter, logger *zap.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		repo:     repo,
		settings: store,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}

		r.Post("/collect", s.handleCollect)
		r.Post("/collect/range", s.handleCollectRange)
		r.Get("/status", s.handleStatus)
		r.Post("/backfill/reset", s.handleBackfillReset)

		r.Get("/events", s.handleListEvents)
		r.Get("/patterns", s.handleListPatterns)
		r.Get("/sequences", s.handleListSequences)

		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handlePutSetting)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the event store answers queries.
	if _, err := s.repo.GetEvents(r.Context(), time.Now().Add(-time.Minute), time.Now(), repository.EventFilter{}, 1); err != nil {
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleCollect requests an immediate cycle. 202 either way: a false
// trigger result means a cycle was already pending and covers this
// request.
func (s *Server) handleCollect(w http.ResponseWriter, _ *http.Request) {
	accepted := s.pipeline.TriggerCollection()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "triggered",
		"coalesced": !accepted,
	})
}

type collectRangeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleCollectRange(w http.ResponseWriter, r *http.Request) {
	var req collectRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		writeError(w, http.StatusBadRequest, "start and end must form a non-empty range")
		return
	}

	count, err := s.pipeline.CollectRange(r.Context(), req.Start, req.End)
	if err != nil {
		s.logger.Error("on-demand collection failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "collection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "collected", "events": count})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.CurrentStatus())
}

func (s *Server) handleBackfillReset(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.ResetBackfill(r.Context()); err != nil {
		s.logger.Error("backfill reset failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to := parseRange(q.Get("from"), q.Get("to"))
	filter := repository.EventFilter{
		SourceIP:    q.Get("source_ip"),
		EventSource: model.EventSource(q.Get("source")),
		Stage:       model.KillChainStage(q.Get("stage")),
	}
	if v := q.Get("min_severity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_severity must be an integer")
			return
		}
		filter.MinSeverity = n
	}
	limit := parseLimit(q.Get("limit"), 500, 5000)

	events, err := s.repo.GetEvents(r.Context(), from, to, filter, limit)
	if err != nil {
		s.logger.Error("listing events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := parseRange(q.Get("from"), q.Get("to"))
	limit := parseLimit(q.Get("limit"), 100, 1000)

	patterns, err := s.repo.GetPatterns(r.Context(), from, to, limit)
	if err != nil {
		s.logger.Error("listing patterns failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := parseRange(q.Get("from"), q.Get("to"))
	limit := parseLimit(q.Get("limit"), 10000, 50000)

	grouped, err := s.repo.GetAttackSequences(r.Context(), from, to, limit)
	if err != nil {
		s.logger.Error("listing sequences failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	sequences := sequence.Build(grouped)
	writeJSON(w, http.StatusOK, map[string]any{"sequences": sequences, "count": len(sequences)})
}

// Settings access is restricted to the operator-tunable collection keys;
// cursors and internal positions are not writable over HTTP.
var writableSettings = map[string]struct{}{
	settings.KeyCollectionEnabled: {},
	settings.KeyPollInterval:      {},
	settings.KeyRetentionDays:     {},
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := writableSettings[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown setting")
		return
	}

	value, err := s.settings.Get(r.Context(), key)
	if err != nil {
		if err == settings.ErrNotFound {
			writeError(w, http.StatusNotFound, "setting not set")
			return
		}
		writeError(w, http.StatusInternalServerError, "settings store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := writableSettings[key]; !ok {
		writeError(w, http.StatusNotFound, "unknown setting")
		return
	}

	var req putSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := validateSetting(key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, "settings store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

func validateSetting(key, value string) error {
	switch key {
	case settings.KeyCollectionEnabled:
		if value != "true" && value != "false" {
			return errInvalidBool
		}
	case settings.KeyPollInterval:
		d, err := time.ParseDuration(value)
		if err != nil || d < 10*time.Second {
			return errInvalidInterval
		}
	case settings.KeyRetentionDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 365 {
			return errInvalidRetention
		}
	}
	return nil
}

var (
	errInvalidBool      = jsonError("value must be true or false")
	errInvalidInterval  = jsonError("value must be a duration of at least 10s")
	errInvalidRetention = jsonError("value must be between 1 and 365")
)

type jsonError string

func (e jsonError) Error() string { return string(e) }

func parseRange(fromStr, toStr string) (time.Time, time.Time) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now
	if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
		from = t
	}
	if t, err := time.Parse(time.RFC3339, toStr); err == nil {
		to = t
	}
	return from, to
}

func parseLimit(v string, def, max int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
