package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"launchforge/internal/config"
	"launchforge/internal/models"
	"launchforge/internal/ratelimit"
	"launchforge/internal/store"
	"launchforge/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleListEvents)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

type enqueueRequest struct {
	ProjectID      string         `json:"project_id"`
	JobType        string         `json:"job_type"`
	AgentKey       string         `json:"agent_key"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Priority       string         `json:"priority"`
	RunAfter       *time.Time     `json:"run_after"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job          models.Job `json:"job"`
	Deduplicated bool       `json:"deduplicated"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobType == "" {
		http.Error(w, "job_type is required", http.StatusBadRequest)
		return
	}
	switch req.Priority {
	case "", models.PriorityRealtime, models.PriorityDefault, models.PriorityBackground:
	default:
		http.Error(w, "unknown priority", http.StatusBadRequest)
		return
	}

	runAfter := time.Now()
	if req.RunAfter != nil {
		runAfter = *req.RunAfter
	}
	if req.DelaySeconds > 0 {
		runAfter = time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	projectID, err := projectFromRequest(r, req.ProjectID)
	if err != nil {
		http.Error(w, "project_id must be a UUID", http.StatusBadRequest)
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:%s", projectID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, reused, err := s.store.EnqueueJob(r.Context(), store.EnqueueParams{
		ProjectID:      projectID,
		Type:           req.JobType,
		AgentKey:       req.AgentKey,
		Payload:        req.Payload,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		RunAfter:       runAfter,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !reused {
		telemetry.JobsEnqueued.Inc()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Deduplicated: reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListEvents serves the append-only progress feed for one job. Clients
// pass ?after=<last seen event id> to poll incrementally.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.store.ListEvents(r.Context(), id, afterID, limit)
	if err != nil {
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleCancel cancels a job that has not been claimed yet. Running jobs are
// not signaled; they finish or time out on their own.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	canceled, err := s.store.MarkCanceled(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !canceled {
		http.Error(w, "job is not queued", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCanceled})
}

// projectFromRequest resolves the tenant scope: header wins over body, and an
// absent id falls back to the system project. project_id is a UUID column, so
// anything unparseable is rejected here rather than surfacing as a store error.
func projectFromRequest(r *http.Request, bodyProjectID string) (string, error) {
	v := r.Header.Get("X-Project-ID")
	if v == "" {
		v = bodyProjectID
	}
	if v == "" {
		return models.SystemProjectID, nil
	}
	if _, err := uuid.Parse(v); err != nil {
		return "", fmt.Errorf("invalid project id %q: %w", v, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
