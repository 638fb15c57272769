// Package httpapi is the polling and admin surface of the daemon. It is
// deliberately thin: every operation delegates to the orchestrator, and
// responses are plain JSON documents a dashboard can poll.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"promptforge/internal/config"
	"promptforge/internal/cost"
	"promptforge/internal/db"
	"promptforge/internal/metrics"
	"promptforge/internal/orchestrator"
	"promptforge/internal/runner"
)

const maxBodySize = 1 << 20 // 1MB

// Server routes API requests.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	orch      *orchestrator.Orchestrator
	rec       *metrics.Recorder
	mux       *http.ServeMux
	startedAt time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(cfg *config.Config, store *db.Store, orch *orchestrator.Orchestrator, rec *metrics.Recorder) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		orch:      orch,
		rec:       rec,
		startedAt: time.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /jobs/{id}/continue", s.handleContinue)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /jobs/{id}/delete", s.handleDelete)
	mux.HandleFunc("GET /health", s.handleHealth)
	if rec != nil {
		mux.Handle("GET /metrics", rec.Handler())
	}
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.allow(r) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	s.mux.ServeHTTP(w, r)
	slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
}

// allow applies a per-client token bucket. The map is unbounded in
// theory, but the API binds to loopback by default.
func (s *Server) allow(r *http.Request) bool {
	rps := s.cfg.Server.RateLimitRPS
	if rps <= 0 {
		return true
	}
	burst := s.cfg.Server.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}

	s.mu.Lock()
	limiter, ok := s.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		s.limiters[ip] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps store sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrRefNotFound):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrInvalidState), errors.Is(err, db.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, db.ErrMissingArtifact):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.Error("api internal error", "err", err)
		writeJSON(w, status, map[string]any{"success": false, "error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

type createJobRequest struct {
	Name      string          `json:"name"`
	PromptID  string          `json:"prompt_id"`
	DatasetID string          `json:"dataset_id"`
	MetricID  string          `json:"metric_id"`
	Config    json.RawMessage `json:"config,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "read body"})
		return
	}
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid json"})
		return
	}

	job, err := s.orch.CreateJob(r.Context(), orchestrator.CreateParams{
		Name:       req.Name,
		PromptID:   req.PromptID,
		DatasetID:  req.DatasetID,
		MetricID:   req.MetricID,
		ConfigJSON: string(req.Config),
	})
	if err != nil {
		if errors.Is(err, db.ErrRefNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job": jobView(job)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid limit"})
			return
		}
		limit = parsed
	}

	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.orch.Snapshot(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.Retry(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": jobID})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	newID, err := s.orch.ContinueFrom(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "new_job_id": newID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.store.ResolveJobID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": false})
			return
		}
		writeError(w, err)
		return
	}
	deleted, err := s.orch.Delete(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": deleted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountJobsByStatus(r.Context())
	if err != nil {
		slog.Error("health: count jobs", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	running := counts[db.StatusStarting] + counts[db.StatusRunning]
	if s.rec != nil {
		s.rec.SetRunningJobs(running)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": max(int(time.Since(s.startedAt).Seconds()), 0),
		"jobs_running":   running,
	})
}

func jobView(job db.Job) map[string]any {
	view := map[string]any{
		"id":           job.ID,
		"name":         job.Name,
		"status":       job.Status,
		"progress":     job.Progress,
		"current_step": job.CurrentStep,
		"prompt":       job.PromptName,
		"dataset":      job.DatasetName,
		"metric":       job.MetricName,
		"created_at":   job.CreatedAt,
		"updated_at":   job.UpdatedAt,
	}
	if job.Improvement != "" {
		view["improvement"] = job.Improvement
	}
	if job.ErrorMessage != "" {
		view["error"] = job.ErrorMessage
	}
	if job.ParentJobID != "" {
		view["parent_job_id"] = job.ParentJobID
	}
	if job.StartedAt != "" {
		view["started_at"] = job.StartedAt
	}
	if job.CompletedAt != "" {
		view["completed_at"] = job.CompletedAt
	}
	if job.InputTokens > 0 || job.OutputTokens > 0 {
		view["input_tokens"] = job.InputTokens
		view["output_tokens"] = job.OutputTokens
		if jc, err := runner.ParseJobConfig(job.ConfigJSON); err == nil {
			view["estimated_cost"] = cost.FormatUSD(cost.Calculate(jc.ModelMode, job.InputTokens, job.OutputTokens))
		}
	}
	return view
}

func snapshotView(snap orchestrator.Snapshot) map[string]any {
	logs := make([]map[string]any, 0, len(snap.Logs))
	for _, entry := range snap.Logs {
		item := map[string]any{
			"timestamp": entry.CreatedAt,
			"level":     entry.Level,
			"message":   entry.Message,
		}
		if entry.Data != "" {
			item["data"] = json.RawMessage(entry.Data)
		}
		logs = append(logs, item)
	}

	candidates := make([]map[string]any, 0, len(snap.Candidates))
	for _, c := range snap.Candidates {
		item := map[string]any{"label": c.Label, "content": c.Content}
		if c.Score != nil {
			item["score"] = *c.Score
		}
		candidates = append(candidates, item)
	}

	artifacts := make([]map[string]any, 0, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		item := map[string]any{"kind": a.Kind, "content": a.Content, "position": a.Position}
		if a.Score != nil {
			item["score"] = *a.Score
		}
		artifacts = append(artifacts, item)
	}

	view := jobView(snap.Job)
	view["logs"] = logs
	view["candidates"] = candidates
	view["artifacts"] = artifacts
	return view
}
