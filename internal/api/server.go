package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"company-intel/internal/config"
	"company-intel/internal/models"
	"company-intel/internal/queue"
	"company-intel/internal/ratelimit"
	"company-intel/internal/store"
	"company-intel/internal/telemetry"
)

// Queue is the producer side of the job transport.
type Queue interface {
	Enqueue(ctx context.Context, job models.EnrichmentJob) (string, bool, error)
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Reports is the read side of the persistence layer.
type Reports interface {
	ListRuns(ctx context.Context, p store.ListRunsParams) ([]models.Run, error)
	GetRun(ctx context.Context, tenantID, id string) (models.Run, error)
	ListErrorLogs(ctx context.Context, tenantID string, limit int) ([]models.ErrorLog, error)
	SlackWorkspace(ctx context.Context, teamID string) (store.SlackWorkspace, error)
}

// Threads exposes thread memory for inspection.
type Threads interface {
	GetThread(ctx context.Context, tenantID, threadKey string) (*models.ThreadMemory, error)
	ListThreads(ctx context.Context, tenantID string, skip, take int) ([]models.ThreadSummary, error)
}

// Limiter is the per-tenant enqueue rate limit.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API and the reporting surface.
type Server struct {
	cfg     config.Config
	queue   Queue
	reports Reports
	threads Threads
	limiter Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, q Queue, reports Reports, threads Threads, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		queue:   q,
		reports: reports,
		threads: threads,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Post("/slack/events", s.handleSlackEvents)

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/threads", s.handleListThreads)
		r.Get("/threads/{key}", s.handleGetThread)
		r.Get("/errors", s.handleListErrors)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type enqueueRequest struct {
	TenantID    string               `json:"tenant_id"`
	ThreadKey   string               `json:"thread_key"`
	UserMessage string               `json:"user_message"`
	Slack       *models.SlackContext `json:"slack,omitempty"`
	Origin      map[string]string    `json:"origin,omitempty"`
}

type enqueueResponse struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		req.TenantID = v
	}
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	case strings.TrimSpace(req.ThreadKey) == "":
		writeError(w, http.StatusBadRequest, "thread_key is required")
		return
	case strings.TrimSpace(req.UserMessage) == "":
		writeError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	if !s.allow(w, r, req.TenantID) {
		return
	}
	s.enqueue(w, r, models.EnrichmentJob{
		TenantID:    req.TenantID,
		ThreadKey:   req.ThreadKey,
		UserMessage: req.UserMessage,
		Slack:       req.Slack,
		Origin:      req.Origin,
		EnqueuedAt:  s.now().UTC(),
	})
}

// allow applies the per-tenant token bucket and writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Take(r.Context(), fmt.Sprintf("rl:%s", tenant))
	if err != nil {
		s.logger.Error("rate limit check", "tenant_id", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job models.EnrichmentJob) {
	id, dup, err := s.queue.Enqueue(r.Context(), job)
	if err != nil {
		telemetry.EnqueueCounter.WithLabelValues("error").Inc()
		s.logger.Error("enqueue job", "tenant_id", job.TenantID, "thread_key", job.ThreadKey, "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	outcome := "accepted"
	if dup {
		outcome = "duplicate"
	}
	telemetry.EnqueueCounter.WithLabelValues(outcome).Inc()
	s.logger.Info("job enqueued",
		"tenant_id", job.TenantID,
		"thread_key", job.ThreadKey,
		"job_id", id,
		"trigger", job.Trigger(),
		"duplicate", dup,
	)
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, Duplicate: dup})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.RunStatus(strings.ToUpper(q.Get("status")))
	if status != "" && status != models.RunRunning && !status.Terminal() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	runs, err := s.reports.ListRuns(r.Context(), store.ListRunsParams{
		TenantID: tenantOf(r),
		Status:   status,
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
	})
	if err != nil {
		s.internal(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.reports.GetRun(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internal(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	threads, err := s.threads.ListThreads(r.Context(), tenantOf(r), intParam(q.Get("skip"), 0), intParam(q.Get("take"), 50))
	if err != nil {
		s.internal(w, "list threads", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	mem, err := s.threads.GetThread(r.Context(), tenantOf(r), chi.URLParam(r, "key"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		s.internal(w, "get thread", err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reports.ListErrorLogs(r.Context(), tenantOf(r), intParam(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.internal(w, "list error logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

const (
	dlqScan  = 1000
	dlqLimit = 100
)

// handleDLQ returns the caller's oldest dead-lettered jobs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	all, err := s.queue.DLQPeek(r.Context(), dlqScan)
	if err != nil {
		s.internal(w, "read dlq", err)
		return
	}
	tenant := tenantOf(r)
	items := make([]queue.DeadLetter, 0, len(all))
	for _, dl := range all {
		if dl.Job.TenantID != tenant {
			continue
		}
		items = append(items, dl)
		if len(items) == dlqLimit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) internal(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "err", err)
	writeError(w, http.StatusInternalServerError, what+" failed")
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantOf(r *http.Request) string {
	v, _ := r.Context().Value(tenantKey{}).(string)
	return v
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
