package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/queue"
	"dinner-queue/internal/quota"
	"dinner-queue/internal/telemetry"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	queue  *queue.Service
	ledger *quota.Ledger
	health Pinger
	log    *logger.Logger
}

// New constructs the API server.
func New(q *queue.Service, ledger *quota.Ledger, health Pinger, log *logger.Logger) *Server {
	return &Server{
		queue:  q,
		ledger: ledger,
		health: health,
		log:    logger.OrNop(log).With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/stats", s.handleStats)
		r.Get("/tenants/{tenant}/quota", s.handleQuota)
	})
	return r
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	TenantID     string         `json:"tenant_id"`
	UserID       string         `json:"user_id"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int64          `json:"delay_seconds"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Invalid("body", "invalid json: %v", err))
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}

	job, err := s.queue.Enqueue(r.Context(), queue.Request{
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		TenantID:     tenantFromRequest(r, req.TenantID),
		UserID:       req.UserID,
		RunAt:        runAt,
		DelaySeconds: req.DelaySeconds,
	})
	if err != nil {
		s.logRefusal(err, req.Type)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, models.Invalid("id", "must be a positive integer"))
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type quotaResponse struct {
	TenantID string              `json:"tenant_id"`
	Action   string              `json:"action"`
	Plan     quota.Plan          `json:"plan"`
	Allowed  bool                `json:"allowed"`
	Usage    models.QuotaCounter `json:"usage"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	action := r.URL.Query().Get("action")
	if action == "" {
		action = models.ActionMealGeneration
	}
	allowed, err := s.ledger.CheckQuota(r.Context(), tenant, action)
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.ledger.PlanFor(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	usage, err := s.ledger.Usage(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	usage.TenantID = tenant
	writeJSON(w, http.StatusOK, quotaResponse{
		TenantID: tenant,
		Action:   action,
		Plan:     plan,
		Allowed:  allowed,
		Usage:    usage,
	})
}

func (s *Server) logRefusal(err error, kind string) {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrQuotaExceeded), errors.Is(err, queue.ErrRateLimited):
		s.log.Debug("enqueue refused", "type", kind, "error", err)
	default:
		s.log.Error("enqueue failed", "type", kind, "error", err)
	}
}

// tenantFromRequest prefers the X-Tenant-ID header over the body field.
func tenantFromRequest(r *http.Request, body string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); v != "" {
		return v
	}
	return body
}

// statusFor maps the error taxonomy onto HTTP status codes and error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, queue.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusServiceUnavailable, "storage_unavailable"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, name := statusFor(err)
	var limited *queue.RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(limited.RetryAfter), 10))
	}
	writeJSON(w, code, errorResponse{Error: name, Message: err.Error()})
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
