// Package queue is the write entrypoint for producers: validation, atomic
// quota-checked admission and new-job notification.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/ratelimit"
	"dinner-queue/internal/telemetry"
)

// ErrRateLimited refuses an enqueue when the tenant's token bucket is empty.
var ErrRateLimited = errors.New("enqueue rate limit exceeded")

// MaxDelay bounds how far ahead a job may be scheduled with a delay.
const MaxDelay = 365 * 24 * time.Hour

// RateLimitError is ErrRateLimited with the bucket's refill estimate. RetryAfter
// is negative when the bucket never refills.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Store is the subset of the job store admission needs.
type Store interface {
	Enqueue(ctx context.Context, p models.EnqueueParams) (models.Job, error)
	EnqueueWithinQuota(ctx context.Context, p models.EnqueueParams, limit models.QuotaLimit) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	Stats(ctx context.Context) (models.JobStats, error)
}

// Limits resolves a tenant's admission limit for an action.
type Limits interface {
	Limit(ctx context.Context, tenantID, action string) (models.QuotaLimit, error)
}

// Limiter is a keyed token bucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Notifier is told about every admitted job.
type Notifier interface {
	Notify(ctx context.Context, job models.Job) error
}

// Request is a producer's enqueue call.
type Request struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	TenantID string         `json:"tenant_id,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	RunAt    time.Time      `json:"run_at,omitempty"`
	// DelaySeconds, when positive, schedules the job that far from now and
	// overrides RunAt.
	DelaySeconds int64 `json:"delay_seconds,omitempty"`
}

// Service admits jobs into the store.
type Service struct {
	store    Store
	registry *jobtype.Registry
	limits   Limits
	notifier Notifier
	limiter  Limiter
	log      *logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier wakes dispatchers on admission.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRateLimiter throttles enqueues per tenant.
func WithRateLimiter(l Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService builds the admission service.
func NewService(store Store, registry *jobtype.Registry, limits Limits, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		limits:   limits,
		log:      logger.OrNop(log).With("component", "queue"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates the request and inserts a pending job. Billable kinds are
// admitted atomically against the tenant's quota; a refusal returns
// models.ErrQuotaExceeded and nothing is stored.
func (s *Service) Enqueue(ctx context.Context, req Request) (models.Job, error) {
	job, err := s.enqueue(ctx, req)
	if err != nil {
		telemetry.EnqueueRejects.WithLabelValues(rejectReason(err)).Inc()
		return models.Job{}, err
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, job); err != nil {
			s.log.Warn("new job notification failed", "job_id", job.ID, "error", err)
		}
	}
	s.log.Debug("job enqueued", "job_id", job.ID, "type", job.Type, "priority", job.Priority, "tenant_id", job.Tenant())
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, req Request) (models.Job, error) {
	req.Type = strings.TrimSpace(req.Type)
	req.TenantID = strings.TrimSpace(req.TenantID)
	def, err := s.registry.Validate(req.Type, req.Payload)
	if err != nil {
		return models.Job{}, err
	}
	if def.Billable && req.TenantID == "" {
		return models.Job{}, models.Invalid("tenant_id", "required for %s jobs", def.Kind)
	}
	if req.Priority < math.MinInt32 || req.Priority > math.MaxInt32 {
		return models.Job{}, models.Invalid("priority", "must be between %d and %d", math.MinInt32, math.MaxInt32)
	}
	runAt, err := scheduleAt(req)
	if err != nil {
		return models.Job{}, err
	}

	if s.limiter != nil && req.TenantID != "" {
		d, err := s.limiter.Allow(ctx, "ratelimit:enqueue:"+req.TenantID)
		if err != nil {
			// Fail open on limiter errors.
			s.log.Warn("rate limiter unavailable", "tenant_id", req.TenantID, "error", err)
		} else if !d.Allowed {
			return models.Job{}, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	params := models.EnqueueParams{
		Type:       string(def.Kind),
		Payload:    req.Payload,
		Priority:   req.Priority,
		TenantID:   req.TenantID,
		UserID:     strings.TrimSpace(req.UserID),
		MaxRetries: def.MaxRetries,
		RunAt:      runAt,
		Billable:   def.Billable,
	}
	if !def.Billable {
		return s.store.Enqueue(ctx, params)
	}
	limit, err := s.limits.Limit(ctx, req.TenantID, string(def.Kind))
	if err != nil {
		return models.Job{}, fmt.Errorf("resolve quota: %w", err)
	}
	return s.store.EnqueueWithinQuota(ctx, params, limit)
}

func scheduleAt(req Request) (time.Time, error) {
	switch {
	case req.DelaySeconds < 0:
		return time.Time{}, models.Invalid("delay_seconds", "must not be negative")
	case req.DelaySeconds > int64(MaxDelay/time.Second):
		return time.Time{}, models.Invalid("delay_seconds", "must be at most %d", int64(MaxDelay/time.Second))
	case req.DelaySeconds > 0:
		return time.Now().Add(time.Duration(req.DelaySeconds) * time.Second), nil
	}
	return req.RunAt, nil
}

// Stats returns the store's snapshot and publishes it to the status gauges.
func (s *Service) Stats(ctx context.Context) (models.JobStats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return models.JobStats{}, err
	}
	telemetry.ObserveStats(st)
	return st, nil
}

// GetJob looks a job up by id.
func (s *Service) GetJob(ctx context.Context, id int64) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "storage"
	}
}
