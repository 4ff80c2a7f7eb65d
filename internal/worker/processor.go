package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/quota"
	"dinner-queue/internal/telemetry"
)

// Store is the set of transitions a worker performs on a claimed job.
type Store interface {
	Complete(ctx context.Context, id int64, result map[string]any, usage models.Metering) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Retry(ctx context.Context, id int64, runAt time.Time, errMsg string) error
	Release(ctx context.Context, id int64) error
}

// UsageRecorder meters billable completions.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, e models.UsageEntry) error
}

// Outcome is a handler's successful result.
type Outcome struct {
	Result map[string]any
	Usage  models.Metering
}

// SpentError is a handler failure that happened after provider usage was
// incurred. The usage is billed even though the job does not complete.
type SpentError struct {
	Usage models.Metering
	Err   error
}

func (e *SpentError) Error() string { return e.Err.Error() }
func (e *SpentError) Unwrap() error { return e.Err }

// Spent wraps err with the usage incurred before it.
func Spent(usage models.Metering, err error) error {
	if err == nil {
		return nil
	}
	return &SpentError{Usage: usage, Err: err}
}

// Handler executes a job for a given type. Return a models.TerminalTaskError to
// fail without retry; any other error is retried.
type Handler func(ctx context.Context, job models.Job) (Outcome, error)

// Config tunes retry backoff.
type Config struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Processor executes claimed jobs and records their outcome.
type Processor struct {
	store    Store
	usage    UsageRecorder
	registry *jobtype.Registry
	handlers map[jobtype.Kind]Handler
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// NewProcessor builds a processor with no handlers bound.
func NewProcessor(store Store, usage UsageRecorder, registry *jobtype.Registry, cfg Config, log *logger.Logger) *Processor {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	return &Processor{
		store:    store,
		usage:    usage,
		registry: registry,
		handlers: make(map[jobtype.Kind]Handler),
		cfg:      cfg,
		log:      logger.OrNop(log).With("component", "worker"),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(kind jobtype.Kind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Execute runs the handler bound to the job's type and records the outcome.
// Bookkeeping writes outlive ctx so a shutdown still records the result.
func (p *Processor) Execute(ctx context.Context, job models.Job) {
	ctx, span := telemetry.Tracer().Start(ctx, "job.execute", trace.WithAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempts", job.Attempts),
		attribute.String("job.tenant_id", job.Tenant()),
	))
	defer span.End()

	log := p.log.With("job_id", job.ID, "type", job.Type, "attempts", job.Attempts)
	write := context.WithoutCancel(ctx)

	def, known := p.registry.Lookup(job.Type)
	handler, bound := p.handlers[jobtype.Kind(job.Type)]
	if !known || !bound {
		err := models.Terminal(fmt.Errorf("no handler registered for type %q", job.Type))
		span.SetStatus(codes.Error, err.Error())
		p.fail(write, log, job, err)
		return
	}

	start := p.now()
	outcome, err := p.run(ctx, handler, job, def.Timeout)
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(p.now().Sub(start).Seconds())

	if err == nil {
		p.complete(write, log, def, job, outcome)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.billSpent(write, log, def, job, err)

	if interrupted(ctx, err) {
		p.release(write, log, job, err)
		return
	}
	if models.IsTerminal(err) || !job.RetriesLeft() {
		p.fail(write, log, job, err)
		return
	}
	p.retry(write, log, job, err)
}

// interrupted reports whether the worker itself stopped the job. Cancellation of
// the worker's context is not a failure of the job and costs no attempt; the
// kind's own deadline does.
func interrupted(ctx context.Context, err error) bool {
	return !models.IsTerminal(err) && errors.Is(ctx.Err(), context.Canceled)
}

type result struct {
	outcome Outcome
	err     error
}

// run calls the handler under the kind's timeout. A handler that ignores
// cancellation is abandoned once the deadline passes; the claim stays with this
// worker until the job row is updated.
func (p *Processor) run(ctx context.Context, handler Handler, job models.Job, timeout time.Duration) (Outcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: models.Terminal(fmt.Errorf("handler panic: %v", r))}
			}
		}()
		out, err := handler(ctx, job)
		done <- result{outcome: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !models.IsTerminal(r.err) {
			return Outcome{}, models.Transient(fmt.Errorf("timed out after %s: %w", timeout, r.err))
		}
		return r.outcome, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, models.Transient(fmt.Errorf("timed out after %s", timeout))
		}
		return Outcome{}, models.Transient(ctx.Err())
	}
}

func (p *Processor) complete(ctx context.Context, log *logger.Logger, def jobtype.Definition, job models.Job, outcome Outcome) {
	if err := p.store.Complete(ctx, job.ID, outcome.Result, outcome.Usage); err != nil {
		p.transitionFailed(log, "complete", err)
		return
	}
	telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
	log.Info("job completed", "tokens", outcome.Usage.TokensUsed, "cost_usd", outcome.Usage.CostUSD)

	if !def.Billable || job.Tenant() == "" || p.usage == nil {
		return
	}
	err := p.usage.RecordUsage(ctx, models.UsageEntry{
		JobID:      job.ID,
		TenantID:   job.Tenant(),
		UserID:     job.User(),
		Action:     job.Type,
		TokensUsed: outcome.Usage.TokensUsed,
		CostUSD:    outcome.Usage.CostUSD,
	})
	switch {
	case err == nil:
	case errors.Is(err, quota.ErrUsageDeferred):
		log.Warn("usage deferred to reconciliation", "error", err)
	default:
		log.Error("usage not recorded", "error", err)
	}
}

// billSpent records provider usage carried by a failed attempt. It counts tokens
// and cost but no meal, and is not tied to the job id so the eventual completion
// still bills.
func (p *Processor) billSpent(ctx context.Context, log *logger.Logger, def jobtype.Definition, job models.Job, cause error) {
	var spent *SpentError
	if !errors.As(cause, &spent) || spent.Usage == (models.Metering{}) {
		return
	}
	if !def.Billable || job.Tenant() == "" || p.usage == nil {
		log.Warn("provider usage on failed attempt not billed", "tokens", spent.Usage.TokensUsed, "cost_usd", spent.Usage.CostUSD)
		return
	}
	err := p.usage.RecordUsage(ctx, models.UsageEntry{
		TenantID:   job.Tenant(),
		UserID:     job.User(),
		Action:     models.ActionProviderSpend,
		TokensUsed: spent.Usage.TokensUsed,
		CostUSD:    spent.Usage.CostUSD,
	})
	if err != nil && !errors.Is(err, quota.ErrUsageDeferred) {
		log.Error("failed attempt usage not recorded", "tokens", spent.Usage.TokensUsed, "error", err)
	}
}

func (p *Processor) release(ctx context.Context, log *logger.Logger, job models.Job, cause error) {
	if err := p.store.Release(ctx, job.ID); err != nil {
		p.transitionFailed(log, "release", err)
		return
	}
	telemetry.JobsReleased.WithLabelValues(job.Type).Inc()
	log.Warn("job released on shutdown", "error", cause)
}

func (p *Processor) retry(ctx context.Context, log *logger.Logger, job models.Job, cause error) {
	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1)
	runAt := p.now().Add(delay)
	if err := p.store.Retry(ctx, job.ID, runAt, cause.Error()); err != nil {
		p.transitionFailed(log, "retry", err)
		return
	}
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	log.Warn("job failed, retry scheduled", "error", cause, "backoff", delay, "max_retries", job.MaxRetries)
}

func (p *Processor) fail(ctx context.Context, log *logger.Logger, job models.Job, cause error) {
	if err := p.store.Fail(ctx, job.ID, cause.Error()); err != nil {
		p.transitionFailed(log, "fail", err)
		return
	}
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	log.Error("job failed", "error", cause, "terminal", models.IsTerminal(cause))
}

// transitionFailed logs a write that could not land. Invalid state means another
// actor moved the job; storage errors leave the claim for the stale sweep.
func (p *Processor) transitionFailed(log *logger.Logger, op string, err error) {
	if errors.Is(err, models.ErrInvalidState) {
		log.Error("job moved under worker", "op", op, "error", err)
		return
	}
	log.Error("job transition not recorded", "op", op, "error", err)
}

// backoffWithJitter returns a delay in [d/2, d) where d = base * 2^(attempt-1),
// capped at max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
