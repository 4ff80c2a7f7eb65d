// Package quota enforces plan-derived daily limits and meters billable usage.
package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/telemetry"
)

// ErrUsageDeferred reports that a usage entry could not be written and is parked
// for reconciliation. The job's outcome stands.
var ErrUsageDeferred = errors.New("usage deferred for reconciliation")

// Store is the persistence the ledger needs. Both job stores implement it.
type Store interface {
	Counter(ctx context.Context, tenantID string, day time.Time) (models.QuotaCounter, error)
	RecordUsage(ctx context.Context, e models.UsageEntry) (bool, error)
	TenantPlan(ctx context.Context, tenantID string) (string, error)
	UnmeteredJobs(ctx context.Context, limit int) ([]models.Job, error)
}

// unmeteredBatch bounds how many completed jobs one reconciliation bills.
const unmeteredBatch = 500

// Ledger reads counters against plan caps and records usage with retry. Entries
// that keep failing wait in an in-process outbox until FlushPending writes them.
// The outbox does not survive a restart; FlushPending also bills completed jobs
// from the metering stored on their rows.
type Ledger struct {
	store    Store
	catalog  Catalog
	log      *logger.Logger
	now      func() time.Time
	attempts int
	backoff  time.Duration

	mu      sync.Mutex
	pending []models.UsageEntry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets how many times a usage write is attempted and the base delay.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts > 0 {
			l.attempts = attempts
		}
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger builds a ledger over store.
func NewLedger(store Store, catalog Catalog, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		catalog:  catalog,
		log:      logger.OrNop(log).With("component", "quota"),
		now:      time.Now,
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PlanFor resolves the tenant's plan.
func (l *Ledger) PlanFor(ctx context.Context, tenantID string) (Plan, error) {
	assigned, err := l.store.TenantPlan(ctx, tenantID)
	if err != nil {
		return Plan{}, err
	}
	return l.catalog.Resolve(tenantID, assigned), nil
}

// Limit returns today's admission limit for the tenant and action. Meal caps apply
// only to meal_generation; token and cost caps apply to every billable action.
func (l *Ledger) Limit(ctx context.Context, tenantID, action string) (models.QuotaLimit, error) {
	plan, err := l.PlanFor(ctx, tenantID)
	if err != nil {
		return models.QuotaLimit{}, err
	}
	limit := models.QuotaLimit{
		Day:        models.Day(l.now()),
		MaxTokens:  plan.TokensPerDay,
		MaxCostUSD: plan.CostUSDPerDay,
	}
	if action == models.ActionMealGeneration {
		limit.MaxPerDay = plan.MealsPerDay
	}
	return limit, nil
}

// CheckQuota reports whether today's counter is still below the plan cap for the
// action. Reaching the cap yields false, not an error. It never mutates state.
func (l *Ledger) CheckQuota(ctx context.Context, tenantID, action string) (bool, error) {
	if strings.TrimSpace(tenantID) == "" {
		return false, models.Invalid("tenant_id", "required")
	}
	limit, err := l.Limit(ctx, tenantID, action)
	if err != nil {
		return false, err
	}
	if limit.Unlimited() {
		return true, nil
	}
	counter, err := l.store.Counter(ctx, tenantID, limit.Day)
	if err != nil {
		return false, err
	}
	return !limit.Exceeded(counter, 0), nil
}

// Usage returns the tenant's counter for today.
func (l *Ledger) Usage(ctx context.Context, tenantID string) (models.QuotaCounter, error) {
	return l.store.Counter(ctx, tenantID, models.Day(l.now()))
}

// RecordUsage appends the usage entry and increments today's counter. Storage
// failures are retried with exponential backoff; after the last attempt the entry
// is parked and ErrUsageDeferred is returned. A job already billed is a no-op.
func (l *Ledger) RecordUsage(ctx context.Context, e models.UsageEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now().UTC()
	}
	delay := l.backoff
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err = l.record(ctx, e); err == nil {
			return nil
		}
		if attempt == l.attempts || ctx.Err() != nil {
			break
		}
		l.log.Warn("usage write failed, retrying", "job_id", e.JobID, "tenant_id", e.TenantID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
	}
	l.park(e)
	l.log.Error("usage parked for reconciliation", "job_id", e.JobID, "tenant_id", e.TenantID,
		"tokens", e.TokensUsed, "cost_usd", e.CostUSD, "error", err)
	return errors.Join(ErrUsageDeferred, err)
}

func (l *Ledger) record(ctx context.Context, e models.UsageEntry) error {
	recorded, err := l.store.RecordUsage(ctx, e)
	if err != nil {
		return err
	}
	if recorded {
		telemetry.UsageRecorded.Inc()
	} else {
		l.log.Debug("usage already recorded for job", "job_id", e.JobID)
	}
	return nil
}

func (l *Ledger) park(e models.UsageEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, e)
	telemetry.UsagePending.Set(float64(len(l.pending)))
}

// Pending returns how many entries await reconciliation.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// FlushPending makes one write attempt per parked entry and keeps the ones that
// still fail, then bills completed billable jobs that have no usage entry. It
// returns how many entries were written.
func (l *Ledger) FlushPending(ctx context.Context) (int, error) {
	flushed, err := l.flushParked(ctx)
	billed, berr := l.billUnmetered(ctx)
	return flushed + billed, errors.Join(err, berr)
}

// billUnmetered records usage for completed jobs whose usage write never landed,
// dated by their completion so the right day's counter moves.
func (l *Ledger) billUnmetered(ctx context.Context) (int, error) {
	jobs, err := l.store.UnmeteredJobs(ctx, unmeteredBatch)
	if err != nil {
		return 0, err
	}
	var (
		billed int
		errs   []error
	)
	for _, job := range jobs {
		recorded, err := l.store.RecordUsage(ctx, job.UsageEntry())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if recorded {
			billed++
			telemetry.UsageRecorded.Inc()
		}
	}
	if billed > 0 {
		l.log.Warn("usage billed from completed jobs", "count", billed)
	}
	return billed, errors.Join(errs...)
}

func (l *Ledger) flushParked(ctx context.Context) (int, error) {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	var (
		flushed int
		failed  []models.UsageEntry
		errs    []error
	)
	for _, e := range batch {
		if err := l.record(ctx, e); err != nil {
			failed = append(failed, e)
			errs = append(errs, err)
			continue
		}
		flushed++
	}

	l.mu.Lock()
	l.pending = append(failed, l.pending...)
	telemetry.UsagePending.Set(float64(len(l.pending)))
	l.mu.Unlock()

	if len(errs) > 0 {
		l.log.Error("usage reconciliation incomplete", "flushed", flushed, "remaining", len(failed))
		return flushed, errors.Join(errs...)
	}
	return flushed, nil
}
