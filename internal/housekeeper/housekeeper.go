// Package housekeeper runs periodic maintenance off the hot path: stale claim
// recovery, job retention, cache expiry and usage reconciliation.
package housekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/telemetry"
)

// Store is the maintenance surface of the job store.
type Store interface {
	SweepStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ListPrunable(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []int64) (int64, error)
	PruneOldJobs(ctx context.Context, cutoff time.Time) (int64, error)
	PruneExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Archiver persists a batch of jobs before deletion.
type Archiver interface {
	Archive(ctx context.Context, jobs []models.Job) (string, error)
}

// Reconciler flushes deferred usage writes and bills completed jobs that were
// never metered.
type Reconciler interface {
	FlushPending(ctx context.Context) (int, error)
}

// Config tunes the scheduled run.
type Config struct {
	Schedule      string
	MaxClaimAge   time.Duration
	RetentionDays int
	BatchSize     int
}

// Report summarizes one RunOnce.
type Report struct {
	Swept        int64 `json:"swept"`
	Pruned       int64 `json:"pruned"`
	CacheRemoved int64 `json:"cache_removed"`
	Reconciled   int   `json:"reconciled"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Housekeeper struct {
	store      Store
	archiver   Archiver
	reconciler Reconciler
	cfg        Config
	log        *logger.Logger
	now        func() time.Time
}

// Option configures a Housekeeper.
type Option func(*Housekeeper)

// WithArchiver archives each batch before it is deleted.
func WithArchiver(a Archiver) Option {
	return func(h *Housekeeper) { h.archiver = a }
}

// WithReconciler flushes the ledger's outbox on every run.
func WithReconciler(r Reconciler) Option {
	return func(h *Housekeeper) { h.reconciler = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Housekeeper) { h.now = now }
}

// New validates the schedule and builds a housekeeper.
func New(store Store, cfg Config, log *logger.Logger, opts ...Option) (*Housekeeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("housekeeper schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.MaxClaimAge <= 0 {
		return nil, fmt.Errorf("housekeeper: max claim age must be positive")
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("housekeeper: retention days must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	h := &Housekeeper{
		store: store,
		cfg:   cfg,
		log:   logger.OrNop(log).With("component", "housekeeper"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Run executes RunOnce on the cron schedule until ctx is cancelled. A run still in
// progress when ctx ends is waited for.
func (h *Housekeeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(h.cfg.Schedule, func() { _, _ = h.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule housekeeper: %w", err)
	}
	h.log.Info("housekeeper scheduled", "schedule", h.cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce runs every step. A failing step is logged and does not stop the others;
// the joined error is returned.
func (h *Housekeeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
		err  error
	)
	if rep.Swept, err = h.SweepStaleClaims(ctx, h.cfg.MaxClaimAge); err != nil {
		errs = append(errs, h.stepFailed("sweep", err))
	}
	// Reconcile before pruning so a completed job is billed before its row goes.
	if rep.Reconciled, err = h.ReconcileUsage(ctx); err != nil {
		errs = append(errs, h.stepFailed("reconcile", err))
	}
	if rep.Pruned, err = h.PruneOldJobs(ctx, h.cfg.RetentionDays); err != nil {
		errs = append(errs, h.stepFailed("prune_jobs", err))
	}
	if rep.CacheRemoved, err = h.PruneExpiredCache(ctx, h.now()); err != nil {
		errs = append(errs, h.stepFailed("prune_cache", err))
	}
	h.log.Info("housekeeping run finished",
		"swept", rep.Swept, "pruned", rep.Pruned, "cache_removed", rep.CacheRemoved, "reconciled", rep.Reconciled, "errors", len(errs))
	return rep, errors.Join(errs...)
}

func (h *Housekeeper) stepFailed(step string, err error) error {
	telemetry.HousekeeperErrors.WithLabelValues(step).Inc()
	h.log.Error("housekeeping step failed", "step", step, "error", err)
	return fmt.Errorf("%s: %w", step, err)
}

// SweepStaleClaims returns claims older than maxClaimAge to pending, or fails
// them when no retries remain.
func (h *Housekeeper) SweepStaleClaims(ctx context.Context, maxClaimAge time.Duration) (int64, error) {
	n, err := h.store.SweepStaleClaims(ctx, h.now().Add(-maxClaimAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.HousekeeperRemoved.WithLabelValues("sweep").Add(float64(n))
		h.log.Warn("stale claims recovered", "count", n, "max_claim_age", maxClaimAge)
	}
	return n, nil
}

// PruneOldJobs deletes completed and failed jobs older than retentionDays. With an
// archiver each batch is uploaded first and only archived ids are deleted.
func (h *Housekeeper) PruneOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, models.Invalid("retention_days", "must be positive")
	}
	cutoff := h.now().AddDate(0, 0, -retentionDays)
	if h.archiver == nil {
		n, err := h.store.PruneOldJobs(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		telemetry.HousekeeperRemoved.WithLabelValues("prune_jobs").Add(float64(n))
		return n, nil
	}

	var total int64
	for ctx.Err() == nil {
		batch, err := h.store.ListPrunable(ctx, cutoff, h.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		loc, err := h.archiver.Archive(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("archive batch: %w", err)
		}
		ids := make([]int64, len(batch))
		for i, j := range batch {
			ids[i] = j.ID
		}
		n, err := h.store.DeleteJobs(ctx, ids)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		telemetry.HousekeeperRemoved.WithLabelValues("archive").Add(float64(n))
		h.log.Info("jobs archived", "count", n, "location", loc)
		if len(batch) < h.cfg.BatchSize {
			break
		}
	}
	return total, ctx.Err()
}

// PruneExpiredCache deletes AI cache rows expired at now.
func (h *Housekeeper) PruneExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	n, err := h.store.PruneExpiredCache(ctx, now)
	if err != nil {
		return 0, err
	}
	telemetry.HousekeeperRemoved.WithLabelValues("prune_cache").Add(float64(n))
	return n, nil
}

// ReconcileUsage flushes deferred usage writes and bills unmetered completions.
func (h *Housekeeper) ReconcileUsage(ctx context.Context) (int, error) {
	if h.reconciler == nil {
		return 0, nil
	}
	return h.reconciler.FlushPending(ctx)
}
