package handlers

import (
	"context"
	"fmt"
	"time"

	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/models"
	"dinner-queue/internal/worker"
)

// Maintenance is what a data_cleanup job runs. The housekeeper implements it, so
// an on-demand cleanup archives exactly like the scheduled one.
type Maintenance interface {
	PruneOldJobs(ctx context.Context, retentionDays int) (int64, error)
	PruneExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

// Cleanup returns the data_cleanup handler.
func Cleanup(m Maintenance) worker.Handler {
	return func(ctx context.Context, job models.Job) (worker.Outcome, error) {
		p, err := jobtype.Decode[jobtype.DataCleanupPayload](job.Payload)
		if err != nil {
			return worker.Outcome{}, models.Terminal(err)
		}
		var deleted int64
		switch p.Target {
		case jobtype.CleanupAICache:
			deleted, err = m.PruneExpiredCache(ctx, time.Now())
		case jobtype.CleanupJobs:
			if p.OlderThanDays <= 0 {
				return worker.Outcome{}, models.Terminal(models.Invalid("payload.older_than_days", "must be positive"))
			}
			deleted, err = m.PruneOldJobs(ctx, p.OlderThanDays)
		default:
			return worker.Outcome{}, models.Terminal(models.Invalid("payload.target", "unknown cleanup target %q", p.Target))
		}
		if err != nil {
			return worker.Outcome{}, fmt.Errorf("cleanup %s: %w", p.Target, err)
		}
		return worker.Outcome{Result: map[string]any{"target": string(p.Target), "deleted": deleted}}, nil
	}
}
