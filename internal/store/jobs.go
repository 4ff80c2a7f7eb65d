package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dinner-queue/internal/models"
)

// Enqueue inserts a pending job through create_job().
func (s *Store) Enqueue(ctx context.Context, p models.EnqueueParams) (models.Job, error) {
	job, err := s.insert(ctx, s.pool, p)
	return job, models.Storage("enqueue", err)
}

// EnqueueWithinQuota admits a billable job only while the tenant's counter plus its
// outstanding billable jobs stay below the limit. A transaction-scoped advisory lock
// on the tenant serializes concurrent admissions.
func (s *Store) EnqueueWithinQuota(ctx context.Context, p models.EnqueueParams, limit models.QuotaLimit) (models.Job, error) {
	if limit.Unlimited() {
		return s.Enqueue(ctx, p)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, models.Storage("begin admission", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.TenantID); err != nil {
		return models.Job{}, models.Storage("lock tenant", err)
	}

	day := models.Day(limit.Day)
	counter, err := counterQuery(ctx, tx, p.TenantID, day)
	if err != nil {
		return models.Job{}, err
	}
	var outstanding int64
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs j
		WHERE j.tenant_id = $1 AND j.billable
		  AND (j.status IN ('pending', 'claimed')
		       OR (j.status = 'completed' AND j.completed_at >= $2
		           AND NOT EXISTS (SELECT 1 FROM usage_log u WHERE u.job_id = j.id)))
	`, p.TenantID, day).Scan(&outstanding); err != nil {
		return models.Job{}, models.Storage("count outstanding", err)
	}
	if limit.Exceeded(counter, outstanding) {
		return models.Job{}, models.ErrQuotaExceeded
	}

	job, err := s.insert(ctx, tx, p)
	if err != nil {
		return models.Job{}, models.Storage("enqueue", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, models.Storage("commit admission", err)
	}
	return job, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) insert(ctx context.Context, q querier, p models.EnqueueParams) (models.Job, error) {
	payloadJSON, err := marshalJSON(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	var runAt any
	if !p.RunAt.IsZero() {
		runAt = p.RunAt.UTC()
	}
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM create_job($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.Type, payloadJSON, p.Priority, nullable(p.TenantID), nullable(p.UserID), p.MaxRetries, p.Billable, runAt)
	return scanJob(row)
}

// ClaimNext claims the highest-priority, oldest eligible job with SKIP LOCKED so
// concurrent workers never receive the same row. It returns nil when none is ready.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM get_next_job($1)`, workerID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Storage("claim next", err)
	}
	return &job, nil
}

// Complete transitions a claimed job to completed and stores its metering on the
// row in the same statement.
func (s *Store) Complete(ctx context.Context, id int64, result map[string]any, usage models.Metering) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $2, error = NULL, tokens_used = $3, cost_usd = $4,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id, resultJSON, usage.TokensUsed, usage.CostUSD)
	if err != nil {
		return models.Storage("complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateError(ctx, id)
	}
	return nil
}

// Fail transitions a claimed job to failed.
func (s *Store) Fail(ctx context.Context, id int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id, errMsg)
	if err != nil {
		return models.Storage("fail job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateError(ctx, id)
	}
	return nil
}

// Retry returns a claimed job to pending, counting the attempt and delaying it to runAt.
func (s *Store) Retry(ctx context.Context, id int64, runAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = attempts + 1, run_at = $2, error = $3,
		    claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id, runAt.UTC(), errMsg)
	if err != nil {
		return models.Storage("retry job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateError(ctx, id)
	}
	return nil
}

// Release returns a claimed job to pending without counting an attempt, for work
// interrupted by shutdown rather than by the job itself.
func (s *Store) Release(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', run_at = NOW(), claimed_at = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'
	`, id)
	if err != nil {
		return models.Storage("release job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.stateError(ctx, id)
	}
	return nil
}

// stateError explains why a conditional transition matched no row.
func (s *Store) stateError(ctx context.Context, id int64) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if isNoRows(err) {
		return models.ErrNotFound
	}
	if err != nil {
		return models.Storage("load job status", err)
	}
	return &models.InvalidStateError{JobID: id, Want: models.StatusClaimed, Got: models.JobStatus(status)}
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, models.Storage("get job", err)
	}
	return job, nil
}

// Stats returns counts by status from a single get_job_stats() snapshot.
func (s *Store) Stats(ctx context.Context) (models.JobStats, error) {
	var st models.JobStats
	err := s.pool.QueryRow(ctx, `SELECT total, pending, claimed, completed, failed FROM get_job_stats()`).
		Scan(&st.Total, &st.Pending, &st.Claimed, &st.Completed, &st.Failed)
	if err != nil {
		return models.JobStats{}, models.Storage("job stats", err)
	}
	return st, nil
}

// SweepStaleClaims resets claims older than cutoff. Jobs without retries left fail.
func (s *Store) SweepStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status       = CASE WHEN attempts < max_retries THEN 'pending' ELSE 'failed' END,
		    attempts     = CASE WHEN attempts < max_retries THEN attempts + 1 ELSE attempts END,
		    run_at       = CASE WHEN attempts < max_retries THEN NOW() ELSE run_at END,
		    completed_at = CASE WHEN attempts < max_retries THEN NULL ELSE NOW() END,
		    claimed_at   = CASE WHEN attempts < max_retries THEN NULL ELSE claimed_at END,
		    claimed_by   = CASE WHEN attempts < max_retries THEN NULL ELSE claimed_by END,
		    error        = 'claim expired',
		    updated_at   = NOW()
		WHERE status = 'claimed' AND claimed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, models.Storage("sweep stale claims", err)
	}
	return tag.RowsAffected(), nil
}

// ListPrunable returns terminal jobs finished before cutoff, oldest first.
func (s *Store) ListPrunable(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1
		ORDER BY id
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, models.Storage("list prunable", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, models.Storage("scan prunable", err)
}

// UnmeteredJobs returns completed billable tenant jobs that have no usage
// row, oldest completion first.
func (s *Store) UnmeteredJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'completed' AND j.billable AND j.tenant_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM usage_log u WHERE u.job_id = j.id)
		ORDER BY j.completed_at, j.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, models.Storage("list unmetered", err)
	}
	jobs, err := collectJobs(rows)
	return jobs, models.Storage("scan unmetered", err)
}

// DeleteJobs removes terminal jobs by id. Non-terminal ids are skipped.
func (s *Store) DeleteJobs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id = ANY($1) AND status IN ('completed', 'failed')
	`, ids)
	if err != nil {
		return 0, models.Storage("delete jobs", err)
	}
	return tag.RowsAffected(), nil
}

// PruneOldJobs deletes completed and failed jobs finished before cutoff.
func (s *Store) PruneOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status IN ('completed', 'failed') AND completed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, models.Storage("prune jobs", err)
	}
	return tag.RowsAffected(), nil
}
