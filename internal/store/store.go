// Package store persists jobs, quota counters, the usage log and the AI response
// cache in Postgres through pgxpool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dinner-queue/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return models.Storage("ping", s.pool.Ping(ctx))
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, payload, priority, status, tenant_id, user_id, attempts, max_retries,
	billable, run_at, claimed_by, created_at, claimed_at, completed_at, result, error, updated_at,
	tokens_used, cost_usd::float8`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                     models.Job
		payloadJSON, resultJSON []byte
		status                  string
		tenant, user, claimedBy pgtype.Text
		errText                 pgtype.Text
		claimedAt, completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Priority, &status, &tenant, &user,
		&job.Attempts, &job.MaxRetries, &job.Billable, &job.RunAt, &claimedBy, &job.CreatedAt,
		&claimedAt, &completedAt, &resultJSON, &errText, &job.UpdatedAt,
		&job.TokensUsed, &job.CostUSD); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.TenantID = textPtr(tenant)
	job.UserID = textPtr(user)
	job.ClaimedBy = textPtr(claimedBy)
	job.Error = textPtr(errText)
	job.ClaimedAt = timePtr(claimedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	v := t.String
	return &v
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
