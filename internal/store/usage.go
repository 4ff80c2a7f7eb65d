package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dinner-queue/internal/models"
)

// Counter returns the tenant's counter for the day, zero-valued when absent.
func (s *Store) Counter(ctx context.Context, tenantID string, day time.Time) (models.QuotaCounter, error) {
	return counterQuery(ctx, s.pool, tenantID, models.Day(day))
}

func counterQuery(ctx context.Context, q querier, tenantID string, day time.Time) (models.QuotaCounter, error) {
	c := models.QuotaCounter{TenantID: tenantID, Day: day}
	err := q.QueryRow(ctx, `
		SELECT meals_generated, tokens_used, cost_usd::float8
		FROM usage_counters WHERE tenant_id = $1 AND day = $2
	`, tenantID, day).Scan(&c.MealsGenerated, &c.TokensUsed, &c.CostUSD)
	if isNoRows(err) {
		return c, nil
	}
	if err != nil {
		return models.QuotaCounter{}, models.Storage("load counter", err)
	}
	return c, nil
}

// RecordUsage inserts the usage row and increments the day's counter in one
// transaction. The unique job_id turns a second record for the same job into a no-op
// that reports false.
func (s *Store) RecordUsage(ctx context.Context, e models.UsageEntry) (bool, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.RecordedAt = e.RecordedAt.UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, models.Storage("begin usage", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var jobID any
	if e.JobID != 0 {
		jobID = e.JobID
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_log (job_id, tenant_id, user_id, action, tokens_used, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, jobID, e.TenantID, nullable(e.UserID), e.Action, e.TokensUsed, e.CostUSD, e.RecordedAt)
	if err != nil {
		return false, models.Storage("insert usage", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	meals := 0
	if e.Action == models.ActionMealGeneration {
		meals = 1
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO usage_counters (tenant_id, day, meals_generated, tokens_used, cost_usd, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, day) DO UPDATE
		SET meals_generated = usage_counters.meals_generated + EXCLUDED.meals_generated,
		    tokens_used     = usage_counters.tokens_used + EXCLUDED.tokens_used,
		    cost_usd        = usage_counters.cost_usd + EXCLUDED.cost_usd,
		    updated_at      = NOW()
	`, e.TenantID, models.Day(e.RecordedAt), meals, e.TokensUsed, e.CostUSD); err != nil {
		return false, models.Storage("increment counter", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, models.Storage("commit usage", err)
	}
	return true, nil
}

// UsageLog returns the full usage log in insertion order.
func (s *Store) UsageLog(ctx context.Context) ([]models.UsageEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(job_id, 0), tenant_id, COALESCE(user_id, ''), action, tokens_used,
		       cost_usd::float8, recorded_at
		FROM usage_log ORDER BY id
	`)
	if err != nil {
		return nil, models.Storage("list usage", err)
	}
	defer rows.Close()
	var out []models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.TenantID, &e.UserID, &e.Action, &e.TokensUsed, &e.CostUSD, &e.RecordedAt); err != nil {
			return nil, models.Storage("scan usage", err)
		}
		out = append(out, e)
	}
	return out, models.Storage("scan usage", rows.Err())
}

// TenantPlan returns the plan assigned to the tenant, or "".
func (s *Store) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan FROM tenant_plans WHERE tenant_id = $1`, tenantID).Scan(&plan)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", models.Storage("load tenant plan", err)
	}
	return plan, nil
}

// SetTenantPlan assigns a plan, replacing any previous one.
func (s *Store) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_plans (tenant_id, plan, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = NOW()
	`, tenantID, plan)
	return models.Storage("set tenant plan", err)
}

// CacheGet returns an unexpired cache entry.
func (s *Store) CacheGet(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	var (
		e   = models.CacheEntry{Key: key}
		raw []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT value, created_at, expires_at FROM ai_response_cache
		WHERE cache_key = $1 AND expires_at > NOW()
	`, key).Scan(&raw, &e.CreatedAt, &e.ExpiresAt)
	if isNoRows(err) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, models.Storage("cache get", err)
	}
	if err := json.Unmarshal(raw, &e.Value); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return e, true, nil
}

// CachePut upserts a cache entry.
func (s *Store) CachePut(ctx context.Context, e models.CacheEntry) error {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ai_response_cache (cache_key, value, created_at, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE
		SET value = EXCLUDED.value, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, e.Key, raw, e.CreatedAt.UTC(), e.ExpiresAt.UTC())
	return models.Storage("cache put", err)
}

// PruneExpiredCache deletes cache rows expired at now.
func (s *Store) PruneExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_response_cache WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, models.Storage("prune cache", err)
	}
	return tag.RowsAffected(), nil
}
