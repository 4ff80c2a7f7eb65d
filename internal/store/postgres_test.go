package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/models"
)

// newTestStore connects to TEST_DATABASE_URL, migrates and truncates. It skips the
// test when the variable is not set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL test")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE jobs, usage_counters, usage_log, ai_response_cache, tenant_plans RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestClaimNextSkipLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 20 {
		_, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", MaxRetries: 3})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.ClaimNext(ctx, "w")
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}

func TestClaimNextOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", Priority: 1})
	require.NoError(t, err)
	high, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", Priority: 9})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", Priority: 9, RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	first, err := s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, models.StatusClaimed, first.Status)
	require.NotNil(t, first.ClaimedBy)
	assert.Equal(t, "w", *first.ClaimedBy)

	second, err := s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	none, err := s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTransitionsRequireClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, models.EnqueueParams{Type: "meal_generation", TenantID: "t1", Billable: true})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Complete(ctx, job.ID, nil, models.Metering{}), models.ErrInvalidState)
	assert.ErrorIs(t, s.Release(ctx, job.ID), models.ErrInvalidState)

	_, err = s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, job.ID, map[string]any{"meals": 3.0}, models.Metering{TokensUsed: 420, CostUSD: 0.0042}))
	assert.ErrorIs(t, s.Complete(ctx, job.ID, nil, models.Metering{}), models.ErrInvalidState)
	assert.ErrorIs(t, s.Fail(ctx, 999, "x"), models.ErrNotFound)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3.0, got.Result["meals"])
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(420), got.TokensUsed)
	assert.InDelta(t, 0.0042, got.CostUSD, 1e-9)
}

func TestReleaseKeepsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", MaxRetries: 1})
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Retry(ctx, job.ID, time.Now().Add(-time.Second), "boom"))
	_, err = s.ClaimNext(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, job.ID))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ClaimedBy)

	again, err := s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NotNil(t, again, "released job is immediately claimable")
	assert.Equal(t, job.ID, again.ID)
	assert.ErrorIs(t, s.Release(ctx, 999), models.ErrNotFound)
}

func TestUnmeteredJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	billed, err := s.Enqueue(ctx, models.EnqueueParams{Type: "meal_generation", TenantID: "t1", Billable: true})
	require.NoError(t, err)
	lost, err := s.Enqueue(ctx, models.EnqueueParams{Type: "meal_generation", TenantID: "t1", Billable: true})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup"})
	require.NoError(t, err)
	for range 3 {
		claimed, err := s.ClaimNext(ctx, "w")
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, claimed.ID, nil, models.Metering{TokensUsed: 300, CostUSD: 0.003}))
	}
	_, err = s.RecordUsage(ctx, models.UsageEntry{JobID: billed.ID, TenantID: "t1", Action: "meal_generation"})
	require.NoError(t, err)

	jobs, err := s.UnmeteredJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, lost.ID, jobs[0].ID)
	assert.Equal(t, int64(300), jobs[0].TokensUsed)
}

func TestRetryAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup", MaxRetries: 1})
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Retry(ctx, job.ID, time.Now().Add(-time.Second), "upstream 503"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.ClaimedBy)

	_, err = s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	n, err := s.SweepStaleClaims(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status, "no retries left after sweep")
}

func TestStatsAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 3 {
		_, err := s.Enqueue(ctx, models.EnqueueParams{Type: "data_cleanup"})
		require.NoError(t, err)
	}
	job, err := s.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, job.ID, "bad payload"))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobStats{Total: 3, Pending: 2, Failed: 1}, st)

	prunable, err := s.ListPrunable(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, prunable, 1)
	n, err := s.DeleteJobs(ctx, []int64{prunable[0].ID, prunable[0].ID + 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending jobs are never deleted")
}

func TestEnqueueWithinQuotaSerializesTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limit := models.QuotaLimit{Day: time.Now(), MaxPerDay: 5}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EnqueueWithinQuota(ctx, models.EnqueueParams{
				Type: "meal_generation", TenantID: "t1", Billable: true,
			}, limit)
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrQuotaExceeded)
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, admitted)
}

func TestRecordUsageOncePerJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	entry := models.UsageEntry{JobID: 42, TenantID: "t1", Action: models.ActionMealGeneration, TokensUsed: 120, CostUSD: 0.0021}

	ok, err := s.RecordUsage(ctx, entry)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RecordUsage(ctx, entry)
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := s.Counter(ctx, "t1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.MealsGenerated)
	assert.Equal(t, int64(120), c.TokensUsed)
	assert.InDelta(t, 0.0021, c.CostUSD, 1e-9)
}

func TestCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CachePut(ctx, models.CacheEntry{Key: "k", Value: map[string]any{"a": "b"}, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.CachePut(ctx, models.CacheEntry{Key: "old", Value: map[string]any{}, ExpiresAt: time.Now().Add(-time.Hour)}))

	e, ok, err := s.CacheGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", e.Value["a"])

	_, ok, err = s.CacheGet(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.PruneExpiredCache(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RunMigrations(ctx))
	var applied int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 3, applied)
}
