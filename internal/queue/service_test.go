package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/memstore"
	"dinner-queue/internal/models"
	"dinner-queue/internal/quota"
	"dinner-queue/internal/ratelimit"
)

type denyLimiter struct {
	wait time.Duration
	err  error
}

func (d denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{RetryAfter: d.wait}, d.err
}

func newService(t *testing.T, opts ...Option) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ledger := quota.NewLedger(store, quota.DefaultCatalog(), nil)
	return NewService(store, jobtype.Default(jobtype.Options{MaxRetries: 3}), ledger, nil, opts...), store
}

func mealRequest(tenant string) Request {
	return Request{
		Type:     "meal_generation",
		Payload:  map[string]any{"ingredients": []any{"chicken", "rice"}},
		Priority: 5,
		TenantID: tenant,
	}
}

func TestEnqueueStoresPendingJob(t *testing.T) {
	ctx := context.Background()
	notifier := NewLocalNotifier()
	svc, _ := newService(t, WithNotifier(notifier))

	job, err := svc.Enqueue(ctx, mealRequest("T"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.True(t, job.Billable)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, "T", job.Tenant())

	select {
	case <-notifier.C():
	default:
		t.Fatal("expected a wakeup after enqueue")
	}

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.JobStats{Total: 1, Pending: 1}, st)
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	cases := map[string]Request{
		"unknown type":   {Type: "send_email"},
		"no ingredients": {Type: "meal_generation", TenantID: "T", Payload: map[string]any{}},
		"no tenant":      mealRequest(""),
		"bad target":     {Type: "data_cleanup", Payload: map[string]any{"target": "users"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total, "rejected jobs never enter the store")
}

func TestEnqueueRefusesOverQuota(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	// free plan: three meals per day, and outstanding jobs count.
	for range 3 {
		_, err := svc.Enqueue(ctx, mealRequest("T"))
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(ctx, mealRequest("T"))
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)

	_, err = svc.Enqueue(ctx, mealRequest("other"))
	assert.NoError(t, err, "quota is per tenant")

	_, err = svc.Enqueue(ctx, Request{Type: "data_cleanup", TenantID: "T", Payload: map[string]any{"target": "ai_cache"}})
	assert.NoError(t, err, "non-billable jobs bypass the meal cap")

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Pending)
}

func TestEnqueueConcurrentAdmissionHonoursCap(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		refused  int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Enqueue(ctx, mealRequest("T"))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, models.ErrQuotaExceeded) {
				refused++
				return
			}
			assert.NoError(t, err)
			admitted++
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
	assert.Equal(t, 17, refused)
}

func TestEnqueueRateLimited(t *testing.T) {
	ctx := context.Background()

	svc, _ := newService(t, WithRateLimiter(denyLimiter{wait: 1500 * time.Millisecond}))
	_, err := svc.Enqueue(ctx, mealRequest("T"))
	assert.ErrorIs(t, err, ErrRateLimited)
	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 1500*time.Millisecond, limited.RetryAfter)

	svc, _ = newService(t, WithRateLimiter(denyLimiter{err: errors.New("redis down")}))
	_, err = svc.Enqueue(ctx, mealRequest("T"))
	assert.NoError(t, err, "limiter errors fail open")
}

func TestEnqueueBoundsPriorityAndDelay(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	for _, tc := range []struct {
		name  string
		mod   func(*Request)
		field string
	}{
		{"priority above int32", func(r *Request) { r.Priority = math.MaxInt32 + 1 }, "priority"},
		{"priority below int32", func(r *Request) { r.Priority = math.MinInt32 - 1 }, "priority"},
		{"negative delay", func(r *Request) { r.DelaySeconds = -1 }, "delay_seconds"},
		{"delay past max", func(r *Request) { r.DelaySeconds = math.MaxInt64 / int64(time.Second) }, "delay_seconds"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := mealRequest("T")
			tc.mod(&req)
			_, err := svc.Enqueue(ctx, req)
			require.ErrorIs(t, err, models.ErrValidation)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	req := mealRequest("T")
	req.Priority = math.MaxInt32
	req.DelaySeconds = 90
	job, err := svc.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt32, job.Priority)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), job.RunAt, 5*time.Second)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Total, "refused requests store nothing")
}

func TestGetJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	job, err := svc.Enqueue(ctx, mealRequest("T"))
	require.NoError(t, err)
	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = svc.GetJob(ctx, job.ID+100)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
