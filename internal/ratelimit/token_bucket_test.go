package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Unix(1_700_000_000, 0)
	bucket := NewTokenBucket(client, capacity, refill, time.Minute).WithClock(func() time.Time { return now })
	return bucket, &now
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for range 2 {
		d, err := bucket.Allow(ctx, "ratelimit:enqueue:T")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := bucket.Allow(ctx, "ratelimit:enqueue:T")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = bucket.Allow(ctx, "ratelimit:enqueue:other")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per key")
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 1, 2)

	d, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "k")
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	*now = now.Add(500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTakeReportsRetryAfter(t *testing.T) {
	ctx := context.Background()
	bucket, now := newBucket(t, 4, 2)

	d, err := bucket.Take(ctx, "k", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = bucket.Take(ctx, "k", 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining, "a refused take consumes nothing")
	assert.Equal(t, time.Second, d.RetryAfter)

	*now = now.Add(time.Second)
	d, err = bucket.Take(ctx, "k", 3)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestTakeRejectsBadCounts(t *testing.T) {
	bucket, _ := newBucket(t, 2, 1)
	_, err := bucket.Take(context.Background(), "k", 0)
	assert.Error(t, err)
	_, err = bucket.Take(context.Background(), "k", 3)
	assert.Error(t, err)
}

func TestTakeWithoutRefill(t *testing.T) {
	bucket, _ := newBucket(t, 1, 0)
	ctx := context.Background()
	d, err := bucket.Take(ctx, "k", 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = bucket.Take(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Negative(t, d.RetryAfter)
}
