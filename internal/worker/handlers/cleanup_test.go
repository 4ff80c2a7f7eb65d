package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/models"
)

type fakeMaintenance struct {
	retention int
	cacheRuns int
	err       error
}

func (f *fakeMaintenance) PruneOldJobs(_ context.Context, retentionDays int) (int64, error) {
	f.retention = retentionDays
	return 4, f.err
}

func (f *fakeMaintenance) PruneExpiredCache(context.Context, time.Time) (int64, error) {
	f.cacheRuns++
	return 2, f.err
}

func TestCleanupTargets(t *testing.T) {
	ctx := context.Background()
	m := &fakeMaintenance{}
	h := Cleanup(m)

	out, err := h(ctx, models.Job{Payload: map[string]any{"target": "jobs", "older_than_days": 7}})
	require.NoError(t, err)
	assert.Equal(t, 7, m.retention)
	assert.Equal(t, int64(4), out.Result["deleted"])

	out, err = h(ctx, models.Job{Payload: map[string]any{"target": "ai_cache"}})
	require.NoError(t, err)
	assert.Equal(t, 1, m.cacheRuns)
	assert.Equal(t, "ai_cache", out.Result["target"])
	assert.Zero(t, out.Usage.TokensUsed)
}

func TestCleanupErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Cleanup(&fakeMaintenance{})(ctx, models.Job{Payload: map[string]any{"target": "users"}})
	assert.True(t, models.IsTerminal(err))

	_, err = Cleanup(&fakeMaintenance{})(ctx, models.Job{Payload: map[string]any{"target": "jobs"}})
	assert.True(t, models.IsTerminal(err))

	_, err = Cleanup(&fakeMaintenance{err: models.Storage("prune", errors.New("timeout"))})(ctx, models.Job{Payload: map[string]any{"target": "ai_cache"}})
	require.Error(t, err)
	assert.False(t, models.IsTerminal(err))
	assert.ErrorIs(t, err, models.ErrStorage)
}
