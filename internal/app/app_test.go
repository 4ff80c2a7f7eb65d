package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/config"
	"dinner-queue/internal/memstore"
	"dinner-queue/internal/models"
	"dinner-queue/internal/queue"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryStore(t *testing.T) {
	ctx := context.Background()
	a, err := NewWithConfig(ctx, memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memstore.Store{}, a.Store)
	assert.Nil(t, a.Redis)

	job, err := a.QueueService().Enqueue(ctx, queue.Request{
		Type:     "meal_generation",
		Payload:  map[string]any{"ingredients": []any{"eggs"}},
		TenantID: "T",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
}

func TestNewRejectsUnknownDefaultPlan(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.DefaultPlan = "platinum"
	_, err := NewWithConfig(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRedisWiring(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t)
	cfg.RedisAddr = mr.Addr()

	a, err := NewWithConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Redis)

	// Unreachable Redis is dropped rather than failing startup.
	cfg.RedisAddr = "127.0.0.1:1"
	b, err := NewWithConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.Redis)
}

func TestWorkerComponents(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.ArchiveDir = filepath.Join(t.TempDir(), "archive")
	cfg.WorkerID = "w-1"

	a, err := NewWithConfig(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "w-1", a.WorkerID())
	a.Cfg.WorkerID = ""
	assert.NotEqual(t, a.WorkerID(), a.WorkerID())

	arch, err := a.Archiver(ctx)
	require.NoError(t, err)
	assert.NotNil(t, arch)

	hk, err := a.Housekeeper(ctx)
	require.NoError(t, err)
	proc, err := a.Processor(hk)
	require.NoError(t, err)
	disp, err := a.Dispatcher(proc, "w-1", nil)
	require.NoError(t, err)
	assert.NotNil(t, disp)
}
