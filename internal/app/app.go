// Package app wires the shared runtime for the api, worker and queuectl binaries.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dinner-queue/internal/config"
	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/logger"
	"dinner-queue/internal/memstore"
	"dinner-queue/internal/models"
	"dinner-queue/internal/queue"
	"dinner-queue/internal/quota"
	"dinner-queue/internal/ratelimit"
	"dinner-queue/internal/store"
)

// Backend is everything the runtime needs from a job store. The Postgres store
// and the memory store both implement it.
type Backend interface {
	Ping(ctx context.Context) error
	Close()

	Enqueue(ctx context.Context, p models.EnqueueParams) (models.Job, error)
	EnqueueWithinQuota(ctx context.Context, p models.EnqueueParams, limit models.QuotaLimit) (models.Job, error)
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	Complete(ctx context.Context, id int64, result map[string]any, usage models.Metering) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Retry(ctx context.Context, id int64, runAt time.Time, errMsg string) error
	Release(ctx context.Context, id int64) error
	GetJob(ctx context.Context, id int64) (models.Job, error)
	Stats(ctx context.Context) (models.JobStats, error)

	SweepStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ListPrunable(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []int64) (int64, error)
	PruneOldJobs(ctx context.Context, cutoff time.Time) (int64, error)

	Counter(ctx context.Context, tenantID string, day time.Time) (models.QuotaCounter, error)
	RecordUsage(ctx context.Context, e models.UsageEntry) (bool, error)
	UnmeteredJobs(ctx context.Context, limit int) ([]models.Job, error)
	UsageLog(ctx context.Context) ([]models.UsageEntry, error)
	TenantPlan(ctx context.Context, tenantID string) (string, error)
	SetTenantPlan(ctx context.Context, tenantID, plan string) error

	CacheGet(ctx context.Context, key string) (models.CacheEntry, bool, error)
	CachePut(ctx context.Context, e models.CacheEntry) error
	PruneExpiredCache(ctx context.Context, now time.Time) (int64, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// App holds the components every binary shares.
type App struct {
	Cfg      config.Config
	Log      *logger.Logger
	Store    Backend
	Redis    *redis.Client
	Registry *jobtype.Registry
	Ledger   *quota.Ledger
}

// New loads configuration, opens the store and builds the ledger and registry.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := NewWithConfig(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

// NewWithConfig wires the components from an already loaded configuration.
func NewWithConfig(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	log = logger.OrNop(log)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	catalog, err := quota.LoadCatalog(cfg.PlansFile)
	if err != nil {
		st.Close()
		return nil, err
	}
	if catalog, err = catalog.WithDefault(cfg.DefaultPlan); err != nil {
		st.Close()
		return nil, err
	}

	a := &App{
		Cfg:   cfg,
		Log:   log,
		Store: st,
		Registry: jobtype.Default(jobtype.Options{
			MaxRetries:     cfg.MaxRetries,
			MealTimeout:    cfg.MealTimeout,
			CleanupTimeout: cfg.CleanupTimeout,
		}),
		Ledger: quota.NewLedger(st, catalog, log, quota.WithRetry(cfg.UsageRetryAttempts, cfg.UsageRetryBackoff)),
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			// Redis only carries wakeups and rate limits; polling covers its absence.
			log.Warn("redis unreachable, continuing without it", "addr", cfg.RedisAddr, "error", err)
			_ = a.Redis.Close()
			a.Redis = nil
		}
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (Backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using the in-process memory store; state is lost on exit and not shared between processes")
		return memstore.New(), nil
	default:
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	}
}

// QueueService builds the admission service. With Redis configured, admitted jobs
// are published on the new-job channel and enqueues are rate limited per tenant.
func (a *App) QueueService() *queue.Service {
	var opts []queue.Option
	if a.Redis != nil {
		opts = append(opts, queue.WithNotifier(queue.NewRedisNotifier(a.Redis)))
		if a.Cfg.RateLimitCapacity > 0 {
			opts = append(opts, queue.WithRateLimiter(
				ratelimit.NewTokenBucket(a.Redis, a.Cfg.RateLimitCapacity, a.Cfg.RateLimitRefill, time.Hour),
			))
		}
	}
	return queue.NewService(a.Store, a.Registry, a.Ledger, a.Log, opts...)
}

// Close releases the store and Redis connections and flushes the logger.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
