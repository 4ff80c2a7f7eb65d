package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"dinner-queue/internal/archive"
	"dinner-queue/internal/dispatcher"
	"dinner-queue/internal/housekeeper"
	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/provider/openai"
	"dinner-queue/internal/worker"
	"dinner-queue/internal/worker/handlers"
)

// WorkerID returns WORKER_ID, or hostname plus a random suffix.
func (a *App) WorkerID() string {
	if id := strings.TrimSpace(a.Cfg.WorkerID); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Archiver returns the S3 archiver when a bucket is configured, a directory
// archiver when ARCHIVE_DIR is set, or nil.
func (a *App) Archiver(ctx context.Context) (*archive.Archiver, error) {
	switch {
	case a.Cfg.ArchiveS3Bucket != "":
		up, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Bucket:    a.Cfg.ArchiveS3Bucket,
			Region:    a.Cfg.ArchiveS3Region,
			Endpoint:  a.Cfg.ArchiveS3Endpoint,
			PathStyle: a.Cfg.ArchiveS3PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 archiver: %w", err)
		}
		return archive.New(up), nil
	case a.Cfg.ArchiveDir != "":
		return archive.New(&archive.LocalUploader{BaseDir: a.Cfg.ArchiveDir}), nil
	default:
		return nil, nil
	}
}

// Housekeeper builds the maintenance runner with the ledger as reconciler.
func (a *App) Housekeeper(ctx context.Context) (*housekeeper.Housekeeper, error) {
	opts := []housekeeper.Option{housekeeper.WithReconciler(a.Ledger)}
	arch, err := a.Archiver(ctx)
	if err != nil {
		return nil, err
	}
	if arch != nil {
		opts = append(opts, housekeeper.WithArchiver(arch))
	}
	return housekeeper.New(a.Store, housekeeper.Config{
		Schedule:      a.Cfg.HousekeeperSchedule,
		MaxClaimAge:   a.Cfg.MaxClaimAge,
		RetentionDays: a.Cfg.JobRetentionDays,
		BatchSize:     a.Cfg.ArchiveBatchSize,
	}, a.Log, opts...)
}

// Processor registers the meal and cleanup handlers.
func (a *App) Processor(hk *housekeeper.Housekeeper) (*worker.Processor, error) {
	client, err := openai.New(openai.Config{
		BaseURL: a.Cfg.OpenAIBaseURL,
		APIKey:  a.Cfg.OpenAIAPIKey,
		Model:   a.Cfg.OpenAIModel,
		Timeout: a.Cfg.MealTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	if a.Cfg.OpenAIAPIKey == "" {
		a.Log.Warn("OPENAI_API_KEY is empty; meal generation will fail unless the provider needs no key")
	}

	proc := worker.NewProcessor(a.Store, a.Ledger, a.Registry, worker.Config{
		BackoffInitial: a.Cfg.BackoffInitial,
		BackoffMax:     a.Cfg.BackoffMax,
	}, a.Log)
	meals := handlers.NewMealGenerator(client, a.Store, handlers.MealConfig{
		Model: a.Cfg.OpenAIModel,
		Pricing: openai.Pricing{
			InputPer1K:  a.Cfg.OpenAIInputCostPer1K,
			OutputPer1K: a.Cfg.OpenAIOutputCostPer1K,
		},
		CacheTTL:          a.Cfg.AICacheTTL,
		RequestsPerSecond: a.Cfg.OpenAIRequestsPerSec,
	}, a.Log)
	proc.RegisterHandler(jobtype.MealGeneration, meals.Handle)
	proc.RegisterHandler(jobtype.DataCleanup, handlers.Cleanup(hk))
	return proc, nil
}

// Dispatcher builds the claim loop. wake may be nil.
func (a *App) Dispatcher(exec dispatcher.Executor, workerID string, wake <-chan struct{}) (*dispatcher.Dispatcher, error) {
	var opts []dispatcher.Option
	if wake != nil {
		opts = append(opts, dispatcher.WithWakeup(wake))
	}
	return dispatcher.New(a.Store, exec, dispatcher.Config{
		WorkerID:     workerID,
		Concurrency:  a.Cfg.WorkerConcurrency,
		PollInterval: a.Cfg.WorkerPollInterval,
	}, a.Log, opts...)
}
