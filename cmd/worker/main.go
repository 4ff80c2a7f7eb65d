package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"dinner-queue/internal/app"
	"dinner-queue/internal/queue"
	"dinner-queue/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		a.Log.Error("worker stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App) error {
	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Exporter:    a.Cfg.TracingExporter,
		ServiceName: a.Cfg.ServiceName,
		Environment: a.Cfg.Env,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	hk, err := a.Housekeeper(ctx)
	if err != nil {
		return err
	}
	proc, err := a.Processor(hk)
	if err != nil {
		return err
	}

	var wake <-chan struct{}
	if a.Redis != nil {
		wake, err = queue.NewRedisNotifier(a.Redis).Listen(ctx)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", queue.NewJobChannel, err)
		}
	}

	workerID := a.WorkerID()
	disp, err := a.Dispatcher(proc, workerID, wake)
	if err != nil {
		return err
	}

	metrics := &http.Server{
		Addr:              a.Cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Log.Info("worker started",
		"worker_id", workerID,
		"concurrency", a.Cfg.WorkerConcurrency,
		"poll_interval", a.Cfg.WorkerPollInterval,
		"backoff_initial", a.Cfg.BackoffInitial,
		"housekeeper_schedule", a.Cfg.HousekeeperSchedule,
		"notifications", wake != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return hk.Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
