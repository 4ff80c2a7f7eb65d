// Package dispatcher claims eligible jobs while worker slots are free and hands
// each one to the executor on its own goroutine.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/telemetry"
)

// Claimer is the store's atomic claim primitive.
type Claimer interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
}

// Executor runs a claimed job to a recorded outcome. Errors are recorded on the
// job, so Execute has nothing to return.
type Executor interface {
	Execute(ctx context.Context, job models.Job)
}

// Config tunes the claim loop.
type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
}

// Dispatcher polls the store, wakes early on notifications and never claims more
// jobs than it has slots. Jobs it cannot take stay pending for the next pass.
type Dispatcher struct {
	store Claimer
	exec  Executor
	cfg   Config
	log   *logger.Logger

	slots *semaphore.Weighted
	wake  <-chan struct{}
	freed chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWakeup adds a trigger channel, typically a new-job notifier.
func WithWakeup(ch <-chan struct{}) Option {
	return func(d *Dispatcher) { d.wake = ch }
}

// New validates cfg and builds a dispatcher.
func New(store Claimer, exec Executor, cfg Config, log *logger.Logger, opts ...Option) (*Dispatcher, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("dispatcher: worker id is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("dispatcher: concurrency must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("dispatcher: poll interval must be positive")
	}
	d := &Dispatcher{
		store: store,
		exec:  exec,
		cfg:   cfg,
		log:   logger.OrNop(log).With("component", "dispatcher", "worker_id", cfg.WorkerID),
		slots: semaphore.NewWeighted(int64(cfg.Concurrency)),
		freed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run claims until ctx is cancelled, then waits for in-flight jobs to return.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	defer d.wg.Wait()

	d.log.Info("dispatcher started", "concurrency", d.cfg.Concurrency, "poll_interval", d.cfg.PollInterval)
	wake := d.wake
	for {
		d.Drain(ctx)
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
		case <-d.freed:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}

// Drain claims eligible jobs back to back until the store is empty, the slots are
// full or a claim fails. It returns how many jobs were handed off.
func (d *Dispatcher) Drain(ctx context.Context) int {
	var n int
	for ctx.Err() == nil {
		if !d.slots.TryAcquire(1) {
			return n
		}
		job, err := d.store.ClaimNext(ctx, d.cfg.WorkerID)
		if err != nil {
			d.slots.Release(1)
			telemetry.ClaimErrors.Inc()
			d.log.Warn("claim failed, retrying next tick", "error", err)
			return n
		}
		if job == nil {
			d.slots.Release(1)
			return n
		}
		n++
		d.wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go d.run(ctx, *job)
	}
	return n
}

func (d *Dispatcher) run(ctx context.Context, job models.Job) {
	defer d.wg.Done()
	defer func() {
		telemetry.InFlightGauge.Dec()
		d.slots.Release(1)
		select {
		case d.freed <- struct{}{}:
		default:
		}
	}()
	d.exec.Execute(ctx, job)
}

// Wait blocks until every handed-off job has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }
