// Package memstore is a process-local implementation of the job store, quota
// counters and AI response cache. It backs STORE_DRIVER=memory and the runtime tests.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"dinner-queue/internal/models"
)

type counterKey struct {
	tenant string
	day    time.Time
}

// Store keeps all state behind one mutex; every operation is atomic.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64

	jobs     map[int64]*models.Job
	counters map[counterKey]*models.QuotaCounter
	usage    []models.UsageEntry
	billed   map[int64]bool
	cache    map[string]models.CacheEntry
	plans    map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests age claims and cache rows.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		jobs:     make(map[int64]*models.Job),
		counters: make(map[counterKey]*models.QuotaCounter),
		billed:   make(map[int64]bool),
		cache:    make(map[string]models.CacheEntry),
		plans:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// Enqueue inserts a pending job.
func (s *Store) Enqueue(_ context.Context, p models.EnqueueParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(p), nil
}

// EnqueueWithinQuota inserts a pending job unless the tenant's metered usage plus
// its outstanding billable jobs already reach the limit.
func (s *Store) EnqueueWithinQuota(_ context.Context, p models.EnqueueParams, limit models.QuotaLimit) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !limit.Unlimited() {
		day := models.Day(limit.Day)
		var counter models.QuotaCounter
		if c, ok := s.counters[counterKey{tenant: p.TenantID, day: day}]; ok {
			counter = *c
		}
		if limit.Exceeded(counter, s.outstandingLocked(p.TenantID, day)) {
			return models.Job{}, models.ErrQuotaExceeded
		}
	}
	return s.insertLocked(p), nil
}

// outstandingLocked counts the tenant's billable jobs that will be metered but are
// not yet: pending, claimed, or completed today without a usage row.
func (s *Store) outstandingLocked(tenantID string, day time.Time) int64 {
	var n int64
	for _, j := range s.jobs {
		if !j.Billable || j.Tenant() != tenantID {
			continue
		}
		switch j.Status {
		case models.StatusPending, models.StatusClaimed:
			n++
		case models.StatusCompleted:
			if !s.billed[j.ID] && j.CompletedAt != nil && !j.CompletedAt.Before(day) {
				n++
			}
		}
	}
	return n
}

func (s *Store) insertLocked(p models.EnqueueParams) models.Job {
	s.nextID++
	now := s.now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &models.Job{
		ID:         s.nextID,
		Type:       p.Type,
		Payload:    maps.Clone(p.Payload),
		Priority:   p.Priority,
		Status:     models.StatusPending,
		TenantID:   models.StringPtr(p.TenantID),
		UserID:     models.StringPtr(p.UserID),
		MaxRetries: p.MaxRetries,
		Billable:   p.Billable,
		RunAt:      runAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = job
	return clone(job)
}

// ClaimNext flips the highest-priority, oldest eligible pending job to claimed.
func (s *Store) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var best *models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusPending || j.RunAt.After(now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = models.StatusClaimed
	best.ClaimedAt = &now
	best.ClaimedBy = models.StringPtr(workerID)
	best.UpdatedAt = now
	out := clone(best)
	return &out, nil
}

// before orders by priority descending, then creation (id) ascending.
func before(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete transitions a claimed job to completed and keeps its metering.
func (s *Store) Complete(_ context.Context, id int64, result map[string]any, usage models.Metering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimedLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.Status = models.StatusCompleted
	j.Result = maps.Clone(result)
	j.Error = nil
	j.TokensUsed = usage.TokensUsed
	j.CostUSD = usage.CostUSD
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail transitions a claimed job to failed.
func (s *Store) Fail(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimedLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.Status = models.StatusFailed
	j.Error = &errMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Retry returns a claimed job to pending with one more attempt counted.
func (s *Store) Retry(_ context.Context, id int64, runAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimedLocked(id)
	if err != nil {
		return err
	}
	j.Status = models.StatusPending
	j.Attempts++
	j.RunAt = runAt.UTC()
	j.Error = &errMsg
	j.ClaimedAt = nil
	j.ClaimedBy = nil
	j.UpdatedAt = s.now().UTC()
	return nil
}

// Release returns a claimed job to pending, due now, with its attempts unchanged.
func (s *Store) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimedLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	j.Status = models.StatusPending
	j.RunAt = now
	j.ClaimedAt = nil
	j.ClaimedBy = nil
	j.UpdatedAt = now
	return nil
}

func (s *Store) claimedLocked(id int64) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if j.Status != models.StatusClaimed {
		return nil, &models.InvalidStateError{JobID: id, Want: models.StatusClaimed, Got: j.Status}
	}
	return j, nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, id int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return clone(j), nil
}

// Stats counts jobs by status under the lock.
func (s *Store) Stats(context.Context) (models.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.JobStats
	for _, j := range s.jobs {
		st.Total++
		switch j.Status {
		case models.StatusPending:
			st.Pending++
		case models.StatusClaimed:
			st.Claimed++
		case models.StatusCompleted:
			st.Completed++
		case models.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// SweepStaleClaims resets claims older than cutoff. Jobs with no retries left fail.
func (s *Store) SweepStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status != models.StatusClaimed || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		msg := "claim expired"
		j.Error = &msg
		j.UpdatedAt = now
		if j.RetriesLeft() {
			j.Status = models.StatusPending
			j.Attempts++
			j.RunAt = now
			j.ClaimedAt = nil
			j.ClaimedBy = nil
		} else {
			j.Status = models.StatusFailed
			j.CompletedAt = &now
		}
		n++
	}
	return n, nil
}

// ListPrunable returns terminal jobs completed before the cutoff, oldest first.
func (s *Store) ListPrunable(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if prunable(j, cutoff) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UnmeteredJobs returns completed billable tenant jobs with no usage entry,
// oldest completion first.
func (s *Store) UnmeteredJobs(_ context.Context, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.StatusCompleted && j.Billable && j.Tenant() != "" && !s.billed[j.ID] {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CompletedAt.Equal(*out[k].CompletedAt) {
			return out[i].CompletedAt.Before(*out[k].CompletedAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteJobs removes terminal jobs by id. Non-terminal ids are skipped.
func (s *Store) DeleteJobs(_ context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if j, ok := s.jobs[id]; ok && j.Status.Terminal() {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// PruneOldJobs deletes completed and failed jobs finished before the cutoff.
func (s *Store) PruneOldJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if prunable(j, cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func prunable(j *models.Job, cutoff time.Time) bool {
	return j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
}

func clone(j *models.Job) models.Job {
	out := *j
	out.Payload = maps.Clone(j.Payload)
	out.Result = maps.Clone(j.Result)
	return out
}
