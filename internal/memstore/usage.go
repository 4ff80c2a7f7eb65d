package memstore

import (
	"context"
	"maps"
	"time"

	"dinner-queue/internal/models"
)

// Counter returns the tenant's counter for the day, zero-valued when absent.
func (s *Store) Counter(_ context.Context, tenantID string, day time.Time) (models.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{tenant: tenantID, day: models.Day(day)}
	if c, ok := s.counters[key]; ok {
		return *c, nil
	}
	return models.QuotaCounter{TenantID: tenantID, Day: key.day}, nil
}

// RecordUsage appends the usage entry and increments the day's counter. A job
// already billed yields (false, nil).
func (s *Store) RecordUsage(_ context.Context, e models.UsageEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.JobID != 0 && s.billed[e.JobID] {
		return false, nil
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now().UTC()
	}
	e.ID = int64(len(s.usage) + 1)
	s.usage = append(s.usage, e)
	if e.JobID != 0 {
		s.billed[e.JobID] = true
	}

	key := counterKey{tenant: e.TenantID, day: models.Day(e.RecordedAt)}
	c, ok := s.counters[key]
	if !ok {
		c = &models.QuotaCounter{TenantID: e.TenantID, Day: key.day}
		s.counters[key] = c
	}
	if e.Action == models.ActionMealGeneration {
		c.MealsGenerated++
	}
	c.TokensUsed += e.TokensUsed
	c.CostUSD += e.CostUSD
	return true, nil
}

// UsageLog returns a copy of the usage log.
func (s *Store) UsageLog(context.Context) ([]models.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UsageEntry(nil), s.usage...), nil
}

// TenantPlan returns the plan assigned to the tenant, or "".
func (s *Store) TenantPlan(_ context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[tenantID], nil
}

// SetTenantPlan assigns a plan.
func (s *Store) SetTenantPlan(_ context.Context, tenantID, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[tenantID] = plan
	return nil
}

// CacheGet returns an unexpired cache entry.
func (s *Store) CacheGet(_ context.Context, key string) (models.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || !e.ExpiresAt.After(s.now()) {
		return models.CacheEntry{}, false, nil
	}
	e.Value = maps.Clone(e.Value)
	return e, true, nil
}

// CachePut inserts or replaces a cache entry.
func (s *Store) CachePut(_ context.Context, e models.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.Value = maps.Clone(e.Value)
	s.cache[e.Key] = e
	return nil
}

// PruneExpiredCache deletes entries whose expiry has passed.
func (s *Store) PruneExpiredCache(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.cache {
		if !e.ExpiresAt.After(now) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}
