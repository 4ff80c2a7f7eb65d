package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the jobs table.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusClaimed   JobStatus = "claimed"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of asynchronous work.
type Job struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	Status      JobStatus      `json:"status"`
	TenantID    *string        `json:"tenant_id,omitempty"`
	UserID      *string        `json:"user_id,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	Billable    bool           `json:"billable"`
	RunAt       time.Time      `json:"run_at"`
	ClaimedBy   *string        `json:"claimed_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	// TokensUsed and CostUSD are stored with the completion so usage can be
	// billed again from the row if the usage write is lost.
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Metering is the provider usage a job incurred.
type Metering struct {
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Tenant returns the tenant id or "" when the job is unowned.
func (j Job) Tenant() string {
	if j.TenantID == nil {
		return ""
	}
	return *j.TenantID
}

// User returns the user id or "".
func (j Job) User() string {
	if j.UserID == nil {
		return ""
	}
	return *j.UserID
}

// RetriesLeft reports whether a transient failure may be retried.
func (j Job) RetriesLeft() bool {
	return j.Attempts < j.MaxRetries
}

// UsageEntry bills a completed job from the metering on its row, dated by its
// completion rather than by now.
func (j Job) UsageEntry() UsageEntry {
	e := UsageEntry{
		JobID:      j.ID,
		TenantID:   j.Tenant(),
		UserID:     j.User(),
		Action:     j.Type,
		TokensUsed: j.TokensUsed,
		CostUSD:    j.CostUSD,
	}
	if j.CompletedAt != nil {
		e.RecordedAt = *j.CompletedAt
	}
	return e
}

// JobStats is a point-in-time snapshot of job counts.
type JobStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type       string
	Payload    map[string]any
	Priority   int
	TenantID   string
	UserID     string
	MaxRetries int
	RunAt      time.Time
	// Billable marks jobs counted against the tenant quota while outstanding.
	Billable bool
}

// QuotaLimit bounds how many billable jobs a tenant may have admitted today.
type QuotaLimit struct {
	Day        time.Time
	MaxPerDay  int64
	MaxTokens  int64
	MaxCostUSD float64
}

// Unlimited reports whether the limit never refuses admission.
func (l QuotaLimit) Unlimited() bool {
	return l.MaxPerDay <= 0 && l.MaxTokens <= 0 && l.MaxCostUSD <= 0
}

// Exceeded reports whether admitting one more job would pass the limit, given the
// day's counter and the tenant's outstanding (admitted but not yet metered) jobs.
func (l QuotaLimit) Exceeded(c QuotaCounter, outstanding int64) bool {
	if l.MaxPerDay > 0 && c.MealsGenerated+outstanding >= l.MaxPerDay {
		return true
	}
	if l.MaxTokens > 0 && c.TokensUsed >= l.MaxTokens {
		return true
	}
	return l.MaxCostUSD > 0 && c.CostUSD >= l.MaxCostUSD
}

// QuotaCounter is the per tenant, per day usage aggregate.
type QuotaCounter struct {
	TenantID       string    `json:"tenant_id"`
	Day            time.Time `json:"date"`
	MealsGenerated int64     `json:"meals_generated_today"`
	TokensUsed     int64     `json:"tokens_used_today"`
	CostUSD        float64   `json:"cost_usd_today"`
}

// ActionMealGeneration is the usage action metered by meals_generated_today.
const ActionMealGeneration = "meal_generation"

// ActionProviderSpend bills tokens and cost from an attempt that failed after
// calling the provider. It never counts as a meal.
const ActionProviderSpend = "provider_spend"

// UsageEntry is one billable action. It is never mutated after insert.
type UsageEntry struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"job_id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	TokensUsed int64     `json:"tokens_used"`
	CostUSD    float64   `json:"cost_usd"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CacheEntry is a row of the AI response cache.
type CacheEntry struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Day truncates t to its UTC calendar date, the key of a quota counter.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StringPtr returns nil for empty strings.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
