// Package jobtype declares the job kinds the queue accepts and validates their payloads.
package jobtype

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"dinner-queue/internal/models"
)

// Kind is the tagged type of a job.
type Kind string

const (
	MealGeneration Kind = "meal_generation"
	DataCleanup    Kind = "data_cleanup"
)

// Definition describes how the runtime treats one kind.
type Definition struct {
	Kind Kind
	// Billable kinds are metered against the tenant quota on completion.
	Billable bool
	// MaxRetries is the number of transient failures retried before the job fails.
	MaxRetries int
	// Timeout bounds a single execution.
	Timeout time.Duration
	// Validate checks the payload; it returns a *models.ValidationError on rejection.
	Validate func(payload map[string]any) error
}

// Registry maps kind strings to definitions.
type Registry struct {
	defs map[Kind]Definition
}

// Options tune the built-in definitions.
type Options struct {
	MaxRetries     int
	MealTimeout    time.Duration
	CleanupTimeout time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Kind]Definition)}
}

// Default registers meal_generation and data_cleanup.
func Default(opts Options) *Registry {
	if opts.MealTimeout <= 0 {
		opts.MealTimeout = 90 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 5 * time.Minute
	}
	r := NewRegistry()
	r.Register(Definition{
		Kind:       MealGeneration,
		Billable:   true,
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.MealTimeout,
		Validate:   validateMealGeneration,
	})
	r.Register(Definition{
		Kind:       DataCleanup,
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.CleanupTimeout,
		Validate:   validateDataCleanup,
	})
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(def Definition) {
	if def.Kind == "" {
		return
	}
	r.defs[def.Kind] = def
}

// Lookup returns the definition for a kind string.
func (r *Registry) Lookup(kind string) (Definition, bool) {
	def, ok := r.defs[Kind(kind)]
	return def, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate resolves the kind and checks the payload for it.
func (r *Registry) Validate(kind string, payload map[string]any) (Definition, error) {
	def, ok := r.Lookup(strings.TrimSpace(kind))
	if !ok {
		return Definition{}, models.Invalid("type", "unknown job type %q", kind)
	}
	if def.Validate != nil {
		if err := def.Validate(payload); err != nil {
			return Definition{}, err
		}
	}
	return def, nil
}

// Decode converts a generic payload into a typed struct.
func Decode[T any](payload map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(payload)
	if err != nil {
		return out, models.Invalid("payload", "marshal: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, models.Invalid("payload", "decode: %v", err)
	}
	return out, nil
}

func fieldErr(field, format string, args ...any) error {
	return models.Invalid("payload."+field, format, args...)
}

func describe(kind Kind, err error) error {
	return fmt.Errorf("%s: %w", kind, err)
}
