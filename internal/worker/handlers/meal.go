// Package handlers binds the queue's job kinds to their task implementations.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dinner-queue/internal/jobtype"
	"dinner-queue/internal/logger"
	"dinner-queue/internal/models"
	"dinner-queue/internal/provider/openai"
	"dinner-queue/internal/worker"
)

// Cache is the AI response cache.
type Cache interface {
	CacheGet(ctx context.Context, key string) (models.CacheEntry, bool, error)
	CachePut(ctx context.Context, e models.CacheEntry) error
}

// Completer is the chat completions call the meal handler makes.
type Completer interface {
	ChatCompletion(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error)
}

// Meal is a generated recipe.
type Meal struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Ingredients  []string `json:"ingredients"`
	Instructions []string `json:"instructions"`
	PrepMinutes  int      `json:"prep_minutes,omitempty"`
	CookMinutes  int      `json:"cook_minutes,omitempty"`
	Difficulty   string   `json:"difficulty,omitempty"`
}

// MealConfig wires the meal handler.
type MealConfig struct {
	Model    string
	Pricing  openai.Pricing
	CacheTTL time.Duration
	// RequestsPerSecond throttles provider calls across all slots; 0 disables it.
	RequestsPerSecond float64
}

// MealGenerator turns a meal_generation payload into recipes, reusing cached
// responses for identical requests.
type MealGenerator struct {
	client  Completer
	cache   Cache
	cfg     MealConfig
	limiter *rate.Limiter
	log     *logger.Logger
	now     func() time.Time
}

// NewMealGenerator builds the handler.
func NewMealGenerator(client Completer, cache Cache, cfg MealConfig, log *logger.Logger) *MealGenerator {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &MealGenerator{
		client:  client,
		cache:   cache,
		cfg:     cfg,
		limiter: limiter,
		log:     logger.OrNop(log).With("component", "meal_generator"),
		now:     time.Now,
	}
}

// Handle implements worker.Handler.
func (g *MealGenerator) Handle(ctx context.Context, job models.Job) (worker.Outcome, error) {
	p, err := jobtype.Decode[jobtype.MealGenerationPayload](job.Payload)
	if err != nil {
		return worker.Outcome{}, models.Terminal(err)
	}
	p.Normalize()
	if len(p.Ingredients) == 0 {
		return worker.Outcome{}, models.Terminal(models.Invalid("payload.ingredients", "at least one ingredient is required"))
	}
	key := CacheKey(g.cfg.Model, p)

	if meals, ok := g.cached(ctx, key); ok {
		return worker.Outcome{Result: mealResult(meals, g.cfg.Model, true)}, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return worker.Outcome{}, models.Transient(fmt.Errorf("provider throttle: %w", err))
	}
	resp, err := g.client.ChatCompletion(ctx, openai.ChatRequest{
		Model: g.cfg.Model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(p)},
		},
		Temperature:    0.7,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return worker.Outcome{}, err
	}

	usage := models.Metering{
		TokensUsed: resp.Usage.TotalTokens,
		CostUSD:    g.cfg.Pricing.Cost(resp.Usage),
	}
	meals, err := parseMeals(resp.Content())
	if err != nil {
		g.log.Warn("unusable provider response", "job_id", job.ID, "tokens", usage.TokensUsed, "error", err)
		return worker.Outcome{}, worker.Spent(usage, models.Transient(err))
	}

	now := g.now().UTC()
	if err := g.cache.CachePut(ctx, models.CacheEntry{
		Key:       key,
		Value:     map[string]any{"meals": toAny(meals)},
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.CacheTTL),
	}); err != nil {
		g.log.Warn("cache write failed", "job_id", job.ID, "error", err)
	}

	return worker.Outcome{
		Result: mealResult(meals, resp.Model, false),
		Usage:  usage,
	}, nil
}

func (g *MealGenerator) cached(ctx context.Context, key string) ([]Meal, bool) {
	entry, ok, err := g.cache.CacheGet(ctx, key)
	if err != nil {
		g.log.Warn("cache read failed, calling provider", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(entry.Value["meals"])
	if err != nil {
		return nil, false
	}
	var meals []Meal
	if err := json.Unmarshal(raw, &meals); err != nil || len(meals) == 0 {
		return nil, false
	}
	return meals, true
}

// CacheKey hashes the normalized request. Ingredient and preference order does
// not change the key.
func CacheKey(model string, p jobtype.MealGenerationPayload) string {
	ingredients := append([]string(nil), p.Ingredients...)
	prefs := append([]string(nil), p.DietaryPreferences...)
	sort.Strings(ingredients)
	sort.Strings(prefs)
	parts := []string{
		"model=" + model,
		"ingredients=" + strings.Join(ingredients, ","),
		"prefs=" + strings.Join(prefs, ","),
		"meal_type=" + p.MealType,
		fmt.Sprintf("servings=%d", p.Servings),
		fmt.Sprintf("count=%d", p.Count),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "meal:" + hex.EncodeToString(sum[:])
}

const systemPrompt = `You are a home cooking assistant. Reply with a JSON object of the form
{"meals":[{"name":"","description":"","ingredients":[""],"instructions":[""],"prep_minutes":0,"cook_minutes":0,"difficulty":"easy|medium|hard"}]}.
Prefer the ingredients the user already has and respect every dietary preference.`

func userPrompt(p jobtype.MealGenerationPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suggest %d %s recipes for %d servings.\n", p.Count, p.MealType, p.Servings)
	fmt.Fprintf(&b, "Ingredients on hand: %s.\n", strings.Join(p.Ingredients, ", "))
	if len(p.DietaryPreferences) > 0 {
		fmt.Fprintf(&b, "Dietary preferences: %s.\n", strings.Join(p.DietaryPreferences, ", "))
	}
	return b.String()
}

func parseMeals(content string) ([]Meal, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out struct {
		Meals []Meal `json:"meals"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode meals: %w", err)
	}
	meals := out.Meals[:0]
	for _, m := range out.Meals {
		if strings.TrimSpace(m.Name) != "" {
			meals = append(meals, m)
		}
	}
	if len(meals) == 0 {
		return nil, fmt.Errorf("decode meals: response contained no meals")
	}
	return meals, nil
}

func mealResult(meals []Meal, model string, cached bool) map[string]any {
	return map[string]any{
		"meals":  toAny(meals),
		"model":  model,
		"cached": cached,
	}
}

// toAny converts meals into plain JSON values so results compare the same before
// and after a store round trip.
func toAny(meals []Meal) []any {
	raw, _ := json.Marshal(meals)
	var out []any
	_ = json.Unmarshal(raw, &out)
	return out
}
