package jobtype

import (
	"strings"
)

const (
	maxIngredients = 50
	maxServings    = 20
)

var mealTypes = map[string]bool{
	"breakfast": true,
	"lunch":     true,
	"dinner":    true,
	"snack":     true,
}

// MealGenerationPayload is the payload of a meal_generation job.
type MealGenerationPayload struct {
	Ingredients        []string `json:"ingredients"`
	DietaryPreferences []string `json:"dietary_preferences,omitempty"`
	MealType           string   `json:"meal_type,omitempty"`
	Servings           int      `json:"servings,omitempty"`
	Count              int      `json:"count,omitempty"`
}

// Normalize lowercases and trims list entries and fills defaults.
func (p *MealGenerationPayload) Normalize() {
	p.Ingredients = normalizeList(p.Ingredients)
	p.DietaryPreferences = normalizeList(p.DietaryPreferences)
	p.MealType = strings.ToLower(strings.TrimSpace(p.MealType))
	if p.MealType == "" {
		p.MealType = "dinner"
	}
	if p.Servings == 0 {
		p.Servings = 2
	}
	if p.Count == 0 {
		p.Count = 3
	}
}

// CleanupTarget names what a data_cleanup job removes.
type CleanupTarget string

const (
	CleanupAICache CleanupTarget = "ai_cache"
	CleanupJobs    CleanupTarget = "jobs"
)

// DataCleanupPayload is the payload of a data_cleanup job.
type DataCleanupPayload struct {
	Target        CleanupTarget `json:"target"`
	OlderThanDays int           `json:"older_than_days,omitempty"`
}

func validateMealGeneration(payload map[string]any) error {
	p, err := Decode[MealGenerationPayload](payload)
	if err != nil {
		return describe(MealGeneration, err)
	}
	p.Normalize()
	if len(p.Ingredients) == 0 {
		return describe(MealGeneration, fieldErr("ingredients", "at least one ingredient is required"))
	}
	if len(p.Ingredients) > maxIngredients {
		return describe(MealGeneration, fieldErr("ingredients", "at most %d ingredients", maxIngredients))
	}
	if p.Servings < 1 || p.Servings > maxServings {
		return describe(MealGeneration, fieldErr("servings", "must be between 1 and %d", maxServings))
	}
	if p.Count < 1 || p.Count > 10 {
		return describe(MealGeneration, fieldErr("count", "must be between 1 and 10"))
	}
	if !mealTypes[p.MealType] {
		return describe(MealGeneration, fieldErr("meal_type", "unsupported meal type %q", p.MealType))
	}
	return nil
}

func validateDataCleanup(payload map[string]any) error {
	p, err := Decode[DataCleanupPayload](payload)
	if err != nil {
		return describe(DataCleanup, err)
	}
	switch p.Target {
	case CleanupAICache:
	case CleanupJobs:
		if p.OlderThanDays <= 0 {
			return describe(DataCleanup, fieldErr("older_than_days", "must be positive for target %q", p.Target))
		}
	default:
		return describe(DataCleanup, fieldErr("target", "unknown cleanup target %q", p.Target))
	}
	if p.OlderThanDays < 0 {
		return describe(DataCleanup, fieldErr("older_than_days", "must not be negative"))
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
