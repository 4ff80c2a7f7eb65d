package jobtype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/models"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default(Options{MaxRetries: 3})
	assert.Equal(t, []Kind{DataCleanup, MealGeneration}, r.Kinds())

	meal, ok := r.Lookup("meal_generation")
	require.True(t, ok)
	assert.True(t, meal.Billable)
	assert.Equal(t, 3, meal.MaxRetries)
	assert.Equal(t, 90*time.Second, meal.Timeout)

	cleanup, ok := r.Lookup("data_cleanup")
	require.True(t, ok)
	assert.False(t, cleanup.Billable)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	r := Default(Options{})
	_, err := r.Validate("send_newsletter", map[string]any{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestValidateMealGeneration(t *testing.T) {
	r := Default(Options{})
	cases := []struct {
		name    string
		payload map[string]any
		ok      bool
	}{
		{"minimal", map[string]any{"ingredients": []any{"chicken", "rice"}}, true},
		{"full", map[string]any{"ingredients": []any{"tofu"}, "meal_type": "Lunch", "servings": 4, "dietary_preferences": []any{"vegan"}}, true},
		{"no ingredients", map[string]any{}, false},
		{"blank ingredients", map[string]any{"ingredients": []any{" ", ""}}, false},
		{"servings too high", map[string]any{"ingredients": []any{"eggs"}, "servings": 50}, false},
		{"bad meal type", map[string]any{"ingredients": []any{"eggs"}, "meal_type": "brunch"}, false},
		{"wrong shape", map[string]any{"ingredients": "eggs"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Validate(string(MealGeneration), tc.payload)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestValidateDataCleanup(t *testing.T) {
	r := Default(Options{})
	_, err := r.Validate(string(DataCleanup), map[string]any{"target": "ai_cache"})
	assert.NoError(t, err)
	_, err = r.Validate(string(DataCleanup), map[string]any{"target": "jobs", "older_than_days": 14})
	assert.NoError(t, err)
	_, err = r.Validate(string(DataCleanup), map[string]any{"target": "jobs"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = r.Validate(string(DataCleanup), map[string]any{"target": "users"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMealPayloadNormalize(t *testing.T) {
	p := MealGenerationPayload{Ingredients: []string{" Chicken", "chicken", "RICE"}}
	p.Normalize()
	assert.Equal(t, []string{"chicken", "rice"}, p.Ingredients)
	assert.Equal(t, "dinner", p.MealType)
	assert.Equal(t, 2, p.Servings)
	assert.Equal(t, 3, p.Count)
}
