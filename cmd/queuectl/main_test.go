package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/housekeeper"
	"dinner-queue/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOG_MODE", "prod")

	jsonOutput = false
	enqueuePayload, enqueuePriority, enqueueTenant, enqueueUser, enqueueDelay = "{}", 0, "", "", 0
	quotaAction, quotaSetPlan = models.ActionMealGeneration, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueCommand(t *testing.T) {
	out, err := execute(t, "enqueue", "meal_generation", "--json",
		"--tenant", "T", "--priority", "7", "--payload", `{"ingredients":["rice","tofu"]}`)
	require.NoError(t, err)

	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, "T", job.Tenant())
}

func TestEnqueueCommandRejects(t *testing.T) {
	_, err := execute(t, "enqueue", "meal_generation", "--payload", `{"ingredients":["rice"]}`)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = execute(t, "enqueue", "data_cleanup", "--payload", `not json`)
	assert.Error(t, err)

	_, err = execute(t, "enqueue", "data_cleanup", "--payload", `{"target":"ai_cache"}`, "--delay=-5s")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestQuotaCommand(t *testing.T) {
	out, err := execute(t, "quota", "T", "--json", "--set-plan", "family")
	require.NoError(t, err)

	var rep quotaReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "family", rep.Plan)
	assert.True(t, rep.Allowed)
	assert.Zero(t, rep.Usage.MealsGenerated)

	_, err = execute(t, "quota", "T", "--set-plan", "platinum")
	assert.Error(t, err)
}

func TestStatsAndHousekeepCommands(t *testing.T) {
	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = execute(t, "housekeep", "--json")
	require.NoError(t, err)
	var rep housekeeper.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, housekeeper.Report{}, rep)
}
