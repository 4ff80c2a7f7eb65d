package main

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"dinner-queue/internal/queue"
)

var (
	enqueuePayload  string
	enqueuePriority int
	enqueueTenant   string
	enqueueUser     string
	enqueueDelay    time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type>",
	Short: "Admit a job",
	Long: `Admit a job through the same validation and quota checks as POST /jobs.

Examples:
  queuectl enqueue meal_generation --tenant T --payload '{"ingredients":["rice","tofu"]}'
  queuectl enqueue data_cleanup --payload '{"target":"jobs","older_than_days":30}'`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "Job payload as a JSON object")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "Priority; higher runs first")
	enqueueCmd.Flags().StringVar(&enqueueTenant, "tenant", "", "Tenant id (required for billable types)")
	enqueueCmd.Flags().StringVar(&enqueueUser, "user", "", "User id")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "Delay before the job becomes claimable")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
		return fmt.Errorf("--payload: %w", err)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	req := queue.Request{
		Type:         args[0],
		Payload:      payload,
		Priority:     enqueuePriority,
		TenantID:     enqueueTenant,
		UserID:       enqueueUser,
		DelaySeconds: int64(math.Ceil(enqueueDelay.Seconds())),
	}
	job, err := a.QueueService().Enqueue(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %d %s (%s, priority %d)\n", job.ID, job.Status, job.Type, job.Priority)
	return nil
}
