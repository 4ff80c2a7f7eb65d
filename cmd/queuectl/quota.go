package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dinner-queue/internal/models"
)

var (
	quotaAction  string
	quotaSetPlan string
)

var quotaCmd = &cobra.Command{
	Use:   "quota <tenant>",
	Short: "Show a tenant's plan and today's usage",
	Long: `Show a tenant's plan, today's counters and whether the action is still allowed.

Examples:
  queuectl quota T
  queuectl quota T --set-plan pro`,
	Args: cobra.ExactArgs(1),
	RunE: runQuota,
}

type quotaReport struct {
	TenantID string              `json:"tenant_id"`
	Plan     string              `json:"plan"`
	Action   string              `json:"action"`
	Allowed  bool                `json:"allowed"`
	Usage    models.QuotaCounter `json:"usage"`
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.Flags().StringVar(&quotaAction, "action", models.ActionMealGeneration, "Action to check")
	quotaCmd.Flags().StringVar(&quotaSetPlan, "set-plan", "", "Assign the tenant to a plan first")
}

func runQuota(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenant := args[0]

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if quotaSetPlan != "" {
		if err := a.Store.SetTenantPlan(ctx, tenant, quotaSetPlan); err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
	}
	plan, err := a.Ledger.PlanFor(ctx, tenant)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}
	if quotaSetPlan != "" && plan.Name != quotaSetPlan {
		return fmt.Errorf("plan %q is not in the catalog; tenant resolves to %q", quotaSetPlan, plan.Name)
	}
	allowed, err := a.Ledger.CheckQuota(ctx, tenant, quotaAction)
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	usage, err := a.Ledger.Usage(ctx, tenant)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}

	rep := quotaReport{TenantID: tenant, Plan: plan.Name, Action: quotaAction, Allowed: allowed, Usage: usage}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rep)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "tenant\t%s\n", tenant)
	fmt.Fprintf(w, "plan\t%s\n", plan.Name)
	fmt.Fprintf(w, "meals\t%d / %d\n", usage.MealsGenerated, plan.MealsPerDay)
	fmt.Fprintf(w, "tokens\t%d / %d\n", usage.TokensUsed, plan.TokensPerDay)
	fmt.Fprintf(w, "cost_usd\t%.4f / %.2f\n", usage.CostUSD, plan.CostUSDPerDay)
	fmt.Fprintf(w, "%s allowed\t%t\n", quotaAction, allowed)
	return w.Flush()
}
