package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var housekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Run one maintenance pass now",
	Long: `Run one housekeeper pass: recover stale claims, prune (and archive) old
terminal jobs, drop expired cache rows and reconcile deferred usage.`,
	Args: cobra.NoArgs,
	RunE: runHousekeep,
}

func init() {
	rootCmd.AddCommand(housekeepCmd)
}

func runHousekeep(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	hk, err := a.Housekeeper(cmd.Context())
	if err != nil {
		return err
	}
	rep, runErr := hk.RunOnce(cmd.Context())
	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "swept %d, pruned %d, cache removed %d, reconciled %d\n",
			rep.Swept, rep.Pruned, rep.CacheRemoved, rep.Reconciled)
	}
	return runErr
}
