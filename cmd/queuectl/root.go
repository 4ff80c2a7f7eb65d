package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dinner-queue/internal/app"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Operate the dinner job queue",
	Long: `queuectl inspects and operates the job queue directly against its store.

Configuration is read from the same environment variables as the api and
worker (POSTGRES_DSN, STORE_DRIVER, PLANS_FILE, ...) and the optional
CONFIG_FILE.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func openApp(cmd *cobra.Command) (*app.App, error) {
	a, err := app.New(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
