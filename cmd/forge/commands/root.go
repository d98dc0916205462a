package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	actorName  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "OpsForge - Policy-Gated Runbook Automation",
		Long: `OpsForge executes operational runbooks behind an approval gate.

Every trigger is checked against a per-role approval policy: low-risk
runbooks auto-approve within a rolling 24h rate limit, everything else
waits for a human decision. Each attempt and its outcome lands on a
persistent, append-only execution ledger.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&actorName, "actor", "a", os.Getenv("OPSFORGE_ACTOR"), "acting user (defaults to $OPSFORGE_ACTOR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newTriggerCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newExecutionsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}
