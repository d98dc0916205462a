package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/runbook"
)

func newTriggerCommand() *cobra.Command {
	var (
		dryRun bool
		params []string
	)

	cmd := &cobra.Command{
		Use:   "trigger <runbook>",
		Short: "Trigger a runbook execution",
		Long: `Trigger a runbook. Depending on the approval policy for your role the
execution either runs immediately (auto-approve, subject to the rolling
24h rate limit) or waits for a human approval.`,
		Example: `  # Trigger a cleanup runbook
  forge trigger orphan_resource_cleanup --actor alice

  # Dry run with parameters
  forge trigger orphan_resource_cleanup -a alice --dry-run -p region=us-east-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			ctx, err = a.actorContext(ctx)
			if err != nil {
				return err
			}

			parameters, err := parseParams(params)
			if err != nil {
				return err
			}

			exec, err := a.service.Trigger(ctx, runbook.TriggerRequest{
				RunbookName: args[0],
				DryRun:      dryRun,
				Parameters:  parameters,
			})
			if err != nil {
				return err
			}

			return printExecution(exec)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be done without acting")
	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "runbook parameters (key=value)")

	return cmd
}

func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}
