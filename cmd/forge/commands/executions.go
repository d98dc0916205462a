package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/runbook"
)

func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect the execution ledger",
	}

	cmd.AddCommand(newExecutionsListCommand())
	cmd.AddCommand(newExecutionsMineCommand())
	cmd.AddCommand(newExecutionsShowCommand())
	cmd.AddCommand(newExecutionsPendingCommand())

	return cmd
}

func newExecutionsListCommand() *cobra.Command {
	var (
		runbookName string
		status      string
		limit       int
		offset      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Example: `  # Recent history for one runbook
  forge executions list -a alice --runbook orphan_resource_cleanup

  # Everything that failed
  forge executions list -a alice --status failed`,
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

			execs, err := a.service.History(ctx, runbook.HistoryRequest{
				RunbookName: runbookName,
				Status:      status,
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return err
			}

			return printExecutions(execs)
		},
	}

	cmd.Flags().StringVarP(&runbookName, "runbook", "r", "", "filter by runbook name")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

func newExecutionsMineCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List executions you triggered",
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

			execs, err := a.service.Mine(ctx, limit, offset)
			if err != nil {
				return err
			}

			return printExecutions(execs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

func newExecutionsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution with its approval history",
		Args:  cobra.ExactArgs(1),
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

			detail, err := a.service.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(detail)
			}

			if err := printExecution(detail.Execution); err != nil {
				return err
			}

			if len(detail.Approvals) > 0 {
				fmt.Println()
				w := newTable()
				fmt.Fprintln(w, "APPROVER\tDECISION\tCOMMENT\tDECIDED")
				for _, appr := range detail.Approvals {
					comment := ""
					if appr.Comment != nil {
						comment = *appr.Comment
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						appr.Approver, appr.Decision, comment,
						appr.DecidedAt.Format(time.RFC3339))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			return nil
		},
	}

	return cmd
}

func newExecutionsPendingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List executions awaiting approval",
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

			execs, err := a.service.PendingApprovals(ctx)
			if err != nil {
				return err
			}

			return printExecutions(execs)
		},
	}

	return cmd
}
