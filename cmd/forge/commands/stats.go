package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/stores"
)

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-runbook execution statistics",
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

			stats, err := a.service.Stats(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stats)
			}

			w := newTable()
			fmt.Fprintln(w, "RUNBOOK\tTOTAL\tCOMPLETED\tFAILED\tPENDING\tFOUND\tACTIONED\tLAST RUN")
			for _, s := range stats {
				lastRun := "-"
				if s.LastRunAt != nil {
					lastRun = s.LastRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
					s.RunbookName, s.Total,
					s.ByStatus[stores.StatusCompleted],
					s.ByStatus[stores.StatusFailed],
					s.ByStatus[stores.StatusPendingApproval],
					s.ItemsFound, s.ItemsActioned, lastRun)
			}
			return w.Flush()
		},
	}

	return cmd
}
