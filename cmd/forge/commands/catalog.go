package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the runbook catalog",
	}

	cmd.AddCommand(newCatalogListCommand())
	cmd.AddCommand(newCatalogShowCommand())

	return cmd
}

func newCatalogListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available runbooks",
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

			runbooks, err := a.service.Catalog(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(runbooks)
			}

			w := newTable()
			fmt.Fprintln(w, "NAME\tCATEGORY\tRISK\tDRY RUN\tENABLED\tDESCRIPTION")
			for _, rb := range runbooks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
					rb.Name, rb.Category, rb.RiskLevel, rb.SupportsDryRun, rb.Enabled, rb.Description)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newCatalogShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <runbook>",
		Short: "Show one runbook with its approval policies",
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

			detail, err := a.service.GetRunbook(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(detail)
			}

			rb := detail.Runbook
			w := newTable()
			fmt.Fprintf(w, "Name:\t%s\n", rb.Name)
			fmt.Fprintf(w, "Display name:\t%s\n", rb.DisplayName)
			fmt.Fprintf(w, "Description:\t%s\n", rb.Description)
			fmt.Fprintf(w, "Category:\t%s\n", rb.Category)
			fmt.Fprintf(w, "Risk level:\t%s\n", rb.RiskLevel)
			fmt.Fprintf(w, "Supports dry run:\t%t\n", rb.SupportsDryRun)
			fmt.Fprintf(w, "Enabled:\t%t\n", rb.Enabled)
			if err := w.Flush(); err != nil {
				return err
			}

			if len(detail.Policies) > 0 {
				fmt.Println()
				w = newTable()
				fmt.Fprintln(w, "TRIGGER ROLE\tMODE\tAPPROVER ROLE\tDAILY CAP\tENABLED")
				for _, p := range detail.Policies {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n",
						p.TriggerRole, p.ApprovalMode, p.ApproverRole,
						p.MaxAutoExecutionsPerDay, p.Enabled)
				}
				return w.Flush()
			}

			return nil
		},
	}

	return cmd
}
