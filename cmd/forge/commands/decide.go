package commands

import (
	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/runbook"
	"github.com/opsforge/opsforge/pkg/stores"
)

func newApproveCommand() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Approve a pending execution",
		Long: `Approve an execution awaiting approval. The execution runs immediately
with the parameters and dry-run flag recorded at trigger time.`,
		Example: `  forge approve 4f7c... --actor bob --comment "verified during standup"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, args[0], stores.DecisionApproved, comment)
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "decision comment for the audit trail")

	return cmd
}

func newRejectCommand() *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:     "reject <execution-id>",
		Short:   "Reject a pending execution",
		Example: `  forge reject 4f7c... --actor bob --comment "not during the release freeze"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, args[0], stores.DecisionRejected, comment)
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "decision comment for the audit trail")

	return cmd
}

func decide(cmd *cobra.Command, executionID string, decision stores.Decision, comment string) error {
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

	exec, err := a.service.Decide(ctx, executionID, runbook.DecisionRequest{
		Decision: decision,
		Comment:  comment,
	})
	if err != nil {
		return err
	}

	return printExecution(exec)
}

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a pending execution",
		Long:  `Withdraw an execution that is still awaiting approval.`,
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

			exec, err := a.service.Cancel(ctx, args[0])
			if err != nil {
				return err
			}

			return printExecution(exec)
		},
	}

	return cmd
}
