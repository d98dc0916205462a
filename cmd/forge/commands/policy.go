package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/runbook"
	"github.com/opsforge/opsforge/pkg/stores"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage approval policies",
	}

	cmd.AddCommand(newPolicySetCommand())
	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyDeleteCommand())

	return cmd
}

func newPolicySetCommand() *cobra.Command {
	var (
		triggerRole       string
		approverRole      string
		mode              string
		escalationMinutes int
		maxPerDay         int
		disabled          bool
	)

	cmd := &cobra.Command{
		Use:   "set <runbook>",
		Short: "Create or replace the policy for a (runbook, role) pair",
		Long: `Set the approval policy controlling how a role's triggers of a runbook
are gated. Admin tier only.`,
		Example: `  # Low-risk cleanup auto-approves up to 3 times per rolling 24h
  forge policy set orphan_resource_cleanup -a bob \
    --trigger-role operator --mode auto_approve --max-per-day 3

  # Remediation needs an admin sign-off
  forge policy set stuck_vm_remediation -a bob \
    --trigger-role operator --mode single_approval --approver-role admin`,
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

			policy, err := a.service.UpsertPolicy(ctx, runbook.PolicyUpsertRequest{
				RunbookName:              args[0],
				TriggerRole:              triggerRole,
				ApproverRole:             approverRole,
				ApprovalMode:             stores.ApprovalMode(mode),
				EscalationTimeoutMinutes: escalationMinutes,
				MaxAutoExecutionsPerDay:  maxPerDay,
				Enabled:                  !disabled,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(policy)
			}

			fmt.Printf("Policy set: %s/%s -> %s\n", policy.RunbookName, policy.TriggerRole, policy.ApprovalMode)
			return nil
		},
	}

	cmd.Flags().StringVar(&triggerRole, "trigger-role", "operator", "role the policy applies to")
	cmd.Flags().StringVar(&approverRole, "approver-role", "admin", "role allowed to approve")
	cmd.Flags().StringVar(&mode, "mode", "single_approval", "approval mode (auto_approve, single_approval)")
	cmd.Flags().IntVar(&escalationMinutes, "escalation-minutes", 0, "minutes before a pending approval escalates")
	cmd.Flags().IntVar(&maxPerDay, "max-per-day", 0, "rolling 24h cap for auto-approved executions")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the policy disabled")

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <runbook>",
		Short: "List the policies declared for a runbook",
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

			policies, err := a.service.ListPolicies(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(policies)
			}

			w := newTable()
			fmt.Fprintln(w, "TRIGGER ROLE\tMODE\tAPPROVER ROLE\tDAILY CAP\tESCALATION MIN\tENABLED")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\n",
					p.TriggerRole, p.ApprovalMode, p.ApproverRole,
					p.MaxAutoExecutionsPerDay, p.EscalationTimeoutMinutes, p.Enabled)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newPolicyDeleteCommand() *cobra.Command {
	var triggerRole string

	cmd := &cobra.Command{
		Use:   "delete <runbook>",
		Short: "Delete the policy for a (runbook, role) pair",
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

			if err := a.service.DeletePolicy(ctx, args[0], triggerRole); err != nil {
				return err
			}

			fmt.Printf("Policy deleted: %s/%s\n", args[0], triggerRole)
			return nil
		},
	}

	cmd.Flags().StringVar(&triggerRole, "trigger-role", "operator", "role the policy applies to")

	return cmd
}
