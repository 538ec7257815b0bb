package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clinaudit/clinaudit/internal/audit"
	"github.com/clinaudit/clinaudit/internal/retention"
)

// ============================================================================
// clinaudit policy: retention policy management
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage retention policies",
	Long: `Retention policies decide how long audit events are kept and when they
are archived. For an event, the active policy covering its type with the
highest risk threshold not above the event's score wins; ties go to the
oldest policy.

Policies can also be declared in policies.yaml in the config directory,
which is applied at startup and whenever it changes.`,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policyCreateCmd)
	policyCmd.AddCommand(policyUpdateCmd)
	policyCmd.AddCommand(policyDeactivateCmd)
	policyCmd.AddCommand(policyResolveCmd)
	policyCmd.AddCommand(policyApplyCmd)
	policyCmd.AddCommand(policyExportCmd)
}

var policyListAll bool

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retention policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			policies, err := a.policies.Policies(ctx, policyListAll)
			if err != nil {
				return err
			}
			printPolicies(policies)
			return nil
		})
	},
}

func init() {
	policyListCmd.Flags().BoolVar(&policyListAll, "all", false, "Include deactivated policies")
}

var policyFlags struct {
	name          string
	types         string
	threshold     int
	retentionDays int
	archiveDays   int
	tag           string
}

func addPolicyFlags(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&policyFlags.types, "types", "", "Comma-separated event types (e.g. READ,EXPORT)")
	fl.IntVar(&policyFlags.threshold, "threshold", 0, "Minimum risk score (0-10)")
	fl.IntVar(&policyFlags.retentionDays, "retention-days", 0, "Retention period in days")
	fl.IntVar(&policyFlags.archiveDays, "archive-days", 0, "Archive after this many days (0 = never)")
	fl.StringVar(&policyFlags.tag, "tag", "", "Compliance tag attached to covered events")
}

// applyPolicyFlags copies the flags the user set onto p.
func applyPolicyFlags(cmd *cobra.Command, p *retention.Policy) error {
	fl := cmd.Flags()
	if fl.Changed("types") {
		set, err := audit.ParseEventTypeSet(policyFlags.types)
		if err != nil {
			return err
		}
		p.EventTypes = set
	}
	if fl.Changed("threshold") {
		p.RiskScoreThreshold = policyFlags.threshold
	}
	if fl.Changed("retention-days") {
		p.RetentionPeriodDays = policyFlags.retentionDays
	}
	if fl.Changed("archive-days") {
		p.ArchiveAfterDays = policyFlags.archiveDays
	}
	if fl.Changed("tag") {
		p.ComplianceTag = policyFlags.tag
	}
	return nil
}

var policyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a retention policy",
	Long: `Create a retention policy. The policy is rejected when it is invalid,
for example when it archives after its retention period.

Example:
  clinaudit policy create --name research-exports --types EXPORT \
    --threshold 3 --retention-days 3650 --archive-days 365 --tag GDPR`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := retention.Policy{Name: policyFlags.name, Active: true, CreatedBy: "cli"}
		if err := applyPolicyFlags(cmd, &p); err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			created, err := a.policies.CreatePolicy(ctx, p)
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Policy %q created (id %d)\n", created.Name, created.ID)
			return nil
		})
	},
}

func init() {
	policyCreateCmd.Flags().StringVar(&policyFlags.name, "name", "", "Unique policy name")
	addPolicyFlags(policyCreateCmd)
	policyCreateCmd.MarkFlagRequired("name")
	policyCreateCmd.MarkFlagRequired("types")
	policyCreateCmd.MarkFlagRequired("retention-days")
}

var policyUpdateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Change fields of a retention policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.policies.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if err := applyPolicyFlags(cmd, &p); err != nil {
				return err
			}
			updated, err := a.policies.UpdatePolicy(ctx, p)
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Policy %q updated\n", updated.Name)
			return nil
		})
	},
}

func init() {
	addPolicyFlags(policyUpdateCmd)
}

var policyDeactivateCmd = &cobra.Command{
	Use:   "deactivate <name>",
	Short: "Deactivate a retention policy (kept in history)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.policies.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := a.policies.DeactivatePolicy(ctx, p.ID); err != nil {
				return err
			}
			fmt.Printf("[clinaudit] Policy %q deactivated\n", p.Name)
			return nil
		})
	},
}

var policyResolveFlags struct {
	eventType string
	risk      int
}

var policyResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Show which policy governs an event type and risk score",
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := audit.ParseEventType(policyResolveFlags.eventType)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			p, err := a.policies.Resolve(ctx, t, policyResolveFlags.risk)
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Printf("No active policy covers %s at risk %d; such events are never archived or purged.\n", t, policyResolveFlags.risk)
				return nil
			}
			printPolicies([]retention.Policy{*p})
			return nil
		})
	},
}

func init() {
	policyResolveCmd.Flags().StringVar(&policyResolveFlags.eventType, "type", "", "Event type")
	policyResolveCmd.Flags().IntVar(&policyResolveFlags.risk, "risk", 0, "Risk score")
	policyResolveCmd.MarkFlagRequired("type")
}

var policyApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Apply declared policies (default: policies.yaml in the config dir)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			path := a.policiesPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("policies file: %w", err)
			}
			res, err := a.policies.ApplyFile(ctx, path, "cli")
			if err != nil {
				return err
			}
			fmt.Printf("[clinaudit] %d created, %d updated, %d unchanged\n", res.Created, res.Updated, res.Unchanged)
			return nil
		})
	},
}

var policyExportForce bool

var policyExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write the active policies in policies.yaml format",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			path := a.policiesPath()
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !policyExportForce {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			policies, err := a.policies.Policies(ctx, false)
			if err != nil {
				return err
			}
			if err := retention.WriteFile(path, policies); err != nil {
				return err
			}
			fmt.Printf("[clinaudit] %d policies written to %s\n", len(policies), path)
			return nil
		})
	},
}

func init() {
	policyExportCmd.Flags().BoolVar(&policyExportForce, "force", false, "Overwrite an existing file")
}

func printPolicies(policies []retention.Policy) {
	if len(policies) == 0 {
		fmt.Println("No policies.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPES\tMIN RISK\tRETAIN\tARCHIVE\tTAG\tACTIVE")
	for _, p := range policies {
		archive := "-"
		if p.Archives() {
			archive = fmt.Sprintf("%dd", p.ArchiveAfterDays)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%dd\t%s\t%s\t%t\n",
			p.ID, p.Name, p.EventTypes, p.RiskScoreThreshold, p.RetentionPeriodDays, archive, p.ComplianceTag, p.Active)
	}
	tw.Flush()
}
