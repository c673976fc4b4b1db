package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/basharzamzami/base44-Analytics/internal/app"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/spf13/cobra"
)

var kpiCmd = &cobra.Command{
	Use:   "kpi",
	Short: "Manage KPI definitions",
}

var kpiApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply KPI definitions and rules from a bootstrap file",
	RunE:  runKPIApply,
}

var kpiListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's KPIs",
	RunE:  runKPIList,
}

var kpiRulesCmd = &cobra.Command{
	Use:   "rules <kpi>",
	Short: "List the alert rules of a KPI",
	Args:  cobra.ExactArgs(1),
	RunE:  runKPIRules,
}

func init() {
	rootCmd.AddCommand(kpiCmd)
	kpiCmd.AddCommand(kpiApplyCmd)
	kpiCmd.AddCommand(kpiListCmd)
	kpiCmd.AddCommand(kpiRulesCmd)

	kpiApplyCmd.Flags().StringP("file", "f", "", "Bootstrap YAML file")
	_ = kpiApplyCmd.MarkFlagRequired("file")
}

func runKPIApply(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	b, err := app.LoadBootstrap(path)
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		// Only the caller's own tenant is applied.
		var mine app.Bootstrap
		for _, t := range b.Tenants {
			if t.ID == p.TenantID {
				mine.Tenants = append(mine.Tenants, t)
			}
		}
		if len(mine.Tenants) == 0 {
			return fmt.Errorf("%s has no tenant %q", path, p.TenantID)
		}
		if err := app.ApplyBootstrap(cmd.Context(), a.Engine, &mine); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, t := range mine.Tenants {
			for _, k := range t.KPIs {
				fmt.Fprintf(out, "applied %s (%d rules)\n", k.ID, len(k.Rules))
			}
		}
		return nil
	})
}

func runKPIList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		kpis, err := a.Engine.ListKPIs(cmd.Context(), p, p.TenantID)
		if err != nil {
			return fmt.Errorf("list kpis: %w", err)
		}
		if len(kpis) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No KPIs defined. Use 'kpictl kpi apply' to create some.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tKIND\tGRANULARITY\tWATERMARK\n")
		for _, k := range kpis {
			watermark := "-"
			if !k.Watermark.IsZero() {
				watermark = k.Watermark.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Formula.Kind, k.Granularity, watermark)
		}
		return w.Flush()
	})
}

func runKPIRules(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		rules, err := a.Engine.ListRules(cmd.Context(), p, p.TenantID, args[0])
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tNAME\tKIND\tSEVERITY\tENABLED\n")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", r.ID, r.Name, r.Kind, r.Severity, r.Enabled)
		}
		return w.Flush()
	})
}
