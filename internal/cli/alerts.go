package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/basharzamzami/base44-Analytics/internal/app"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and work alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE:  runAlertsList,
}

var alertsAckCmd = &cobra.Command{
	Use:   "ack <alert>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsAck,
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsResolve,
}

var alertsTaskCmd = &cobra.Command{
	Use:   "task <alert> <task-ref>",
	Short: "Link an external task to an alert",
	Args:  cobra.ExactArgs(2),
	RunE:  runAlertsTask,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsAckCmd)
	alertsCmd.AddCommand(alertsResolveCmd)
	alertsCmd.AddCommand(alertsTaskCmd)

	alertsListCmd.Flags().String("kpi", "", "Filter by KPI")
	alertsListCmd.Flags().String("state", "", "Filter by state (new, acknowledged, resolved)")
	alertsListCmd.Flags().String("severity", "", "Filter by severity")
	alertsListCmd.Flags().Int("limit", 50, "Maximum alerts to show")

	alertsAckCmd.Flags().String("note", "", "Note recorded on the alert")
	alertsResolveCmd.Flags().String("note", "", "Note recorded on the alert")
}

func runAlertsList(cmd *cobra.Command, _ []string) error {
	kpi, _ := cmd.Flags().GetString("kpi")
	state, _ := cmd.Flags().GetString("state")
	severity, _ := cmd.Flags().GetString("severity")
	limit, _ := cmd.Flags().GetInt("limit")

	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		list, err := a.Engine.Alerts(cmd.Context(), p, p.TenantID, model.AlertFilter{
			KPIID:    kpi,
			State:    model.AlertState(state),
			Severity: model.Severity(severity),
			Limit:    limit,
		})
		if err != nil {
			return fmt.Errorf("list alerts: %w", err)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No alerts.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tKPI\tRULE\tSEVERITY\tSTATE\tPERIOD\tVALUE\tSEEN\tTASK\n")
		for _, al := range list {
			task := al.TaskRef
			if task == "" {
				task = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%g\t%d\t%s\n",
				al.ID, al.KPIID, al.RuleID, al.Severity, al.State,
				al.PeriodStart.Format("2006-01-02 15:04"), al.ObservedValue, al.ObservedCount, task,
			)
		}
		return w.Flush()
	})
}

func runAlertsAck(cmd *cobra.Command, args []string) error {
	note, _ := cmd.Flags().GetString("note")
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		al, err := a.Engine.Acknowledge(cmd.Context(), p, p.TenantID, args[0], note)
		if err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		printAlert(cmd, al)
		return nil
	})
}

func runAlertsResolve(cmd *cobra.Command, args []string) error {
	note, _ := cmd.Flags().GetString("note")
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		al, err := a.Engine.Resolve(cmd.Context(), p, p.TenantID, args[0], note)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		printAlert(cmd, al)
		return nil
	})
}

func runAlertsTask(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		al, err := a.Engine.LinkTask(cmd.Context(), p, p.TenantID, args[0], args[1])
		if err != nil {
			return fmt.Errorf("link task: %w", err)
		}
		printAlert(cmd, al)
		return nil
	})
}

func printAlert(cmd *cobra.Command, al *model.Alert) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Alert %s:\n", al.ID)
	fmt.Fprintf(out, "  KPI:       %s\n", al.KPIID)
	fmt.Fprintf(out, "  Rule:      %s\n", al.RuleID)
	fmt.Fprintf(out, "  Severity:  %s\n", al.Severity)
	fmt.Fprintf(out, "  State:     %s\n", al.State)
	if al.TaskRef != "" {
		fmt.Fprintf(out, "  Task:      %s\n", al.TaskRef)
	}
}
