package cli

import (
	"errors"
	"fmt"

	"github.com/basharzamzami/base44-Analytics/internal/app"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage the local normalized records database",
}

var recordsLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load normalized records from a YAML file",
	RunE:  runRecordsLoad,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsLoadCmd)

	recordsLoadCmd.Flags().StringP("file", "f", "", "Records YAML file")
	_ = recordsLoadCmd.MarkFlagRequired("file")
}

func runRecordsLoad(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	return withApp(cmd, func(a *app.App, p tenant.Principal) error {
		dst, ok := a.Records.(*records.SQLite)
		if !ok {
			return errors.New("records can only be loaded with records.driver sqlite")
		}
		n, err := app.LoadRecords(cmd.Context(), a.Engine, dst, p, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records\n", n)
		return nil
	})
}
