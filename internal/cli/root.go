package cli

import (
	"errors"
	"os"
	"os/user"

	"github.com/basharzamzami/base44-Analytics/internal/app"
	"github.com/basharzamzami/base44-Analytics/internal/config"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	cfgFile  string
	tenantID string
	actor    string
)

var rootCmd = &cobra.Command{
	Use:   "kpictl",
	Short: "KPI engine - multi-tenant KPI evaluation and alerting",
	Long: `kpictl manages KPI definitions, triggers evaluations and works alerts
against a local KPI engine database. Every command acts on one tenant.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.kpi/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("KPI_TENANT"), "tenant to act on")
	rootCmd.PersistentFlags().StringVar(&actor, "as", defaultActor(), "subject recorded on alert transitions")
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "kpictl"
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// principal is the caller the CLI acts as. Local access is trusted, so the
// principal is bound to the requested tenant.
func principal() (tenant.Principal, error) {
	if tenantID == "" {
		return tenant.Principal{}, errors.New("--tenant is required")
	}
	return tenant.Principal{Subject: actor, TenantID: tenantID}, nil
}

// withApp opens the engine for the duration of fn.
func withApp(cmd *cobra.Command, fn func(a *app.App, p tenant.Principal) error) error {
	p, err := principal()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, p)
}
