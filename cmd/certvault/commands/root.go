package commands

import (
	"github.com/spf13/cobra"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/metrics"
)

// NewRootCommand builds the certvault command tree around app.
func NewRootCommand(app *App, version string) *cobra.Command {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "certvault",
		Short: "Read Azure Key Vault secrets with a short-lived client certificate",
		Long: `certvault exports a client certificate from a local certificate store
into a private temporary file, authenticates to Azure Key Vault with it and
reads secrets named <app>-<scope>--<name>. The exported file is deleted
before certvault exits, including on errors and Ctrl-C.

Settings come from KEYVAULT_* environment variables, optionally on top of
a YAML file given with --config.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if app.Logger == nil {
				app.Logger = logging.NewWithWriter(cmd.ErrOrStderr(), debug, noColor)
			}
			app.Config.Path = configFile
			app.Config.Logger = app.Logger
			if app.MetricsTextfile != "" {
				metrics.InitMetrics()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (optional)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&app.AppID, "app", "", "Caller identity (default: KEYVAULT_CALLER_ID, then the executable name)")
	rootCmd.PersistentFlags().StringVar(&app.MetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")

	rootCmd.AddCommand(
		NewGetCommand(app),
		NewListCommand(app),
		NewDoctorCommand(app),
	)

	return rootCmd
}
