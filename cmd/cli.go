package cmd

import (
	"os"

	"github.com/habedi/trackr/pkg/clierr"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func Execute() {
	rootCmd := createRootCmd()
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		log.Error().Err(err).Msg("Command execution failed.")
		os.Exit(clierr.ExitCode(err))
	}
}

func createRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "trackr",
		Short:         "A command-line client for the issue tracker",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.loadConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("help", "h", false, "Show help for a command")
	flags.StringVar(&a.apiURL, "api-url", "", "Base URL of the tracker API (overrides TRACKR_API_URL)")
	flags.StringVar(&a.stateDir, "state-dir", "", "Directory for credentials and config (default $TRACKR_HOME or ~/.trackr)")
	flags.StringVar(&a.redisURL, "redis-url", "", "Share the access token through Redis instead of the state directory")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level [debug, info, warn, error, disabled]")

	rootCmd.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		statusCmd(a),
		refreshCmd(a),
		meCmd(a),
		ticketsCmd(a),
		prioritiesCmd(a),
		requestCmd(a),
		watchCmd(a),
		versionCmd(),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})

	return rootCmd
}

// run wraps a command body so resources opened by it are released afterwards.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}
