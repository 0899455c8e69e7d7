package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	logsFlags := &LogsFlags{}
	historyFlags := &HistoryFlags{}

	embedCommand := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(embedCommand, runFlags),
		createPathsCommand(embedCommand),
		createLogsCommand(embedCommand, logsFlags),
		createHistoryCommand(embedCommand, historyFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "embedsvc",
		Short: "Run and inspect an embedded local web service",
		Long: `embedsvc starts a local web service the way a desktop shell would:
it prepares the app's data directories, picks a free loopback port, launches
the service and waits until its health endpoint answers.

Examples:
  embedsvc run --app Notes --exec ./notes-server
  embedsvc run --config embedsvc.toml --metrics-addr 127.0.0.1:9464
  embedsvc paths --app Notes
  embedsvc logs --app Notes -f`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file (optional)")
	root.PersistentFlags().StringVar(&flags.AppName, "app", "", "application name (overrides service.app_name)")
	root.PersistentFlags().StringVar(&flags.DataRoot, "data-root", "", "data root directory (overrides storage.data_root)")
	root.PersistentFlags().StringVar(&flags.LogDir, "log-dir", "", "log directory (overrides log.dir)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(embedCommand command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the service and block until it exits",
		Long: `Start the embedded service, print its base URL and keep it running until
it exits or SIGINT/SIGTERM arrives, then stop it gracefully.

Arguments and environment values may reference the launch variables,
e.g. --arg=--port --arg='${EMBEDSVC_PORT}'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return embedCommand.Run(cmd, *flags)
		},
	}

	cmd.Flags().StringVar(&flags.Executable, "exec", "", "service executable (overrides service.executable)")
	cmd.Flags().StringArrayVar(&flags.Args, "arg", nil, "service argument (repeatable)")
	cmd.Flags().StringArrayVar(&flags.EnvKVs, "env", nil, "extra KEY=VALUE for the service (repeatable)")
	cmd.Flags().StringVar(&flags.HealthPath, "health-path", "", "health endpoint path")
	cmd.Flags().DurationVar(&flags.StartupTimeout, "startup-timeout", 0, "readiness deadline")
	cmd.Flags().DurationVar(&flags.StopGrace, "stop-grace", 0, "graceful shutdown window")
	cmd.Flags().StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&flags.NoHistory, "no-history", false, "do not record lifecycle history")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "host log level (debug|info|warn|error)")
	return cmd
}

// createPathsCommand creates the paths subcommand
func createPathsCommand(embedCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved data and log paths as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return embedCommand.Paths(cmd.OutOrStdout())
		},
	}
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(embedCommand command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the service's stdout/stderr log",
		Long: `Display and optionally follow the service log file.

Examples:
  embedsvc logs --app Notes -n 50
  embedsvc logs --app Notes -f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return embedCommand.Logs(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Lines, "lines", "n", 100, "number of lines to show")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "follow log output")
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(embedCommand command, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return embedCommand.History(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().IntVarP(&flags.Limit, "limit", "n", 20, "number of events to show")
	return cmd
}
