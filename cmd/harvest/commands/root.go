// Package commands implements the harvest command line.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/remilejeune/udata-harvest/am"
	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/logger"
)

// NewRootCmd builds the command tree. Each call returns fresh commands and
// flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest remote data sources into a local catalog",
		Long: `harvest - configure remote data sources and harvest them.

A source names a backend (httpjson, git, files) and a URL. Running a source
creates a job: the backend discovers items, then each item is processed into
records. Sources can be run now, launched in the background or scheduled.

Examples:
  harvest source create "Open data portal" https://data.example.org/api/datasets.json --backend httpjson
  harvest run open-data-portal
  harvest schedule open-data-portal --hour 3 --minute 30
  harvest serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(cmd)
		},
	}

	root.PersistentFlags().Bool("json", false, "Print results as JSON")
	root.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	root.AddCommand(
		newBackendsCmd(),
		newSourceCmd(),
		newRunCmd(),
		newLaunchCmd(),
		newScheduleCmd(),
		newUnscheduleCmd(),
		newJobCmd(),
		newServeCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// initLogger sets the global logger from the configuration. -v flags
// override the configured level.
func initLogger(cmd *cobra.Command) error {
	jsonLogs := false
	level := zapcore.WarnLevel
	// config commands must work with a broken file
	if cfg, err := am.Load(); err == nil {
		jsonLogs = cfg.Log.JSON
		if l, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
			level = l
		}
		// the CLI stays quiet unless asked, the daemon logs at the configured level
		if cmd.Name() != "serve" && level < zapcore.WarnLevel {
			level = zapcore.WarnLevel
		}
	}
	if v, _ := cmd.Flags().GetCount("verbose"); v > 0 {
		level = logger.VerbosityToLevel(v)
	}
	return errors.Wrap(logger.InitializeWithLevel(jsonLogs, level), "failed to initialize logger")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
