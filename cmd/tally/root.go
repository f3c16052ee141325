package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/praetorian-inc/tally/pkg/config"
	"github.com/praetorian-inc/tally/pkg/logging"
)

var (
	configPath string
	logLevel   string
	verbose    bool
	quiet      bool

	// set by loadSettings before any subcommand runs
	appConfig *config.Config
	logger    *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - file listing inventory and statistics",
	Long: `Tally reads file listings (ls output, directory index pages, tree dumps,
CSV-like exports) from local files, archives and web servers, reconciles them
into one catalog of paths, and reports statistics and recurring patterns.

It only reads listings it is pointed at; it never contacts hosts.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Quiet mode (errors only)")

	// Add subcommands
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadSettings(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	switch {
	case logLevel != "":
		cfg.LogLevel = logLevel
	case verbose:
		cfg.LogLevel = "debug"
	case quiet:
		cfg.LogLevel = "error"
	}

	l, err := logging.NewWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}

	appConfig = cfg
	logger = l
	return nil
}

// settings returns the loaded configuration and logger, falling back to
// defaults when a command runs without the root's pre-run hook.
func settings() (*config.Config, *zap.Logger) {
	cfg, l := appConfig, logger
	if cfg == nil {
		cfg = config.Default()
	}
	if l == nil {
		l = zap.NewNop()
	}
	return cfg, l
}
