package main

import (
	"errors"
	"io"

	"github.com/fgeck/gorsnapshot/internal/config"
	"github.com/fgeck/gorsnapshot/internal/logging"
	"github.com/fgeck/gorsnapshot/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	debug      bool
	jsonOutput bool
	logDir     string
	itemNumber int
	hostFilter string

	// Mode flags.
	modeSync          bool
	modeRotateHourly  bool
	modeRotateDaily   bool
	modeRotateWeekly  bool
	modeRotateMonthly bool

	logCloser io.Closer
)

var errNoMode = errors.New("one of --sync, --rotate-hourly, --rotate-daily, --rotate-weekly, --rotate-monthly is required")

var rootCmd = &cobra.Command{
	Use:   "gorsnapshot",
	Short: "An rsnapshot backup orchestrator",
	Long: `gorsnapshot drives rsnapshot for every item of its configuration:
  - SSH access bootstrap and remote hostname validation
  - MySQL, PostgreSQL and MongoDB dumps prepared on the source host
  - rsnapshot config generation and sync or rotation
  - native rsync daemon sources with a transient password file

Run it from cron or a systemd timer, one mode per invocation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := selectedMode(); !ok && cmd == cmd.Root() {
			// Usage only, nothing to log.
			return nil
		}
		return setupLogging()
	},
	RunE:    runBackup,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output and rsync progress")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output console logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", config.DefaultLogDir, "directory for the rotating log file, empty disables it")

	rootCmd.Flags().IntVar(&itemNumber, "item-number", 0, "run only for config item `NUMBER`")
	rootCmd.Flags().StringVar(&hostFilter, "host", "", "run only for items with `HOST`")

	rootCmd.Flags().BoolVar(&modeSync, "sync", false, "prepare rsnapshot configs and run sync")
	rootCmd.Flags().BoolVar(&modeRotateHourly, "rotate-hourly", false, "prepare rsnapshot configs and run hourly rotate")
	rootCmd.Flags().BoolVar(&modeRotateDaily, "rotate-daily", false, "prepare rsnapshot configs and run daily rotate")
	rootCmd.Flags().BoolVar(&modeRotateWeekly, "rotate-weekly", false, "prepare rsnapshot configs and run weekly rotate")
	rootCmd.Flags().BoolVar(&modeRotateMonthly, "rotate-monthly", false, "prepare rsnapshot configs and run monthly rotate")
	rootCmd.MarkFlagsMutuallyExclusive("sync", "rotate-hourly", "rotate-daily", "rotate-weekly", "rotate-monthly")

	rootCmd.AddCommand(validateCmd)
}

func setupLogging() error {
	logger, closer, err := logging.Setup(logging.Options{
		Debug: debug,
		JSON:  jsonOutput,
		Dir:   logDir,
	})
	if err != nil {
		return err
	}
	log.Logger = logger
	logCloser = closer
	return nil
}

// selectedMode returns the mode chosen on the command line.
func selectedMode() (models.Mode, bool) {
	switch {
	case modeSync:
		return models.ModeSync, true
	case modeRotateHourly:
		return models.ModeRotateHourly, true
	case modeRotateDaily:
		return models.ModeRotateDaily, true
	case modeRotateWeekly:
		return models.ModeRotateWeekly, true
	case modeRotateMonthly:
		return models.ModeRotateMonthly, true
	default:
		return "", false
	}
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	return err
}
