package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/config"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "virtsync",
		Short: "virtsync - converge virtual machine domains",
		Long: `virtsync converges virtual machine domains onto a declared configuration.

It answers two questions for a domain:
  - Does the live definition match the desired one, and what merged
    definition keeps live-only values like MAC addresses?
  - Which chain of lifecycle operations moves the domain from its
    current state to the requested one?`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newConvergeCommand())
	rootCmd.AddCommand(newWaitCommand())
	rootCmd.AddCommand(newNetworkCommand())
	rootCmd.AddCommand(newVolumeCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadConfig loads --config, or the defaults when it is not set.
func loadConfig() (*config.File, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", configPath).Msg("Loaded configuration")
	return cfg, nil
}

// newTelemetry builds telemetry from the configuration. --verbose raises
// the log level to debug and a non-empty event selection turns on the
// event publisher.
func newTelemetry(cfg *config.File, events []string) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if len(events) > 0 {
		tcfg.Events.Enabled = true
	}
	return telemetry.NewTelemetry(tcfg)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
