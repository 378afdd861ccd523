package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/config"
	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		flags domainFlags
		run   runFlags
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Converge a domain whenever its definition changes",
		Long: `Converge a domain once, then again every time the definition file,
the ignore rules, a policy file or the config file changes. Metrics are
served while watching when enabled in the config.

Stops on interrupt.`,
		Example: `  # Keep web01 running with the latest definition
  virtsync watch --host host.yaml --xml web01.xml --state latest

  # The same against the local libvirt daemon
  virtsync watch --connect qemu:///system --xml web01.xml --state latest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg, run.events)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)
			if err := run.streamEvents(tel, cmd.ErrOrStderr()); err != nil {
				return err
			}
			tel.StartMetricsServer()

			paths := cfg.WatchPaths()
			for _, p := range []string{flags.xmlFile, flags.ignoreFile} {
				if p != "" {
					paths = append(paths, p)
				}
			}
			policyFiles, err := run.policyFiles(cfg)
			if err != nil {
				return err
			}
			paths = append(paths, policyFiles...)

			watcher, err := config.NewWatcher(paths, config.WithWatcherLogger(log.Logger))
			if err != nil {
				return err
			}

			once := func() {
				if err := watchOnce(ctx, cmd, &flags, &run, tel); err != nil {
					log.Error().Err(err).Msg("Converge failed")
				}
			}

			once()
			return watcher.Run(ctx, func(path string) {
				log.Info().Str("file", path).Msg("Change detected, converging")
				once()
			})
		},
	}

	flags.register(cmd, cmd.Flags())
	run.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("xml")

	return cmd
}

// watchOnce reloads the config, the policies, the hypervisor and the
// definition, then converges.
func watchOnce(ctx context.Context, cmd *cobra.Command, flags *domainFlags, rf *runFlags, tel *telemetry.Telemetry) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := flags.request(cmd, cfg)
	if err != nil {
		return err
	}
	hv, err := flags.host.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer hv.Close()

	r, err := newRunner(ctx, cfg, tel, rf)
	if err != nil {
		return err
	}
	defer r.Close()

	res, err := r.converge(ctx, hv, req)
	if res != nil {
		logResult(res)
	}
	return err
}

func logResult(res *converge.Result) {
	log.Info().
		Str("run_id", res.RunID).
		Str("domain", res.Name).
		Bool("changed", res.Changed).
		Str("from", string(res.From)).
		Str("to", string(res.To)).
		Msg(res.Message)
}
