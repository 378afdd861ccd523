package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/virtsync/pkg/config"
	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/reconcile"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

// domainFlags are the flags shared by commands that converge a domain.
type domainFlags struct {
	host            hostFlags
	name            string
	state           string
	xmlFile         string
	ignoreFile      string
	transient       bool
	graceful        bool
	wait            time.Duration
	pollInterval    time.Duration
	forceDefinition bool
}

func (f *domainFlags) register(cmd *cobra.Command, flags *pflag.FlagSet) {
	f.host.register(cmd, flags)
	flags.StringVarP(&f.name, "name", "n", "", "domain name (default: <name> from --xml)")
	flags.StringVarP(&f.state, "state", "s", lifecycle.RequestPresent,
		"requested state: "+strings.Join(lifecycle.RequestedStates, ", "))
	flags.StringVarP(&f.xmlFile, "xml", "x", "", "desired definition XML file")
	flags.StringVarP(&f.ignoreFile, "ignore", "i", "", "ignore rules YAML file (overrides config)")
	flags.BoolVar(&f.transient, "transient", false, "manage the domain as transient")
	flags.BoolVar(&f.graceful, "graceful", true, "stop with shutdown instead of destroy")
	flags.DurationVar(&f.wait, "wait", 0, "wait this long for each transition to finish")
	flags.DurationVar(&f.pollInterval, "poll-interval", 0, "status polling interval while waiting")
	flags.BoolVar(&f.forceDefinition, "force-definition", false, "compare the definition after state changes too")
}

// request builds a converge request from the flags on top of the config
// defaults.
func (f *domainFlags) request(cmd *cobra.Command, cfg *config.File) (converge.Request, error) {
	req := converge.Request{
		Name:            f.name,
		State:           f.state,
		Ignore:          cfg.Ignore,
		Policy:          cfg.Defaults.Policy(),
		Wait:            cfg.Defaults.Wait,
		PollInterval:    cfg.Defaults.PollInterval,
		ForceDefinition: f.forceDefinition,
	}

	flags := cmd.Flags()
	if flags.Changed("transient") {
		req.Policy.Transient = f.transient
	}
	if flags.Changed("graceful") {
		req.Policy.Graceful = f.graceful
	}
	if flags.Changed("wait") {
		req.Wait = f.wait
	}
	if flags.Changed("poll-interval") {
		req.PollInterval = f.pollInterval
	}

	if f.ignoreFile != "" {
		rules, err := reconcile.LoadIgnoreRules(f.ignoreFile)
		if err != nil {
			return req, err
		}
		req.Ignore = rules
	}
	if f.xmlFile != "" {
		data, err := os.ReadFile(f.xmlFile)
		if err != nil {
			return req, err
		}
		req.Definition = string(data)
	}
	return req, nil
}

func newConvergeCommand() *cobra.Command {
	var (
		flags     domainFlags
		run       runFlags
		checkMode bool
	)

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Bring a domain to the requested state and definition",
		Long: `Bring a domain to the requested state and, for "latest", bring its
definition up to date.

Requested states:
  absent, undefined  remove the domain
  present            keep the domain's state, define it if missing
  latest             present, and merge the desired definition into the live one
  defined, running, paused

The domain lives on a libvirt host given by --connect or hypervisor.uri
in the config, or on a simulated host stored in the --host YAML file.

With --policy, or policies enabled in the config, every planned change
is reviewed by Rego policies first and a denial stops the run. With
--journal, or a journal path in the config, every run is recorded.`,
		Example: `  # Define and start a domain
  virtsync converge --host host.yaml --xml web01.xml --state running

  # Preview a definition update
  virtsync converge --host host.yaml --xml web01.xml --state latest --check

  # Remove a domain, stopping it hard
  virtsync converge --host host.yaml --name web01 --state absent --graceful=false

  # Converge on a remote libvirt host
  virtsync converge --connect qemu+ssh://root@kvm1/system --xml web01.xml --state running

  # Guard and journal the run
  virtsync converge --host host.yaml --xml db01.xml --state latest --policy policies/ --journal runs.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := flags.request(cmd, cfg)
			if err != nil {
				return err
			}
			req.CheckMode = checkMode

			tel, err := newTelemetry(cfg, run.events)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)
			if err := run.streamEvents(tel, cmd.ErrOrStderr()); err != nil {
				return err
			}

			hv, err := flags.host.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer hv.Close()

			r, err := newRunner(cmd.Context(), cfg, tel, &run)
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := r.converge(cmd.Context(), hv, req)
			if res != nil {
				if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	flags.register(cmd, cmd.Flags())
	run.register(cmd.Flags())
	cmd.Flags().BoolVar(&checkMode, "check", false, "report what would change without changing anything")

	return cmd
}

func printResult(w io.Writer, res *converge.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}

	fmt.Fprintln(w, res.Message)
	for i, s := range res.Steps {
		fmt.Fprintf(w, "  %d. %s\n", i+1, s)
	}
	if res.DefinitionChanged {
		printChanges(w, &reconcile.Result{Changes: res.Changes})
	}
	return nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}
