package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

func newWaitCommand() *cobra.Command {
	var (
		host     hostFlags
		name     string
		state    string
		timeout  time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait for a domain to reach a state",
		Long: `Poll a domain's status until it reaches a state or the timeout expires.

States: present (shut off but defined), running, paused, absent.
Waiting fails immediately if the domain reports a status that cannot be
mapped to a lifecycle state, such as crashed.`,
		Example: `  # Wait up to 10 minutes for web01 to shut down
  virtsync wait --host host.yaml --name web01 --state present --timeout 10m

  # Wait for a domain on a remote libvirt host to start
  virtsync wait --connect qemu+ssh://root@kvm1/system --name web01 --state running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := waitTarget(state)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hv, err := host.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer hv.Close()

			log.Info().
				Str("domain", name).
				Str("state", string(want)).
				Dur("timeout", timeout).
				Msg("Waiting for domain")

			start := time.Now()
			if err := lifecycle.WaitFor(cmd.Context(), converge.Probe(hv, name), want, interval, timeout); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Domain %s is %s after %s.\n", name, want, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	host.register(cmd, cmd.Flags())
	cmd.Flags().StringVarP(&name, "name", "n", "", "domain name")
	cmd.Flags().StringVarP(&state, "state", "s", string(lifecycle.StateRunning), "state to wait for")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "give up after this long")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "polling interval")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// waitTarget maps a wait state name onto a lifecycle state.
func waitTarget(state string) (lifecycle.State, error) {
	switch state {
	case lifecycle.RequestPresent:
		return lifecycle.StateDefined, nil
	case lifecycle.RequestAbsent:
		return lifecycle.StateUndefined, nil
	}
	s := lifecycle.State(state)
	switch s {
	case lifecycle.StateUndefined, lifecycle.StateDefined, lifecycle.StateRunning, lifecycle.StatePaused:
		return s, nil
	}
	return "", engine.NewPermanentError(fmt.Sprintf("cannot wait for state %q", state), nil).
		WithCode(engine.ErrCodeValidation)
}
