package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

func newPlanCommand() *cobra.Command {
	var (
		from      string
		to        string
		transient bool
		graceful  bool
		dotFile   string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the transitions between two lifecycle states",
		Long: `Show the shortest chain of lifecycle operations between two states.

States: undefined, defined, running, paused.
Transient domains go straight from undefined to running and disappear when
stopped. Graceful policies stop domains with shutdown instead of destroy.`,
		Example: `  # Bring a new persistent domain up
  virtsync plan --from undefined --to running

  # Remove a running transient domain, rendering the graph
  virtsync plan --from running --to undefined --transient --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			policy := cfg.Defaults.Policy()
			if cmd.Flags().Changed("transient") {
				policy.Transient = transient
			}
			if cmd.Flags().Changed("graceful") {
				policy.Graceful = graceful
			}

			for _, s := range []string{from, to} {
				if err := lifecycle.State(s).Validate(); err != nil {
					return err
				}
			}
			graph := lifecycle.NewGraph(policy)
			steps, err := graph.ShortestPath(lifecycle.State(from), lifecycle.State(to))
			if err != nil {
				return err
			}

			log.Debug().
				Str("from", from).
				Str("to", to).
				Bool("transient", policy.Transient).
				Bool("graceful", policy.Graceful).
				Int("steps", len(steps)).
				Msg("Planned transitions")

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, steps); err != nil {
					return err
				}
			} else if len(steps) == 0 {
				fmt.Fprintf(out, "Domain is already %s.\n", to)
			} else {
				for i, s := range steps {
					fmt.Fprintf(out, "%d. %s\n", i+1, s)
				}
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT(steps)), 0o644); err != nil {
					return err
				}
				log.Info().Str("path", dotFile).Msg("Wrote transition graph")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "current state")
	cmd.Flags().StringVar(&to, "to", "", "desired state")
	cmd.Flags().BoolVar(&transient, "transient", false, "plan for a transient domain")
	cmd.Flags().BoolVar(&graceful, "graceful", true, "stop with shutdown instead of destroy")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the transition graph in DOT format")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}
