package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/reconcile"
	"github.com/openfroyo/virtsync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalPath string
		filter      stores.RunFilter
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled converge runs",
		Long: `Show converge runs recorded in the run journal, newest first, or the
details of one run including its definition changes.

The journal is the --journal database, or journal.path from the config.`,
		Example: `  # Last runs of web01 that changed something
  virtsync history --journal runs.db --domain web01 --changed

  # One run in detail
  virtsync history --journal runs.db 3f2c9a60-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			journal, err := openJournal(ctx, journalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := journal.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, run)
				}
				printRun(out, run)
				return nil
			}

			runs, err := journal.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&journalPath, "journal", "", "run journal database (overrides config)")
	cmd.Flags().StringVar(&filter.Domain, "domain", "", "only runs of this domain")
	cmd.Flags().BoolVar(&filter.ChangedOnly, "changed", false, "only runs that changed something")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs")

	cmd.AddCommand(newHistoryPruneCommand(&journalPath))

	return cmd
}

func newHistoryPruneCommand(journalPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete runs older than a given age",
		Example: `  virtsync history prune --journal runs.db --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return engine.NewPermanentError("--older-than must be positive", nil).
					WithCode(engine.ErrCodeValidation)
			}
			ctx := cmd.Context()
			journal, err := openJournal(ctx, *journalPath)
			if err != nil {
				return err
			}
			defer journal.Close()

			n, err := journal.PruneRuns(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs.\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete runs started before this age")
	_ = cmd.MarkFlagRequired("older-than")

	return cmd
}

// openJournal opens path, or the configured journal when path is empty.
func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Journal.Path
	}
	if path == "" {
		return nil, engine.NewPermanentError("no run journal configured; set --journal or journal.path", nil).
			WithCode(engine.ErrCodeValidation)
	}
	log.Debug().Str("path", path).Msg("Opening run journal")
	return stores.Open(ctx, stores.Config{Path: path})
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		flags := ""
		if r.CheckMode {
			flags += " check"
		}
		if r.Changed {
			flags += " changed"
		}
		fmt.Fprintf(w, "%s  %s  %-9s %-16s %s -> %s%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.ID, r.Status, r.Domain, r.From, r.To, flags)
	}
}

func printRun(w io.Writer, r *stores.Run) {
	fmt.Fprintf(w, "Run:       %s\n", r.ID)
	fmt.Fprintf(w, "Domain:    %s\n", r.Domain)
	fmt.Fprintf(w, "Requested: %s\n", r.Requested)
	fmt.Fprintf(w, "State:     %s -> %s\n", r.From, r.To)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Started:   %s (%s)\n", r.StartedAt.Local().Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	if r.CheckMode {
		fmt.Fprintln(w, "Mode:      check")
	}
	if len(r.Steps) > 0 {
		steps := make([]string, len(r.Steps))
		for i, s := range r.Steps {
			steps[i] = string(s)
		}
		fmt.Fprintf(w, "Steps:     %s\n", strings.Join(steps, ", "))
	}
	if r.Message != "" {
		fmt.Fprintf(w, "Message:   %s\n", r.Message)
	}
	if r.Error != nil {
		fmt.Fprintf(w, "Error:     %s [%s]\n", *r.Error, r.ErrorCode)
	}
	if len(r.Changes) > 0 {
		printChanges(w, &reconcile.Result{
			Changes:    r.Changes,
			Equivalent: len(engine.Counted(r.Changes)) == 0,
		})
	}
}
