package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/reconcile"
	"github.com/openfroyo/virtsync/pkg/xmltree"
)

func newDiffCommand() *cobra.Command {
	var (
		desiredFile  string
		observedFile string
		ignoreFile   string
		apply        bool
		outFile      string
		exitCode     bool
	)

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare a desired definition with an observed one",
		Long: `Compare a desired domain definition with an observed one.

Every attribute and text in the desired tree must appear in the observed
tree; anything extra in the observed tree is kept. Ignore rules exempt
observed values from the verdict.

With --apply the observed tree is patched and the merged definition is
written to --out (or stdout).`,
		Example: `  # Show differences
  virtsync diff --desired web01.xml --observed live.xml

  # Write the merged definition, keeping live-only values
  virtsync diff --desired web01.xml --observed live.xml --apply --out merged.xml

  # Exempt generated values from the verdict
  virtsync diff --desired web01.xml --observed live.xml --ignore ignore.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rules := cfg.Ignore
			if ignoreFile != "" {
				if rules, err = reconcile.LoadIgnoreRules(ignoreFile); err != nil {
					return err
				}
			}

			desired, err := parseFile(desiredFile)
			if err != nil {
				return err
			}
			observed, err := parseFile(observedFile)
			if err != nil {
				return err
			}

			r := reconcile.New(reconcile.WithLogger(log.Logger))
			result, err := r.Reconcile(desired, observed, rules, apply)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				printChanges(out, result)
			}

			if apply {
				xmltree.Indent(observed)
				if err := writeXML(out, outFile, observed); err != nil {
					return err
				}
			}

			if exitCode && !result.Equivalent {
				return engine.NewPermanentError(
					fmt.Sprintf("definitions differ (%d changes)", len(engine.Counted(result.Changes))), nil,
				).WithCode(engine.ErrCodeValidation)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&desiredFile, "desired", "d", "", "desired definition XML file")
	cmd.Flags().StringVarP(&observedFile, "observed", "o", "", "observed definition XML file")
	cmd.Flags().StringVarP(&ignoreFile, "ignore", "i", "", "ignore rules YAML file (overrides config)")
	cmd.Flags().BoolVar(&apply, "apply", false, "patch the observed definition and print it")
	cmd.Flags().StringVar(&outFile, "out", "", "write the merged definition to this file")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "fail when the definitions differ")
	_ = cmd.MarkFlagRequired("desired")
	_ = cmd.MarkFlagRequired("observed")

	return cmd
}

func parseFile(path string) (*xmltree.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := xmltree.Parse(f)
	if err != nil {
		var e *engine.EngineError
		if errors.As(err, &e) {
			return nil, e.WithResource(path)
		}
		return nil, err
	}
	return doc, nil
}

func writeXML(stdout io.Writer, path string, doc *xmltree.Document) error {
	if path == "" {
		_, err := fmt.Fprintln(stdout, doc.String())
		return err
	}
	if err := os.WriteFile(path, []byte(doc.String()+"\n"), 0o644); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Wrote merged definition")
	return nil
}

func printChanges(w io.Writer, result *reconcile.Result) {
	if result.Equivalent {
		fmt.Fprintln(w, "Definitions are equivalent.")
	} else {
		fmt.Fprintf(w, "Definitions differ (%d changes).\n", len(engine.Counted(result.Changes)))
	}
	for _, c := range result.Changes {
		marker := "~"
		if c.Action == engine.ChangeActionAdd {
			marker = "+"
		}
		suffix := ""
		if c.Ignored {
			suffix = " (ignored)"
		}
		switch c.Kind {
		case engine.ChangeKindElement:
			fmt.Fprintf(w, "  %s %s%s\n", marker, c.Path, suffix)
		default:
			fmt.Fprintf(w, "  %s %s: %q -> %q%s\n", marker, c.Path, c.Before, c.After, suffix)
		}
	}
}
