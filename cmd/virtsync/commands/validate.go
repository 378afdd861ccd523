package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/reconcile"
)

func newValidateCommand() *cobra.Command {
	var (
		ignoreFiles []string
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "validate [definition.xml...]",
		Short: "Validate configuration, ignore rules, policies and definitions",
		Long: `Validate the configuration file, ignore rule files, Rego policies and
domain definitions.

This command checks:
  - Config syntax and field constraints, against the CUE schema for .cue files
  - Ignore rule syntax
  - Policy syntax and metadata, for configured and --policy paths
  - Definition XML well-formedness and a non-empty <name>`,
		Example: `  # Validate the config
  virtsync validate --config virtsync.yaml

  # Validate definitions and ignore rules too
  virtsync validate --config virtsync.yaml --ignore ignore.yaml web01.xml db01.xml

  # Validate policies
  virtsync validate --policy policies/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Path() != "" {
				fmt.Fprintf(out, "ok  %s\n", cfg.Path())
			}

			for _, path := range ignoreFiles {
				if _, err := reconcile.LoadIgnoreRules(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "ok  %s\n", path)
			}

			eng, err := newPolicyEngine(cmd.Context(), cfg, policyPaths)
			if err != nil {
				return err
			}
			if eng != nil {
				for _, p := range eng.ListPolicies() {
					if p.Source != "" {
						fmt.Fprintf(out, "ok  %s (%s, %s)\n", p.Source, p.Name, p.Severity)
					}
				}
			}

			for _, path := range args {
				doc, err := parseFile(path)
				if err != nil {
					return err
				}
				name, err := converge.NameFromDefinition(doc.String())
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				log.Debug().Str("path", path).Str("domain", name).Msg("Validated definition")
				fmt.Fprintf(out, "ok  %s (%s)\n", path, name)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&ignoreFiles, "ignore", "i", nil, "ignore rules YAML files to validate")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "Rego policy files or directories to validate")

	return cmd
}
