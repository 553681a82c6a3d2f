package cli

import (
	"fmt"
	"orthorun/internal/aligner"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
	"sort"

	"github.com/spf13/cobra"
)

// NewPlanCommand creates the plan command group.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect job plans",
	}
	cmd.AddCommand(newPlanValidateCommand(rootOpts))
	return cmd
}

func newPlanValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var checkFiles bool
	cmd := &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Validate a job plan without running it",
		Long: `Parse and validate a YAML job plan: proteome ids, job types, pair keys,
duplicate producers of a directed alignment and orthology pairs. With
--check-files every proteome FASTA must also exist.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.LoadFile(args[0])
			if err != nil {
				return WrapExitError("invalid plan", err)
			}
			if checkFiles {
				for _, pr := range p.Proteomes {
					if !aligner.Exists(pr.Fasta) {
						return WrapExitError("invalid plan", fmt.Errorf("proteome %s: %w", pr.ID, apperrors.MissingInput(pr.Fasta)))
					}
				}
			}

			out := cmd.OutOrStdout()
			produces := p.Produces()
			pairs := make([]plan.PairKey, 0, len(produces))
			for k := range produces {
				pairs = append(pairs, k)
			}
			sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })

			fmt.Fprintf(out, "plan ok: %d proteomes, %d jobs, %d orthology pairs\n",
				len(p.Proteomes), len(p.Jobs), len(p.Orthology))
			if rootOpts.Verbose {
				for _, k := range pairs {
					kind := "complete"
					if produces[k].Essential {
						kind = "essential"
					}
					fmt.Fprintf(out, "  %s\t%s\n", k, kind)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkFiles, "check-files", false, "also require every FASTA file to exist")
	return cmd
}
