package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/invsync/internal/mutation"
)

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	*RootOptions
	Mutation   string
	Unresolved bool
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Show conflict history",
		Long: `Show every version conflict the engine has seen, oldest first, with
the fields that differed and how each was resolved.

Examples:
  invsync conflicts
  invsync conflicts --unresolved
  invsync conflicts --mutation 0190f3c4-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mutation, "mutation", "", "only conflicts of this mutation")
	cmd.Flags().BoolVar(&opts.Unresolved, "unresolved", false, "only conflicts still waiting for a decision")

	return cmd
}

func runConflicts(opts *ConflictsOptions, cmd *cobra.Command) error {
	e, err := openEngine(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	recs, err := e.store.ReadConflicts(cmd.Context(), opts.Mutation)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read conflicts", err)
	}
	if opts.Unresolved {
		kept := recs[:0]
		for _, rec := range recs {
			if !rec.Resolved() {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}

	f := newFormatter(opts.RootOptions, cmd)
	if f.JSON() {
		if recs == nil {
			recs = []mutation.ConflictRecord{}
		}
		return f.Success(recs)
	}

	if len(recs) == 0 {
		fmt.Fprintln(f.Writer, "No conflicts.")
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(f.Writer, "%s %s/%s (mutation %s)\n", rec.Local.Kind, rec.Local.EntityType, rec.Local.EntityID, rec.Local.ID)
		printConflict(f.Writer, rec)
	}
	return nil
}
