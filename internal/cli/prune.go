package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	correlation correlationFlags
}

// PruneResult reports whether a snapshot was removed.
type PruneResult struct {
	Pruned bool `json:"pruned"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune <entity-type>",
		Short: "Drop the state snapshot from an index entry",
		Long: `Drop the state snapshot carried by a secondary index entry once the
primary row exists. Entries whose primary row is missing keep their
snapshot, since it is the only copy of the state.

Example:
  sagastore prune OrderSaga --property OrderId --value '"A1"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, args[0], cmd)
		},
	}

	opts.correlation.register(cmd)
	_ = cmd.MarkFlagRequired("property")

	return cmd
}

func runPrune(opts *PruneOptions, entityType string, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	prop, err := opts.correlation.parse()
	if err != nil {
		return formatter.Fail(err, nil)
	}

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	pruned, err := rt.persister.Writer().PruneSnapshot(cmd.Context(), entityType, prop)
	if err != nil {
		return formatter.Fail(err, nil)
	}

	result := PruneResult{Pruned: pruned}
	return formatter.Success(result, func(w io.Writer) {
		if pruned {
			fmt.Fprintln(w, "snapshot pruned")
		} else {
			fmt.Fprintln(w, "nothing to prune")
		}
	})
}
