package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// CompleteOptions holds flags for the complete command.
type CompleteOptions struct {
	*RootOptions
	lookup lookupFlags
	ETag   string
}

// CompleteResult reports a completed entity.
type CompleteResult struct {
	ID        string `json:"id"`
	Completed bool   `json:"completed"`
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete <entity-type>",
		Short: "Delete a finished saga entity and its index entry",
		Long: `Delete a saga entity, conditioned on its version token, then remove its
secondary index entry in compatibility mode.

Example:
  sagastore complete OrderSaga --compat --property OrderId --value '"A1"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(opts, args[0], cmd)
		},
	}

	opts.lookup.register(cmd)
	cmd.Flags().StringVar(&opts.ETag, "etag", "", "expected version token")

	return cmd
}

func runComplete(opts *CompleteOptions, entityType string, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	e, prop, err := opts.lookup.load(cmd.Context(), rt, entityType)
	if err != nil {
		return formatter.Fail(err, duplicateDetails(err))
	}
	if opts.ETag != "" {
		e.ETag = opts.ETag
	}

	if err := rt.persister.Complete(cmd.Context(), e, prop); err != nil {
		return formatter.Fail(err, nil)
	}

	result := CompleteResult{ID: e.ID.String(), Completed: true}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "completed %s %s\n", entityType, result.ID)
	})
}
