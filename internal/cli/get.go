package cli

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	lookup lookupFlags
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <entity-type>",
		Short: "Load a saga entity by identifier or correlation value",
		Long: `Load a saga entity by --id, or by --property/--value.

Examples:
  sagastore get OrderSaga --property OrderId --value '"A1"'
  sagastore get OrderSaga --id 84f81f1d-151f-10ee-682e-96a6f558ca12 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	opts.lookup.register(cmd)

	return cmd
}

func runGet(opts *GetOptions, entityType string, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	e, _, err := opts.lookup.load(cmd.Context(), rt, entityType)
	if err != nil {
		return formatter.Fail(err, duplicateDetails(err))
	}

	view := viewOf(e)
	return formatter.Success(view, func(w io.Writer) { view.writeText(w) })
}
