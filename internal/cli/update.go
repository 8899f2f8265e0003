package cli

import (
	"io"
	"maps"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	lookup lookupFlags
	Data   string
	ETag   string
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <entity-type>",
		Short: "Merge fields into a saga entity",
		Long: `Merge the --data object into an entity's state and store it, conditioned
on the version token. Without --etag the token read by this command is
used, so a concurrent update between read and write still fails.

Example:
  sagastore update OrderSaga --property OrderId --value '"A1"' --data '{"Status":"paid"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, args[0], cmd)
		},
	}

	opts.lookup.register(cmd)
	cmd.Flags().StringVar(&opts.Data, "data", "", "fields to merge, as a JSON object")
	cmd.Flags().StringVar(&opts.ETag, "etag", "", "expected version token")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runUpdate(opts *UpdateOptions, entityType string, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	patch, err := parseData(opts.Data)
	if err != nil {
		return formatter.Fail(err, nil)
	}

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	e, _, err := opts.lookup.load(cmd.Context(), rt, entityType)
	if err != nil {
		return formatter.Fail(err, duplicateDetails(err))
	}
	if opts.ETag != "" {
		e.ETag = opts.ETag
	}
	maps.Copy(e.Data, patch)

	updated, err := rt.persister.Update(cmd.Context(), e)
	if err != nil {
		return formatter.Fail(err, nil)
	}

	view := viewOf(updated)
	return formatter.Success(view, func(w io.Writer) { view.writeText(w) })
}
