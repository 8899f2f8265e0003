package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	correlation correlationFlags
}

// ResolveResult is the outcome of an identity resolution.
type ResolveResult struct {
	EntityType string `json:"entity_type"`
	Property   string `json:"property"`
	ID         string `json:"id"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <entity-type>",
		Short: "Resolve a correlation value to a primary identifier",
		Long: `Resolve a correlation value to the primary identifier of its entity.

In deterministic mode the identifier is computed and the store is not read.
In compatibility mode the secondary index is read, falling back to a table
scan unless saga.assume_secondary_indices_exist is set.

Exit codes:
  0 - Resolved
  1 - Not found, or several entities share the value
  2 - Command error

Example:
  sagastore resolve OrderSaga --compat --property OrderId --value '"A1"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], cmd)
		},
	}

	opts.correlation.register(cmd)
	_ = cmd.MarkFlagRequired("property")

	return cmd
}

func runResolve(opts *ResolveOptions, entityType string, cmd *cobra.Command) (err error) {
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

	id, found, err := rt.persister.Resolver().Resolve(cmd.Context(), entityType, prop)
	if err != nil {
		return formatter.Fail(err, duplicateDetails(err))
	}
	if !found {
		return formatter.Fail(notFound(entityType, prop.Name), nil)
	}

	result := ResolveResult{EntityType: entityType, Property: prop.Name, ID: id.String()}
	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintln(w, result.ID)
	})
}
