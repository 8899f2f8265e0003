package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/saga"
)

// KeyOptions holds flags for the key command.
type KeyOptions struct {
	*RootOptions
	correlation  correlationFlags
	LegacyRowKey bool
}

// KeyResult describes everything derived from one correlation value.
type KeyResult struct {
	EntityType      string `json:"entity_type"`
	Property        string `json:"property"`
	SerializedValue string `json:"serialized_value"`
	ID              string `json:"id"`
	Table           string `json:"table"`
	IndexKey        string `json:"index_key"`
	IndexPartition  string `json:"index_partition"`
	IndexRow        string `json:"index_row"`
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "key <entity-type>",
		Short: "Show the identifier and index key for a correlation value",
		Long: `Show the deterministic identifier, table and secondary index key derived
from an entity type and correlation value. Does not open the store.

Example:
  sagastore key OrderSaga --property OrderId --value '"A1"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(opts, args[0], cmd)
		},
	}

	opts.correlation.register(cmd)
	_ = cmd.MarkFlagRequired("property")
	cmd.Flags().BoolVar(&opts.LegacyRowKey, "legacy-row-key", false, "use the mirrored (legacy) index row key")

	return cmd
}

func runKey(opts *KeyOptions, entityType string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	prop, err := opts.correlation.parse()
	if err != nil {
		return formatter.Fail(err, nil)
	}
	serialized, err := identity.SerializeValue(prop.Value)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, ErrCodeInvalidInput, "value cannot be serialized", err), nil)
	}

	key := identity.BuildIndexKey(entityType, prop.Name, serialized, opts.LegacyRowKey)
	result := KeyResult{
		EntityType:      entityType,
		Property:        prop.Name,
		SerializedValue: serialized,
		ID:              identity.Generate(entityType, prop.Name, serialized).String(),
		Table:           saga.TableName(entityType),
		IndexKey:        key.String(),
		IndexPartition:  key.Partition,
		IndexRow:        key.Row,
	}

	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "id:        %s\n", result.ID)
		fmt.Fprintf(w, "table:     %s\n", result.Table)
		fmt.Fprintf(w, "index key: %s\n", result.IndexKey)
	})
}
