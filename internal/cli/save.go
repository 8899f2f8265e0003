package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/sagastore/internal/saga"
)

// SaveOptions holds flags for the save command.
type SaveOptions struct {
	*RootOptions
	correlation correlationFlags
	ID          string
	Data        string
	Attempts    int
	RetryDelay  time.Duration
}

// SaveResult reports the stored entity and whether this call created it.
type SaveResult struct {
	Created bool       `json:"created"`
	Entity  EntityView `json:"entity"`
}

// NewSaveCommand creates the save command.
func NewSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SaveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save <entity-type>",
		Short: "Create a saga entity unless one already exists",
		Long: `Create a saga entity correlated by --property/--value.

If an entity with the same correlation value exists it is returned
unchanged. A concurrent create reported as RetryNeeded is retried with
backoff, the way a message handler would reprocess its message.

Examples:
  sagastore save OrderSaga --property OrderId --value '"A1"' --data '{"Status":"open"}'
  sagastore save OrderSaga --compat --property OrderId --value 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSave(opts, args[0], cmd)
		},
	}

	opts.correlation.register(cmd)
	cmd.Flags().StringVar(&opts.ID, "id", "", "identifier for uncorrelated or compatibility-mode entities (default random)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "entity state as a JSON object")
	cmd.Flags().IntVar(&opts.Attempts, "attempts", 3, "attempts when a concurrent create is detected")
	cmd.Flags().DurationVar(&opts.RetryDelay, "retry-delay", 50*time.Millisecond, "initial delay between attempts")

	return cmd
}

func runSave(opts *SaveOptions, entityType string, cmd *cobra.Command) (err error) {
	formatter := opts.formatter(cmd)

	prop, err := opts.correlation.parse()
	if err != nil {
		return formatter.Fail(err, nil)
	}
	data, err := parseData(opts.Data)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	entity := saga.Entity{Type: entityType, Data: data}
	if opts.ID != "" {
		if entity.ID, err = parseID(opts.ID); err != nil {
			return formatter.Fail(err, nil)
		}
	}
	if opts.Attempts < 1 {
		return formatter.Fail(NewExitError(ExitCommandError, ErrCodeInvalidInput, "--attempts must be at least 1"), nil)
	}

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	result, err := saveWithRetry(cmd.Context(), rt, entity, prop, opts.Attempts, opts.RetryDelay)
	if err != nil {
		return formatter.Fail(err, duplicateDetails(err))
	}

	return formatter.Success(result, func(w io.Writer) {
		if result.Created {
			fmt.Fprintln(w, "created")
		} else {
			fmt.Fprintln(w, "exists")
		}
		result.Entity.writeText(w)
	})
}

// saveWithRetry loads the entity by correlation and creates it when
// missing. Only RetryNeeded is retried; every other error ends the loop.
func saveWithRetry(ctx context.Context, rt *runtime, entity saga.Entity, prop saga.CorrelationProperty, attempts int, delay time.Duration) (SaveResult, error) {
	var (
		result   SaveResult
		terminal error
		attempt  int
	)
	retrier := retry.NewRetrier(attempts, delay, 10*delay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		attempt++
		if !prop.IsNone() {
			existing, found, err := rt.persister.GetByProperty(ctx, entity.Type, prop)
			if err != nil {
				terminal = err
				return nil
			}
			if found {
				result = SaveResult{Created: false, Entity: viewOf(existing)}
				return nil
			}
		}

		saved, err := rt.persister.Save(ctx, entity, prop)
		if saga.IsRetryNeeded(err) {
			rt.logger.Info("concurrent create detected, retrying",
				zap.String("entity_type", entity.Type),
				zap.Int("attempt", attempt),
			)
			return err
		}
		if err != nil {
			terminal = err
			return nil
		}
		result = SaveResult{Created: true, Entity: viewOf(saved)}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	if terminal != nil {
		return SaveResult{}, terminal
	}
	return result, nil
}
