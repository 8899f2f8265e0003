package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/sagastore/internal/saga"
)

// lookupFlags select an entity by --id or by correlation.
type lookupFlags struct {
	ID          string
	correlation correlationFlags
}

func (l *lookupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&l.ID, "id", "", "primary identifier")
	l.correlation.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("id", "property")
	cmd.MarkFlagsOneRequired("id", "property")
}

// load returns the selected entity and the correlation it was found by.
func (l *lookupFlags) load(ctx context.Context, rt *runtime, entityType string) (saga.Entity, saga.CorrelationProperty, error) {
	prop, err := l.correlation.parse()
	if err != nil {
		return saga.Entity{}, saga.NoCorrelation, err
	}

	var (
		e     saga.Entity
		found bool
	)
	if l.ID != "" {
		id, err := parseID(l.ID)
		if err != nil {
			return saga.Entity{}, saga.NoCorrelation, err
		}
		e, found, err = rt.persister.Get(ctx, entityType, id)
		if err != nil {
			return saga.Entity{}, saga.NoCorrelation, err
		}
		if !found {
			return saga.Entity{}, saga.NoCorrelation, notFoundID(entityType, id)
		}
		return e, prop, nil
	}

	e, found, err = rt.persister.GetByProperty(ctx, entityType, prop)
	if err != nil {
		return saga.Entity{}, saga.NoCorrelation, err
	}
	if !found {
		return saga.Entity{}, saga.NoCorrelation, notFound(entityType, prop.Name)
	}
	return e, prop, nil
}

func notFound(entityType, property string) *ExitError {
	return NewExitError(ExitFailure, ErrCodeNotFound,
		fmt.Sprintf("no %s entity matches %s", entityType, property))
}

func notFoundID(entityType string, id uuid.UUID) *ExitError {
	return NewExitError(ExitFailure, ErrCodeNotFound,
		fmt.Sprintf("no %s entity with id %s", entityType, id))
}

// duplicateDetails lists the conflicting identifiers of a DuplicateEntity
// error for the JSON envelope.
func duplicateDetails(err error) any {
	matches := saga.DuplicateMatches(err)
	if matches == nil {
		return nil
	}
	ids := make([]string, len(matches))
	for i, id := range matches {
		ids[i] = id.String()
	}
	return map[string]any{"matches": ids}
}
