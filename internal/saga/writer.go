package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/tablestore"
)

// IndexWriter creates entities in compatibility mode: index entry first,
// primary row second.
type IndexWriter struct {
	store   tablestore.Store
	config  Config
	logger  *zap.Logger
	metrics *Metrics
}

// NewIndexWriter creates an index writer over store.
func NewIndexWriter(store tablestore.Store, config Config, opts ...Option) *IndexWriter {
	o := buildOptions(opts)
	return &IndexWriter{
		store:   store,
		config:  config,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Insert creates entity correlated by prop and returns its identifier.
//
// The index entry is created first, carrying the target identifier and a
// snapshot of the primary row. If it already exists, a concurrent writer
// won: Insert recreates the winner's primary row from its snapshot when
// that row is missing and fails with RetryNeeded. Store errors other than
// the create conflict are returned wrapped.
func (w *IndexWriter) Insert(ctx context.Context, entity Entity, prop CorrelationProperty) (uuid.UUID, error) {
	if _, err := w.insert(ctx, entity, prop); err != nil {
		return uuid.Nil, err
	}
	return entity.ID, nil
}

func (w *IndexWriter) insert(ctx context.Context, entity Entity, prop CorrelationProperty) (tablestore.Entity, error) {
	if prop.IsNone() {
		return tablestore.Entity{}, newUnsupportedCorrelation(entity.Type)
	}
	if entity.ID == uuid.Nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s: entity has no identifier", entity.Type)
	}
	if err := validateData(entity.Data); err != nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s: %w", entity.Type, err)
	}

	key, err := indexKeyFor(entity.Type, prop, w.config.LegacyRowKey)
	if err != nil {
		return tablestore.Entity{}, err
	}
	table, err := w.store.Table(ctx, TableName(entity.Type))
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s: %w", entity.Type, err)
	}

	entity.IndexKey = key
	row := primaryRow(entity, prop)
	snapshot, err := encodeSnapshot(row.Properties)
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s: %w", entity.Type, err)
	}

	entry, err := table.Insert(ctx, tablestore.Entity{
		PartitionKey: key.Partition,
		RowKey:       key.Row,
		Properties: map[string]any{
			SagaIDProperty:   entity.ID.String(),
			SnapshotProperty: snapshot,
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, tablestore.ErrConflict):
		return tablestore.Entity{}, w.recover(ctx, table, entity.Type, prop, key)
	default:
		w.metrics.indexWrite(OutcomeFailed)
		return tablestore.Entity{}, fmt.Errorf("insert %s: write index entry: %w", entity.Type, err)
	}

	stored, err := table.Insert(ctx, row)
	if errors.Is(err, tablestore.ErrConflict) {
		stored, err = w.adoptRecreated(ctx, table, entity, key, entry)
	}
	if err != nil {
		w.metrics.indexWrite(OutcomeFailed)
		return tablestore.Entity{}, fmt.Errorf("insert %s: write primary row: %w", entity.Type, err)
	}

	w.metrics.indexWrite(OutcomeCreated)
	w.logger.Debug("created saga entity",
		zap.String("entity_type", entity.Type),
		zap.String("property", prop.Name),
		zap.Stringer("id", entity.ID),
	)
	return stored, nil
}

// adoptRecreated handles a primary row that already exists after our index
// entry was created. A losing writer may have recreated it from our
// snapshot; such a row carries our index key. Any other row belongs to a
// different saga that reused the identifier: the new index entry is
// withdrawn and the insert fails with tablestore.ErrConflict.
func (w *IndexWriter) adoptRecreated(ctx context.Context, table tablestore.Table, entity Entity, key identity.IndexKey, entry tablestore.Entity) (tablestore.Entity, error) {
	id := entity.ID.String()
	existing, err := table.Get(ctx, id, id)
	if err != nil {
		return tablestore.Entity{}, err
	}
	if owner, _ := existing.Properties[IndexKeyProperty].(string); owner == key.String() {
		return existing, nil
	}

	if err := table.Delete(ctx, entry.PartitionKey, entry.RowKey, entry.ETag); err != nil {
		w.logger.Warn("withdraw index entry failed",
			zap.String("entity_type", entity.Type),
			zap.Stringer("key", key),
			zap.Error(err),
		)
	}
	return tablestore.Entity{}, fmt.Errorf("identifier %s belongs to another entity: %w", entity.ID, tablestore.ErrConflict)
}

// recover handles a lost index race. A failed read of the winning entry is
// returned as a store error; otherwise recover ends in RetryNeeded, with a
// failed recreate carried as the cause.
func (w *IndexWriter) recover(ctx context.Context, table tablestore.Table, entityType string, prop CorrelationProperty, key identity.IndexKey) error {
	existing, err := table.Get(ctx, key.Partition, key.Row)
	if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
		w.metrics.indexWrite(OutcomeFailed)
		return fmt.Errorf("insert %s: read index entry: %w", entityType, err)
	}
	w.metrics.indexWrite(OutcomeRetryNeeded)
	if err != nil {
		// Completed and removed since the conflict.
		return newRetryNeeded(entityType, prop.Name, nil)
	}

	snapshot, _ := existing.Properties[SnapshotProperty].(string)
	if snapshot == "" {
		return newRetryNeeded(entityType, prop.Name, nil)
	}

	target, err := indexTarget(existing)
	if err != nil {
		return newRetryNeeded(entityType, prop.Name, err)
	}
	props, err := decodeSnapshot(snapshot)
	if err != nil {
		return newRetryNeeded(entityType, prop.Name, err)
	}

	_, err = table.Insert(ctx, tablestore.Entity{
		PartitionKey: target.String(),
		RowKey:       target.String(),
		Properties:   props,
	})
	switch {
	case err == nil:
		w.metrics.indexWrite(OutcomeRecovered)
		w.logger.Info("recreated primary row from index snapshot",
			zap.String("entity_type", entityType),
			zap.String("property", prop.Name),
			zap.Stringer("id", target),
		)
	case errors.Is(err, tablestore.ErrConflict):
	default:
		w.logger.Warn("recreate primary row from index snapshot failed",
			zap.String("entity_type", entityType),
			zap.Stringer("id", target),
			zap.Error(err),
		)
		return newRetryNeeded(entityType, prop.Name, err)
	}
	return newRetryNeeded(entityType, prop.Name, nil)
}

// PruneSnapshot removes the snapshot from the index entry for prop once the
// primary row exists. The replace is conditioned on the entry's version,
// so a concurrent change wins and PruneSnapshot fails with
// tablestore.ErrPreconditionFailed. Missing entries and entries without a
// snapshot are left alone. Returns whether a snapshot was removed.
func (w *IndexWriter) PruneSnapshot(ctx context.Context, entityType string, prop CorrelationProperty) (bool, error) {
	key, err := indexKeyFor(entityType, prop, w.config.LegacyRowKey)
	if err != nil {
		return false, err
	}
	table, err := w.store.Table(ctx, TableName(entityType))
	if err != nil {
		return false, fmt.Errorf("prune %s: %w", entityType, err)
	}

	entry, err := table.Get(ctx, key.Partition, key.Row)
	if errors.Is(err, tablestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("prune %s: read index entry: %w", entityType, err)
	}
	if _, ok := entry.Properties[SnapshotProperty]; !ok {
		return false, nil
	}

	target, err := indexTarget(entry)
	if err != nil {
		return false, fmt.Errorf("prune %s: %w", entityType, err)
	}
	// The snapshot is the only copy until the primary row exists.
	if _, err := table.Get(ctx, target.String(), target.String()); err != nil {
		if errors.Is(err, tablestore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("prune %s: read primary row: %w", entityType, err)
	}

	delete(entry.Properties, SnapshotProperty)
	if _, err := table.Replace(ctx, entry); err != nil {
		return false, fmt.Errorf("prune %s: %w", entityType, err)
	}
	w.logger.Debug("pruned index snapshot",
		zap.String("entity_type", entityType),
		zap.String("property", prop.Name),
		zap.Stringer("id", target),
	)
	return true, nil
}
