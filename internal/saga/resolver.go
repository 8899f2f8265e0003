package saga

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/sagastore/internal/cache"
	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/tablestore"
)

// Resolver maps {entity type, correlation property} to a primary
// identifier.
type Resolver struct {
	store   tablestore.Store
	config  Config
	cache   *cache.Cache
	logger  *zap.Logger
	metrics *Metrics
}

// NewResolver creates a resolver over store. Without WithCache it owns a
// cache of config.CacheSize entries.
func NewResolver(store tablestore.Store, config Config, opts ...Option) (*Resolver, error) {
	o := buildOptions(opts)
	c := o.cache
	if c == nil {
		var err error
		c, err = cache.New(config.CacheSize, o.metrics.evicted)
		if err != nil {
			return nil, err
		}
	}
	return &Resolver{
		store:   store,
		config:  config,
		cache:   c,
		logger:  o.logger,
		metrics: o.metrics,
	}, nil
}

// Cache returns the lookup cache.
func (r *Resolver) Cache() *cache.Cache {
	return r.cache
}

// Resolve returns the primary identifier for prop. found is false when no
// entity matches; that is not an error.
//
// Deterministic mode computes the identifier without touching the store,
// so found is always true there. Compatibility mode consults the cache,
// then the index entry, then (unless AssumeSecondaryIndicesExist) scans
// the entity table. A scan with several matches fails with a
// DuplicateEntity error naming all of them.
func (r *Resolver) Resolve(ctx context.Context, entityType string, prop CorrelationProperty) (uuid.UUID, bool, error) {
	if prop.IsNone() {
		return uuid.Nil, false, newUnsupportedCorrelation(entityType)
	}

	serialized, err := identity.SerializeValue(prop.Value)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("resolve %s.%s: %w", entityType, prop.Name, err)
	}

	if !r.config.CompatibilityMode {
		r.metrics.resolved(SourceDeterministic)
		return identity.Generate(entityType, prop.Name, serialized), true, nil
	}

	key := identity.BuildIndexKey(entityType, prop.Name, serialized, r.config.LegacyRowKey)
	if id, ok := r.cache.Get(key); ok {
		r.metrics.resolved(SourceCache)
		return id, true, nil
	}

	table, err := r.store.Table(ctx, TableName(entityType))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("resolve %s.%s: %w", entityType, prop.Name, err)
	}

	entry, err := table.Get(ctx, key.Partition, key.Row)
	switch {
	case err == nil:
		id, err := indexTarget(entry)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("resolve %s.%s: %w", entityType, prop.Name, err)
		}
		r.cache.Put(key, id)
		r.metrics.resolved(SourceIndex)
		return id, true, nil
	case !errors.Is(err, tablestore.ErrNotFound):
		return uuid.Nil, false, fmt.Errorf("resolve %s.%s: read index entry: %w", entityType, prop.Name, err)
	}

	if r.config.AssumeSecondaryIndicesExist {
		r.metrics.resolved(SourceNotFound)
		return uuid.Nil, false, nil
	}

	return r.scan(ctx, table, entityType, prop, key)
}

func (r *Resolver) scan(ctx context.Context, table tablestore.Table, entityType string, prop CorrelationProperty, key identity.IndexKey) (uuid.UUID, bool, error) {
	q := tablestore.Query{
		Where:  []tablestore.Condition{tablestore.Equals(prop.Name, prop.Value)},
		Select: []string{IDProperty},
		Limit:  r.config.ScanPageSize,
	}

	var matches []uuid.UUID
	err := tablestore.ForEach(ctx, table, q, func(row tablestore.Entity) error {
		if identity.IsIndexPartition(row.PartitionKey) {
			return nil
		}
		id, err := primaryID(row)
		if err != nil {
			return err
		}
		matches = append(matches, id)
		return nil
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("resolve %s.%s: scan: %w", entityType, prop.Name, err)
	}
	r.metrics.scanned(len(matches))

	switch len(matches) {
	case 0:
		r.metrics.resolved(SourceNotFound)
		return uuid.Nil, false, nil
	case 1:
	default:
		slices.SortFunc(matches, compareUUID)
		r.metrics.resolved(SourceDuplicate)
		r.logger.Error("duplicate saga entities share a correlation value",
			zap.String("entity_type", entityType),
			zap.String("property", prop.Name),
			zap.Stringers("matches", matches),
		)
		return uuid.Nil, false, newDuplicateEntity(entityType, prop.Name, matches)
	}

	id := matches[0]
	if r.config.MaterializeIndexOnScan {
		if err := r.materialize(ctx, table, entityType, prop, key, id); err != nil {
			return uuid.Nil, false, err
		}
	}

	r.cache.Put(key, id)
	r.metrics.resolved(SourceScan)
	r.logger.Debug("resolved by table scan",
		zap.String("entity_type", entityType),
		zap.String("property", prop.Name),
		zap.Stringer("id", id),
	)
	return id, true, nil
}

// materialize writes the missing index entry for a scan match. Another
// writer may have created the entry in the meantime; if it points elsewhere
// the two entities are duplicates.
func (r *Resolver) materialize(ctx context.Context, table tablestore.Table, entityType string, prop CorrelationProperty, key identity.IndexKey, id uuid.UUID) error {
	_, err := table.Insert(ctx, tablestore.Entity{
		PartitionKey: key.Partition,
		RowKey:       key.Row,
		Properties:   map[string]any{SagaIDProperty: id.String()},
	})
	if err == nil {
		r.logger.Info("materialized index entry",
			zap.String("entity_type", entityType),
			zap.String("property", prop.Name),
			zap.Stringer("id", id),
		)
		return nil
	}
	if !errors.Is(err, tablestore.ErrConflict) {
		r.logger.Warn("materialize index entry failed",
			zap.String("entity_type", entityType),
			zap.String("property", prop.Name),
			zap.Error(err),
		)
		return nil
	}

	existing, err := table.Get(ctx, key.Partition, key.Row)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve %s.%s: re-read index entry: %w", entityType, prop.Name, err)
	}
	other, err := indexTarget(existing)
	if err != nil {
		return fmt.Errorf("resolve %s.%s: %w", entityType, prop.Name, err)
	}
	if other == id {
		return nil
	}

	matches := []uuid.UUID{id, other}
	slices.SortFunc(matches, compareUUID)
	r.metrics.resolved(SourceDuplicate)
	return newDuplicateEntity(entityType, prop.Name, matches)
}

// Invalidate drops the cached identifier for prop. It is a no-op in
// deterministic mode, where nothing is cached.
func (r *Resolver) Invalidate(entityType string, prop CorrelationProperty) error {
	key, err := r.IndexKey(entityType, prop)
	if err != nil {
		return err
	}
	r.InvalidateKey(key)
	return nil
}

// InvalidateKey drops the cached identifier for key.
func (r *Resolver) InvalidateKey(key identity.IndexKey) {
	if r.cache.Remove(key) {
		r.logger.Debug("invalidated cached identifier", zap.Stringer("key", key))
	}
}

// IndexKey builds the index key for prop under the configured row key
// layout.
func (r *Resolver) IndexKey(entityType string, prop CorrelationProperty) (identity.IndexKey, error) {
	return indexKeyFor(entityType, prop, r.config.LegacyRowKey)
}

func (r *Resolver) remember(key identity.IndexKey, id uuid.UUID) {
	r.cache.Put(key, id)
}

func indexKeyFor(entityType string, prop CorrelationProperty, legacyRowKey bool) (identity.IndexKey, error) {
	if prop.IsNone() {
		return identity.IndexKey{}, newUnsupportedCorrelation(entityType)
	}
	serialized, err := identity.SerializeValue(prop.Value)
	if err != nil {
		return identity.IndexKey{}, fmt.Errorf("index key %s.%s: %w", entityType, prop.Name, err)
	}
	return identity.BuildIndexKey(entityType, prop.Name, serialized, legacyRowKey), nil
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
