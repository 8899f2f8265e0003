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

// Persister saves and loads saga entities, one table per entity type.
type Persister struct {
	store    tablestore.Store
	config   Config
	resolver *Resolver
	writer   *IndexWriter
	logger   *zap.Logger
}

// NewPersister creates a persister over store. The resolver and index
// writer it builds share its logger, metrics and cache.
func NewPersister(store tablestore.Store, config Config, opts ...Option) (*Persister, error) {
	o := buildOptions(opts)
	resolver, err := NewResolver(store, config, opts...)
	if err != nil {
		return nil, err
	}
	return &Persister{
		store:    store,
		config:   config,
		resolver: resolver,
		writer:   NewIndexWriter(store, config, opts...),
		logger:   o.logger,
	}, nil
}

// Resolver returns the identity resolver.
func (p *Persister) Resolver() *Resolver {
	return p.resolver
}

// Writer returns the index writer.
func (p *Persister) Writer() *IndexWriter {
	return p.writer
}

// Save creates entity and returns it as stored, with its identifier and
// version token set.
//
// Without a correlation property the row is created as-is, with a random
// identifier if entity.ID is unset. In deterministic mode the identifier
// is always derived from prop and a conflict means a concurrent writer
// won: Save fails with RetryNeeded. In compatibility mode a random
// identifier is used and the index write protocol applies.
func (p *Persister) Save(ctx context.Context, entity Entity, prop CorrelationProperty) (Entity, error) {
	if entity.Type == "" {
		return Entity{}, errors.New("save: entity type is required")
	}
	if err := validateData(entity.Data); err != nil {
		return Entity{}, fmt.Errorf("save %s: %w", entity.Type, err)
	}
	entity.ETag = ""

	if !prop.IsNone() && p.config.CompatibilityMode {
		if entity.ID == uuid.Nil {
			entity.ID = uuid.New()
		}
		row, err := p.writer.insert(ctx, entity, prop)
		if err != nil {
			return Entity{}, err
		}
		saved, err := entityFromRow(entity.Type, row)
		if err != nil {
			return Entity{}, err
		}
		p.resolver.remember(saved.IndexKey, saved.ID)
		return saved, nil
	}

	switch {
	case !prop.IsNone():
		id, err := identity.GenerateFor(entity.Type, prop.Name, prop.Value)
		if err != nil {
			return Entity{}, fmt.Errorf("save %s: %w", entity.Type, err)
		}
		entity.ID = id
	case entity.ID == uuid.Nil:
		entity.ID = uuid.New()
	}
	entity.IndexKey = identity.IndexKey{}

	table, err := p.table(ctx, entity.Type)
	if err != nil {
		return Entity{}, err
	}
	row, err := table.Insert(ctx, primaryRow(entity, prop))
	if errors.Is(err, tablestore.ErrConflict) {
		if prop.IsNone() {
			return Entity{}, fmt.Errorf("save %s %s: %w", entity.Type, entity.ID, err)
		}
		return Entity{}, newRetryNeeded(entity.Type, prop.Name, err)
	}
	if err != nil {
		return Entity{}, fmt.Errorf("save %s %s: %w", entity.Type, entity.ID, err)
	}
	return entityFromRow(entity.Type, row)
}

// Get loads the entity with identifier id. found is false if it does not
// exist.
func (p *Persister) Get(ctx context.Context, entityType string, id uuid.UUID) (Entity, bool, error) {
	table, err := p.table(ctx, entityType)
	if err != nil {
		return Entity{}, false, err
	}
	row, err := table.Get(ctx, id.String(), id.String())
	if errors.Is(err, tablestore.ErrNotFound) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, fmt.Errorf("get %s %s: %w", entityType, id, err)
	}
	e, err := entityFromRow(entityType, row)
	if err != nil {
		return Entity{}, false, err
	}
	return e, true, nil
}

// GetByProperty resolves prop and loads the entity it points at.
//
// In compatibility mode the resolved row may be gone (completed after the
// index or cache was read). The cached identifier is then dropped and the
// lookup repeated once; a second miss is reported as not found.
func (p *Persister) GetByProperty(ctx context.Context, entityType string, prop CorrelationProperty) (Entity, bool, error) {
	e, found, resolved, err := p.getByProperty(ctx, entityType, prop)
	if err != nil || found || !resolved || !p.config.CompatibilityMode {
		return e, found, err
	}

	if err := p.resolver.Invalidate(entityType, prop); err != nil {
		return Entity{}, false, err
	}
	p.logger.Debug("resolved entity missing, resolving again",
		zap.String("entity_type", entityType),
		zap.String("property", prop.Name),
	)
	e, found, _, err = p.getByProperty(ctx, entityType, prop)
	return e, found, err
}

// getByProperty reports whether prop resolved to an identifier separately
// from whether that entity was found.
func (p *Persister) getByProperty(ctx context.Context, entityType string, prop CorrelationProperty) (e Entity, found, resolved bool, err error) {
	id, resolved, err := p.resolver.Resolve(ctx, entityType, prop)
	if err != nil || !resolved {
		return Entity{}, false, false, err
	}
	e, found, err = p.Get(ctx, entityType, id)
	return e, found, true, err
}

// Update replaces the stored entity if entity.ETag still matches, and
// returns it with the new version token.
func (p *Persister) Update(ctx context.Context, entity Entity) (Entity, error) {
	if entity.ETag == "" {
		return Entity{}, fmt.Errorf("update %s %s: %w", entity.Type, entity.ID, tablestore.ErrMissingETag)
	}
	if err := validateData(entity.Data); err != nil {
		return Entity{}, fmt.Errorf("update %s: %w", entity.Type, err)
	}
	table, err := p.table(ctx, entity.Type)
	if err != nil {
		return Entity{}, err
	}
	row, err := table.Replace(ctx, primaryRow(entity, NoCorrelation))
	if err != nil {
		return Entity{}, fmt.Errorf("update %s %s: %w", entity.Type, entity.ID, err)
	}
	return entityFromRow(entity.Type, row)
}

// Complete deletes the entity if entity.ETag still matches. In
// compatibility mode it then removes the index entry, if that entry still
// points at this entity, and drops the cached identifier. Index cleanup is
// best effort: a left-over entry resolves to a missing row, which
// GetByProperty already tolerates.
func (p *Persister) Complete(ctx context.Context, entity Entity, prop CorrelationProperty) error {
	if entity.ETag == "" {
		return fmt.Errorf("complete %s %s: %w", entity.Type, entity.ID, tablestore.ErrMissingETag)
	}
	table, err := p.table(ctx, entity.Type)
	if err != nil {
		return err
	}
	id := entity.ID.String()
	if err := table.Delete(ctx, id, id, entity.ETag); err != nil {
		return fmt.Errorf("complete %s %s: %w", entity.Type, entity.ID, err)
	}

	if !p.config.CompatibilityMode {
		return nil
	}

	key := entity.IndexKey
	if !prop.IsNone() {
		if key, err = p.resolver.IndexKey(entity.Type, prop); err != nil {
			return err
		}
	}
	if key.IsZero() {
		return nil
	}
	p.resolver.InvalidateKey(key)
	p.removeIndexEntry(ctx, table, entity, key)
	return nil
}

func (p *Persister) removeIndexEntry(ctx context.Context, table tablestore.Table, entity Entity, key identity.IndexKey) {
	entry, err := table.Get(ctx, key.Partition, key.Row)
	if err != nil {
		if !errors.Is(err, tablestore.ErrNotFound) {
			p.logger.Warn("read index entry for removal failed",
				zap.String("entity_type", entity.Type),
				zap.Stringer("key", key),
				zap.Error(err),
			)
		}
		return
	}
	if target, err := indexTarget(entry); err != nil || target != entity.ID {
		return
	}
	if err := table.Delete(ctx, key.Partition, key.Row, entry.ETag); err != nil {
		p.logger.Warn("remove index entry failed",
			zap.String("entity_type", entity.Type),
			zap.Stringer("key", key),
			zap.Error(err),
		)
	}
}

func (p *Persister) table(ctx context.Context, entityType string) (tablestore.Table, error) {
	if entityType == "" {
		return nil, errors.New("entity type is required")
	}
	t, err := p.store.Table(ctx, TableName(entityType))
	if err != nil {
		return nil, fmt.Errorf("open table for %s: %w", entityType, err)
	}
	return t, nil
}
