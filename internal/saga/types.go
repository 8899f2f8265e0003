package saga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/tablestore"
)

// Reserved property names on stored rows.
const (
	// IDProperty holds the primary identifier on primary rows.
	IDProperty = "Id"

	// IndexKeyProperty records the index key a primary row was created
	// under, in IndexKey.String form.
	IndexKeyProperty = "SecondaryIndexKey"

	// SagaIDProperty holds the target identifier on index entries.
	SagaIDProperty = "SagaId"

	// SnapshotProperty holds the primary row snapshot on index entries.
	SnapshotProperty = "Data"
)

// DomainTable prefixes the hash that disambiguates sanitized table names.
const DomainTable = "sagastore/table/v1"

// CorrelationProperty names the property a saga is looked up by. The zero
// value means the entity has no correlation property.
type CorrelationProperty struct {
	Name  string
	Value any
}

// NoCorrelation is the "no correlation property" sentinel.
var NoCorrelation = CorrelationProperty{}

// Correlate builds a CorrelationProperty.
func Correlate(name string, value any) CorrelationProperty {
	return CorrelationProperty{Name: name, Value: value}
}

// IsNone reports whether p is the no-correlation sentinel.
func (p CorrelationProperty) IsNone() bool {
	return p.Name == ""
}

// Entity is a saga instance as the caller sees it.
type Entity struct {
	ID   uuid.UUID
	Type string

	// ETag is the version token of the stored row. Update and Complete
	// condition on it.
	ETag string

	// Data is the saga state. Keys follow the table store property naming
	// rules and must not use the reserved names.
	Data map[string]any

	// IndexKey is the secondary index key the row was created under, zero
	// for rows created without one.
	IndexKey identity.IndexKey
}

// TableName maps an entity type to its table. Types that already satisfy
// the table naming rules map to themselves. Others are stripped to ASCII
// alphanumerics and suffixed with a short hash of the full type name, so
// distinct types never share a table.
func TableName(entityType string) string {
	if tablestore.ValidateTableName(entityType) == nil {
		return entityType
	}

	var b strings.Builder
	for i := 0; i < len(entityType); i++ {
		c := entityType[i]
		if isASCIILetter(c) || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	name := b.String()
	if name == "" || !isASCIILetter(name[0]) {
		name = "Saga" + name
	}

	suffix := identity.Sum128(DomainTable, entityType).String()[:8]
	if limit := 63 - len(suffix); len(name) > limit {
		name = name[:limit]
	}
	return name + suffix
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func validateData(data map[string]any) error {
	for name := range data {
		switch name {
		case IDProperty, IndexKeyProperty:
			return fmt.Errorf("%w: %q is reserved", tablestore.ErrInvalidProperty, name)
		}
	}
	return nil
}

// primaryRow lays out the stored form of e. The correlation value is always
// written so the scan fallback can find the row.
func primaryRow(e Entity, prop CorrelationProperty) tablestore.Entity {
	props := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		props[k] = v
	}
	if !prop.IsNone() {
		props[prop.Name] = prop.Value
	}
	props[IDProperty] = e.ID.String()
	if !e.IndexKey.IsZero() {
		props[IndexKeyProperty] = e.IndexKey.String()
	}

	key := e.ID.String()
	return tablestore.Entity{
		PartitionKey: key,
		RowKey:       key,
		ETag:         e.ETag,
		Properties:   props,
	}
}

// entityFromRow is the inverse of primaryRow.
func entityFromRow(entityType string, row tablestore.Entity) (Entity, error) {
	id, err := primaryID(row)
	if err != nil {
		return Entity{}, err
	}

	e := Entity{
		ID:   id,
		Type: entityType,
		ETag: row.ETag,
		Data: make(map[string]any, len(row.Properties)),
	}
	for k, v := range row.Properties {
		switch k {
		case IDProperty:
		case IndexKeyProperty:
			s, _ := v.(string)
			key, err := identity.ParseIndexKey(s)
			if err != nil {
				return Entity{}, fmt.Errorf("row %s: %w", row.PartitionKey, err)
			}
			e.IndexKey = key
		default:
			e.Data[k] = v
		}
	}
	return e, nil
}

// primaryID reads the identifier of a primary row, falling back to the
// partition key for rows written without the Id property.
func primaryID(row tablestore.Entity) (uuid.UUID, error) {
	raw, _ := row.Properties[IDProperty].(string)
	if raw == "" {
		raw = row.PartitionKey
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("row %s: invalid identifier %q: %w", row.PartitionKey, raw, err)
	}
	return id, nil
}

// indexTarget reads the target identifier of an index entry.
func indexTarget(entry tablestore.Entity) (uuid.UUID, error) {
	raw, _ := entry.Properties[SagaIDProperty].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("index entry %s: invalid %s %q: %w", entry.PartitionKey, SagaIDProperty, raw, err)
	}
	return id, nil
}

func encodeSnapshot(props map[string]any) (string, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(data), nil
}

func decodeSnapshot(s string) (map[string]any, error) {
	props := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return props, nil
}
