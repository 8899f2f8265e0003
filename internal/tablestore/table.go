package tablestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"unicode"

	"github.com/google/uuid"
)

// ETagAny matches any existing version on Replace and Delete.
const ETagAny = "*"

// DefaultPageSize bounds a single Query page when Query.Limit is unset.
const DefaultPageSize = 1000

// Sentinel errors. Backends wrap them with the failing key; use errors.Is.
var (
	ErrNotFound           = errors.New("tablestore: entity not found")
	ErrConflict           = errors.New("tablestore: entity already exists")
	ErrPreconditionFailed = errors.New("tablestore: etag mismatch")
	ErrInvalidKey         = errors.New("tablestore: invalid key")
	ErrInvalidTableName   = errors.New("tablestore: invalid table name")
	ErrInvalidProperty    = errors.New("tablestore: invalid property")
	ErrMissingETag        = errors.New("tablestore: etag required")
	ErrClosed             = errors.New("tablestore: store is closed")
)

var (
	tableNamePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,62}$`)
	propertyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)
)

// Entity is one row. ETag is the version token returned by every read and
// write; it must be passed back on conditional writes.
type Entity struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Properties   map[string]any
}

// Condition is an equality predicate on a single property.
type Condition struct {
	Property string
	Value    any
}

// Equals builds a Condition.
func Equals(property string, value any) Condition {
	return Condition{Property: property, Value: value}
}

// Continuation marks where the next page starts (inclusive).
type Continuation struct {
	PartitionKey string
	RowKey       string
}

// Query describes a filtered scan over one table.
type Query struct {
	// Where conditions are ANDed. Rows lacking a property never match it.
	Where []Condition

	// Select projects the returned properties. Empty means all properties.
	// Keys and ETag are always returned.
	Select []string

	// Limit bounds the page size; zero means DefaultPageSize.
	Limit int

	// Continuation resumes a previous scan.
	Continuation *Continuation
}

// Page is one batch of query results. Continuation is nil on the last page.
type Page struct {
	Entities     []Entity
	Continuation *Continuation
}

// Table is a single named table.
type Table interface {
	Name() string

	// Get performs a point read. Returns ErrNotFound if the row is absent.
	Get(ctx context.Context, partitionKey, rowKey string) (Entity, error)

	// Insert creates the row if absent. Returns ErrConflict if it exists.
	// The returned entity carries the new ETag.
	Insert(ctx context.Context, e Entity) (Entity, error)

	// Replace overwrites the row if e.ETag matches (or is ETagAny).
	// Returns ErrNotFound or ErrPreconditionFailed.
	Replace(ctx context.Context, e Entity) (Entity, error)

	// Delete removes the row if etag matches (or is ETagAny).
	// Returns ErrNotFound or ErrPreconditionFailed.
	Delete(ctx context.Context, partitionKey, rowKey, etag string) error

	// Query returns one page of matching rows in key order.
	Query(ctx context.Context, q Query) (Page, error)
}

// Store opens tables. Implementations remember which tables they already
// created so Table is cheap after the first call per name.
type Store interface {
	Table(ctx context.Context, name string) (Table, error)
	Close() error
}

// ForEach runs q to completion, following continuations, and calls fn for
// every row. Stops at the first error from the store or from fn.
func ForEach(ctx context.Context, t Table, q Query, fn func(Entity) error) error {
	for {
		page, err := t.Query(ctx, q)
		if err != nil {
			return err
		}
		for _, e := range page.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
		if page.Continuation == nil {
			return nil
		}
		q.Continuation = page.Continuation
	}
}

// ValidateTableName checks the table naming rules: alphanumeric, starting
// with a letter, 3 to 63 characters.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return nil
}

// validateKey rejects keys the store cannot address. Control characters are
// forbidden, which also keeps the bbolt composite key separator free.
func validateKey(kind, key string) error {
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control character %U", ErrInvalidKey, kind, r)
		}
	}
	return nil
}

func validateKeys(partitionKey, rowKey string) error {
	if err := validateKey("partition key", partitionKey); err != nil {
		return err
	}
	return validateKey("row key", rowKey)
}

func validatePropertyName(name string) error {
	if !propertyNamePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidProperty, name)
	}
	return nil
}

func validateEntity(e Entity) error {
	if err := validateKeys(e.PartitionKey, e.RowKey); err != nil {
		return err
	}
	for name := range e.Properties {
		if err := validatePropertyName(name); err != nil {
			return err
		}
	}
	return nil
}

func validateQuery(q Query) error {
	for _, c := range q.Where {
		if err := validatePropertyName(c.Property); err != nil {
			return err
		}
	}
	for _, name := range q.Select {
		if err := validatePropertyName(name); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("tablestore: negative limit %d", q.Limit)
	}
	return nil
}

func pageSize(q Query) int {
	if q.Limit == 0 {
		return DefaultPageSize
	}
	return q.Limit
}

func newETag() string {
	return uuid.NewString()
}

func contextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// marshalProperties encodes properties as JSON text. encoding/json sorts map
// keys, so equal property sets always encode identically.
func marshalProperties(props map[string]any) ([]byte, error) {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal properties: %w", err)
	}
	return data, nil
}

// unmarshalProperties decodes JSON text keeping integers exact via
// json.Number.
func unmarshalProperties(data []byte) (map[string]any, error) {
	props := map[string]any{}
	if len(data) == 0 {
		return props, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return props, nil
}

// project keeps only the selected properties. An empty selection keeps all.
func project(props map[string]any, selected []string) map[string]any {
	if len(selected) == 0 {
		return props
	}
	out := make(map[string]any, len(selected))
	for _, name := range selected {
		if v, ok := props[name]; ok {
			out[name] = v
		}
	}
	return out
}
