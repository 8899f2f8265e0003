package tablestore

import "context"

// Helpers for backends implemented outside this package. They apply the same
// validation, encoding and filter semantics the built-in backends use, so
// every backend behaves identically behind the Table interface.

// ValidateKeys rejects partition and row keys the store cannot address.
func ValidateKeys(partitionKey, rowKey string) error {
	return validateKeys(partitionKey, rowKey)
}

// ValidateEntity checks the keys and property names of e.
func ValidateEntity(e Entity) error {
	return validateEntity(e)
}

// ValidateQuery checks the property names and limit of q.
func ValidateQuery(q Query) error {
	return validateQuery(q)
}

// PageSize returns the effective page size of q.
func PageSize(q Query) int {
	return pageSize(q)
}

// NewETag returns a fresh version token.
func NewETag() string {
	return newETag()
}

// ContextErr returns ctx.Err(), treating a nil context as live.
func ContextErr(ctx context.Context) error {
	return contextErr(ctx)
}

// MarshalProperties encodes properties as JSON text.
func MarshalProperties(props map[string]any) ([]byte, error) {
	return marshalProperties(props)
}

// UnmarshalProperties decodes JSON text, keeping integers exact.
func UnmarshalProperties(data []byte) (map[string]any, error) {
	return unmarshalProperties(data)
}

// Project keeps only the selected properties. An empty selection keeps all.
func Project(props map[string]any, selected []string) map[string]any {
	return project(props, selected)
}

// Filter is a compiled Query.Where evaluated in memory with the same value
// semantics as the SQLite backend.
type Filter struct {
	where []normalizedCondition
}

// NewFilter compiles where. It fails on values that cannot be compared.
func NewFilter(where []Condition) (Filter, error) {
	normalized, err := normalizeConditions(where)
	if err != nil {
		return Filter{}, err
	}
	return Filter{where: normalized}, nil
}

// Match reports whether props satisfy every condition.
func (f Filter) Match(props map[string]any) bool {
	return matches(props, f.where)
}
