package tablestore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// normalizeValue reduces a property value to one of string, bool, int64,
// float64 so every backend compares filter values the same way. Booleans
// stay booleans: true never equals 1.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return uintValue(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return uintValue(val)
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrInvalidProperty, val)
		}
		return f, nil
	case uuid.UUID:
		return val.String(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported filter value type %T", ErrInvalidProperty, v)
	}
}

func uintValue(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidProperty, v)
	}
	return int64(v), nil
}

// valuesEqual compares two normalized values with SQLite semantics:
// integers and reals compare numerically, text never equals a number and
// booleans only equal booleans.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return av == float64(bv)
		case float64:
			return av == bv
		}
	}
	return false
}

// matches reports whether props satisfy every condition. Stored values that
// are objects or arrays never match.
func matches(props map[string]any, where []normalizedCondition) bool {
	for _, c := range where {
		stored, ok := props[c.property]
		if !ok {
			return false
		}
		nv, err := normalizeValue(stored)
		if err != nil || !valuesEqual(nv, c.value) {
			return false
		}
	}
	return true
}

type normalizedCondition struct {
	property string
	value    any
}

func normalizeConditions(where []Condition) ([]normalizedCondition, error) {
	out := make([]normalizedCondition, 0, len(where))
	for _, c := range where {
		v, err := normalizeValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("condition on %q: %w", c.Property, err)
		}
		out = append(out, normalizedCondition{property: c.Property, value: v})
	}
	return out, nil
}

// compileQuery builds the parameterized SQLite statement for q. Every value
// is bound, never interpolated, and the ORDER BY gives a stable key order
// that continuations rely on. The statement fetches one extra row to detect
// whether another page exists.
func compileQuery(table string, q Query) (string, []any, error) {
	where, err := normalizeConditions(q.Where)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT partition_key, row_key, etag, properties FROM entities WHERE table_name = ?")
	params := []any{table}

	if q.Continuation != nil {
		b.WriteString(" AND (partition_key > ? OR (partition_key = ? AND row_key >= ?))")
		params = append(params, q.Continuation.PartitionKey, q.Continuation.PartitionKey, q.Continuation.RowKey)
	}

	for _, c := range where {
		path := "$." + c.property
		// json_extract yields 1/0 for JSON booleans, so they are matched
		// on their JSON type instead.
		if flag, ok := c.value.(bool); ok {
			b.WriteString(" AND json_type(properties, ?) = ?")
			params = append(params, path, strconv.FormatBool(flag))
			continue
		}
		b.WriteString(" AND json_type(properties, ?) NOT IN ('object', 'array', 'true', 'false') AND json_extract(properties, ?) = ?")
		params = append(params, path, path, c.value)
	}

	b.WriteString(" ORDER BY partition_key COLLATE BINARY ASC, row_key COLLATE BINARY ASC LIMIT ?")
	params = append(params, pageSize(q)+1)

	return b.String(), params, nil
}
