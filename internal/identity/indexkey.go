package identity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// IndexPartitionPrefix starts every secondary-index partition key.
	IndexPartitionPrefix = "Index_"

	keySeparator = '#'
	keyEscape    = '\\'
)

// ErrMalformedIndexKey is returned by ParseIndexKey for text that was not
// produced by IndexKey.String.
var ErrMalformedIndexKey = errors.New("malformed index key")

// IndexKey addresses a secondary-index entry in the table store.
// Equality is structural, so IndexKey is usable as a map or cache key.
type IndexKey struct {
	Partition string
	Row       string
}

// BuildIndexKey derives the index key for {entityType, propertyName,
// serializedValue}.
//
// The partition is "Index_<type>_<property>_<value>". The row is a hash of
// the partition so row keys have a fixed length however long the value is.
// With legacyRowKey set the row mirrors the partition, which is the layout
// written by stores migrated from the older generation.
func BuildIndexKey(entityType, propertyName, serializedValue string, legacyRowKey bool) IndexKey {
	partition := IndexPartitionPrefix + entityType + "_" + propertyName + "_" + serializedValue
	if legacyRowKey {
		return IndexKey{Partition: partition, Row: partition}
	}
	return IndexKey{Partition: partition, Row: rowKeyFor(partition)}
}

// IsIndexPartition reports whether partitionKey belongs to a secondary
// index entry rather than a primary row.
func IsIndexPartition(partitionKey string) bool {
	return strings.HasPrefix(partitionKey, IndexPartitionPrefix)
}

// IsZero reports whether k is the zero key.
func (k IndexKey) IsZero() bool {
	return k.Partition == "" && k.Row == ""
}

// String encodes the key as "<partition>#<row>". Backslash and '#' inside
// either component are backslash-escaped, so ParseIndexKey(k.String())
// returns k for every key.
func (k IndexKey) String() string {
	var b strings.Builder
	b.Grow(len(k.Partition) + len(k.Row) + 1)
	escapeKeyPart(&b, k.Partition)
	b.WriteByte(keySeparator)
	escapeKeyPart(&b, k.Row)
	return b.String()
}

func escapeKeyPart(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == keySeparator || s[i] == keyEscape {
			b.WriteByte(keyEscape)
		}
		b.WriteByte(s[i])
	}
}

// ParseIndexKey decodes the string form written by IndexKey.String.
func ParseIndexKey(s string) (IndexKey, error) {
	var (
		parts   [2]strings.Builder
		current int
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case keyEscape:
			if i+1 >= len(s) {
				return IndexKey{}, fmt.Errorf("%w: dangling escape in %q", ErrMalformedIndexKey, s)
			}
			next := s[i+1]
			if next != keyEscape && next != keySeparator {
				return IndexKey{}, fmt.Errorf("%w: invalid escape %q at offset %d", ErrMalformedIndexKey, next, i)
			}
			parts[current].WriteByte(next)
			i++
		case keySeparator:
			if current == 1 {
				return IndexKey{}, fmt.Errorf("%w: unescaped separator at offset %d", ErrMalformedIndexKey, i)
			}
			current = 1
		default:
			parts[current].WriteByte(c)
		}
	}

	if current != 1 {
		return IndexKey{}, fmt.Errorf("%w: missing separator in %q", ErrMalformedIndexKey, s)
	}

	key := IndexKey{Partition: parts[0].String(), Row: parts[1].String()}
	if !strings.HasPrefix(key.Partition, IndexPartitionPrefix) {
		return IndexKey{}, fmt.Errorf("%w: partition %q lacks %q prefix", ErrMalformedIndexKey, key.Partition, IndexPartitionPrefix)
	}
	return key, nil
}
