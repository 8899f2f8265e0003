package identity

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/google/uuid"
)

// DomainIdentifier prefixes every hashed identifier. The version suffix
// leaves room for a future algorithm change without colliding with
// existing identifiers.
const DomainIdentifier = "sagastore/identity/v1"

// Sum128 hashes the length-prefixed parts under a domain prefix and keeps
// the first 128 bits of the SHA-1 digest.
// Format: SHA1(domain + 0x00 + uvarint(len(p0)) + p0 + uvarint(len(p1)) + p1 ...)
func Sum128(domain string, parts ...string) uuid.UUID {
	h := sha1.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		writeLengthPrefixed(h, p)
	}

	var id uuid.UUID
	copy(id[:], h.Sum(nil))
	return id
}

func writeLengthPrefixed(h hash.Hash, s string) {
	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(prefix[:], uint64(len(s)))
	h.Write(prefix[:n])
	h.Write([]byte(s))
}

// Generate returns the deterministic primary identifier for an entity
// correlated by propertyName = serializedValue. The value must already be
// in canonical form (see SerializeValue); equal inputs always produce the
// same identifier.
func Generate(entityType, propertyName, serializedValue string) uuid.UUID {
	return Sum128(DomainIdentifier, entityType, propertyName, serializedValue)
}

// GenerateFor serializes value canonically and then calls Generate.
func GenerateFor(entityType, propertyName string, value any) (uuid.UUID, error) {
	serialized, err := SerializeValue(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("GenerateFor: %w", err)
	}
	return Generate(entityType, propertyName, serialized), nil
}

// MustGenerateFor is like GenerateFor but panics on error.
// Use only in tests or when the value is known to be serializable.
func MustGenerateFor(entityType, propertyName string, value any) uuid.UUID {
	id, err := GenerateFor(entityType, propertyName, value)
	if err != nil {
		panic(err)
	}
	return id
}

// rowKeyFor applies the identifier hash to the index partition itself,
// giving a fixed-length row key. The single length-prefixed part keeps it
// apart from any three-part entity identifier.
func rowKeyFor(partition string) string {
	return Sum128(DomainIdentifier, partition).String()
}
