// Package identity derives stable identifiers and secondary-index keys for
// correlated saga entities.
//
// Everything here is a pure function of its inputs. Nothing in this package
// touches storage, so it sits at the bottom of the import graph:
// tablestore, cache and saga all import identity; identity imports nothing
// internal.
//
// Three pieces live here:
//   - MarshalCanonical: the canonical JSON encoding of a correlation value.
//     Hash and key determinism depend on it, so it is the ONLY encoding that
//     may feed Generate or BuildIndexKey.
//   - Generate: the deterministic 128-bit primary identifier for
//     {entity type, property name, serialized value}.
//   - IndexKey: the {partition, row} address of a secondary-index entry, with
//     a string form that round-trips through ParseIndexKey.
package identity
