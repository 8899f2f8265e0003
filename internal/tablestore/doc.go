// Package tablestore is the partitioned key-value table store the saga
// persistence sits on.
//
// The contract deliberately matches what a cloud table service offers and
// nothing more:
//   - Rows are addressed by {partition key, row key} inside a named table.
//   - Every write is a single-row atomic operation. There are no cross-row
//     transactions and no secondary indexes.
//   - Insert is a conditional create ("must not exist", ErrConflict).
//   - Replace and Delete are conditioned on the row's ETag, or on ETagAny.
//   - Query is a filtered, column-projected scan ordered by
//     (partition key, row key) and returned in pages with a continuation.
//
// # Backends
//
//   - SQLite (OpenSQLite): WAL mode, one writer connection, conditional
//     writes via ON CONFLICT DO NOTHING and rows-affected checks.
//   - bbolt (OpenBolt): one bucket per table, conditional writes inside a
//     single read-write transaction.
//
// Table existence is memoized per Store instance. Nothing in this package
// keeps process-wide state.
package tablestore
