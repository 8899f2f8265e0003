// Package saga resolves correlated saga entities to primary identifiers and
// persists them in a partitioned table store.
//
// IDENTIFIERS:
//
// Deterministic mode (the default) derives the primary identifier from
// {entity type, correlation property, canonical value}. Resolution is pure
// computation and never touches the store; two writers racing to create
// the same saga collide on the primary row itself.
//
// Compatibility mode serves entities created with random identifiers. A
// secondary index entry per correlation value points at the primary row:
//
//	partition: Index_<type>_<property>_<value>
//	row:       hash of the partition (or the partition itself, legacy)
//	SagaId:    primary identifier
//	Data:      snapshot of the primary row, written before the row exists
//
// Resolution goes cache -> index point read -> full-table scan. A scan
// that finds more than one match is a DuplicateEntity error and is never
// cached.
//
// WRITE PROTOCOL:
//
// The store has no cross-partition transactions, so Insert writes the index
// entry first (create-if-absent) and the primary row second. A writer that
// loses the index race recreates the primary row from the winner's snapshot
// if it is missing, then reports RetryNeeded. A crash between the two writes
// therefore never loses state: the next writer for that key heals it.
//
// CONCURRENCY:
//
// Resolver, IndexWriter and Persister are safe for concurrent use. The only
// lock is inside the lookup cache. Same-key races are settled by conditional
// writes in the store, so correctness holds across processes.
package saga
