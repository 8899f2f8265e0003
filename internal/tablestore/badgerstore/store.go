// Package badgerstore is a tablestore.Store backed by BadgerDB.
//
// All tables share one keyspace. A row is stored under
// table + 0x00 + partition key + 0x00 + row key; table names are
// alphanumeric and keys never contain control characters, so the byte
// order of the composite equals (table, partition, row) order and a table
// is a key prefix.
//
// Conditional writes read and write the row inside one read-write
// transaction. Badger detects a concurrent commit to the same key and
// aborts the later transaction with badger.ErrConflict; the write is then
// retried, and the retry observes the committed row.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/flowchartsman/retry"

	"github.com/roach88/sagastore/internal/tablestore"
)

// InMemory is the path that opens a store without a directory.
const InMemory = ":memory:"

const (
	txnAttempts     = 5
	txnInitialDelay = time.Millisecond
	txnMaxDelay     = 20 * time.Millisecond
	valueLogSize    = 64 << 20
)

// Store is a tablestore.Store backed by a Badger database.
type Store struct {
	db     *badger.DB
	tables sync.Map // name -> *table
	closed atomic.Bool
}

var _ tablestore.Store = (*Store)(nil)

// record is the stored value of one row.
type record struct {
	ETag       string          `json:"etag"`
	Properties json.RawMessage `json:"properties"`
}

// Open opens (or creates) a Badger database in the directory path. InMemory
// keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true).
		WithValueLogFileSize(valueLogSize)
	if path == InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tablestore: opening badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureOpen() error {
	if s.closed.Load() {
		return tablestore.ErrClosed
	}
	return nil
}

// Table returns the table called name. Badger needs no per-table setup, so
// this only validates and memoizes the name.
func (s *Store) Table(ctx context.Context, name string) (tablestore.Table, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if t, ok := s.tables.Load(name); ok {
		return t.(*table), nil
	}
	if err := tablestore.ValidateTableName(name); err != nil {
		return nil, err
	}
	if err := tablestore.ContextErr(ctx); err != nil {
		return nil, err
	}

	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	prefix = append(prefix, 0x00)
	t, _ := s.tables.LoadOrStore(name, &table{store: s, name: name, prefix: prefix})
	return t.(*table), nil
}

// update runs fn in a read-write transaction and retries it while badger
// reports a conflicting concurrent commit. Any other error ends the loop.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var terminal error
	retrier := retry.NewRetrier(txnAttempts, txnInitialDelay, txnMaxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			return err
		}
		terminal = err
		return nil
	})
	if err != nil {
		return err
	}
	return terminal
}

type table struct {
	store  *Store
	name   string
	prefix []byte
}

func (t *table) Name() string { return t.name }

func (t *table) key(partitionKey, rowKey string) []byte {
	key := make([]byte, 0, len(t.prefix)+len(partitionKey)+len(rowKey)+1)
	key = append(key, t.prefix...)
	key = append(key, partitionKey...)
	key = append(key, 0x00)
	key = append(key, rowKey...)
	return key
}

func (t *table) splitKey(key []byte) (string, string, error) {
	rest := bytes.TrimPrefix(key, t.prefix)
	i := bytes.IndexByte(rest, 0x00)
	if i < 0 {
		return "", "", fmt.Errorf("tablestore: corrupt key %q", key)
	}
	return string(rest[:i]), string(rest[i+1:]), nil
}

func (t *table) begin(ctx context.Context) error {
	if err := t.store.ensureOpen(); err != nil {
		return err
	}
	return tablestore.ContextErr(ctx)
}

func decodeRecord(raw []byte) (record, map[string]any, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, nil, fmt.Errorf("decode record: %w", err)
	}
	props, err := tablestore.UnmarshalProperties(rec.Properties)
	if err != nil {
		return record{}, nil, err
	}
	return rec, props, nil
}

func encodeRecord(etag string, props map[string]any) ([]byte, error) {
	propsJSON, err := tablestore.MarshalProperties(props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{ETag: etag, Properties: propsJSON})
}

// read returns the raw value at key, or nil if absent.
func read(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// checkETag returns the precondition error for a conditional write.
func checkETag(raw []byte, etag string) error {
	if raw == nil {
		return tablestore.ErrNotFound
	}
	if etag == tablestore.ETagAny {
		return nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if rec.ETag != etag {
		return tablestore.ErrPreconditionFailed
	}
	return nil
}

func (t *table) Get(ctx context.Context, partitionKey, rowKey string) (tablestore.Entity, error) {
	if err := tablestore.ValidateKeys(partitionKey, rowKey); err != nil {
		return tablestore.Entity{}, err
	}
	if err := t.begin(ctx); err != nil {
		return tablestore.Entity{}, err
	}

	var e tablestore.Entity
	err := t.store.db.View(func(txn *badger.Txn) error {
		raw, err := read(txn, t.key(partitionKey, rowKey))
		if err != nil {
			return err
		}
		if raw == nil {
			return tablestore.ErrNotFound
		}
		rec, props, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		e = tablestore.Entity{PartitionKey: partitionKey, RowKey: rowKey, ETag: rec.ETag, Properties: props}
		return nil
	})
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, err)
	}
	return e, nil
}

func (t *table) Insert(ctx context.Context, e tablestore.Entity) (tablestore.Entity, error) {
	if err := tablestore.ValidateEntity(e); err != nil {
		return tablestore.Entity{}, err
	}
	if err := t.begin(ctx); err != nil {
		return tablestore.Entity{}, err
	}

	etag := tablestore.NewETag()
	value, err := encodeRecord(etag, e.Properties)
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	key := t.key(e.PartitionKey, e.RowKey)
	err = t.store.update(ctx, func(txn *badger.Txn) error {
		raw, err := read(txn, key)
		if err != nil {
			return err
		}
		if raw != nil {
			return tablestore.ErrConflict
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	e.ETag = etag
	return e, nil
}

func (t *table) Replace(ctx context.Context, e tablestore.Entity) (tablestore.Entity, error) {
	if err := tablestore.ValidateEntity(e); err != nil {
		return tablestore.Entity{}, err
	}
	if e.ETag == "" {
		return tablestore.Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, tablestore.ErrMissingETag)
	}
	if err := t.begin(ctx); err != nil {
		return tablestore.Entity{}, err
	}

	etag := tablestore.NewETag()
	value, err := encodeRecord(etag, e.Properties)
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	key := t.key(e.PartitionKey, e.RowKey)
	err = t.store.update(ctx, func(txn *badger.Txn) error {
		raw, err := read(txn, key)
		if err != nil {
			return err
		}
		if err := checkETag(raw, e.ETag); err != nil {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return tablestore.Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	e.ETag = etag
	return e, nil
}

func (t *table) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	if err := tablestore.ValidateKeys(partitionKey, rowKey); err != nil {
		return err
	}
	if etag == "" {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, tablestore.ErrMissingETag)
	}
	if err := t.begin(ctx); err != nil {
		return err
	}

	key := t.key(partitionKey, rowKey)
	err := t.store.update(ctx, func(txn *badger.Txn) error {
		raw, err := read(txn, key)
		if err != nil {
			return err
		}
		if err := checkETag(raw, etag); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

// Query iterates the table prefix in key order from the continuation point
// and filters in memory.
func (t *table) Query(ctx context.Context, q tablestore.Query) (tablestore.Page, error) {
	if err := tablestore.ValidateQuery(q); err != nil {
		return tablestore.Page{}, err
	}
	filter, err := tablestore.NewFilter(q.Where)
	if err != nil {
		return tablestore.Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}
	if err := t.begin(ctx); err != nil {
		return tablestore.Page{}, err
	}

	limit := tablestore.PageSize(q)
	page := tablestore.Page{Entities: []tablestore.Entity{}}
	err = t.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := t.prefix
		if q.Continuation != nil {
			start = t.key(q.Continuation.PartitionKey, q.Continuation.RowKey)
		}

		for it.Seek(start); it.ValidForPrefix(t.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, props, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if !filter.Match(props) {
				continue
			}
			pk, rk, err := t.splitKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			if len(page.Entities) == limit {
				page.Continuation = &tablestore.Continuation{PartitionKey: pk, RowKey: rk}
				return nil
			}
			page.Entities = append(page.Entities, tablestore.Entity{
				PartitionKey: pk,
				RowKey:       rk,
				ETag:         rec.ETag,
				Properties:   tablestore.Project(props, q.Select),
			})
		}
		return nil
	})
	if err != nil {
		return tablestore.Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}
	return page, nil
}
