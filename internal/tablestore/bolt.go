package tablestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"
)

const boltFileMode os.FileMode = 0o600

var (
	boltTimeout        = 5 * time.Second
	defaultBoltOptions = &bbolt.Options{Timeout: boltTimeout, NoGrowSync: true}
)

// BoltStore is a Store backed by a bbolt file, one bucket per table.
//
// Concurrency:
//   - bbolt provides single-writer/multi-reader semantics, so every
//     conditional write is checked and applied inside one Update
//     transaction. Another process cannot open the file while it is held.
type BoltStore struct {
	db     *bbolt.DB
	tables sync.Map // name -> *boltTable
	closed atomic.Bool
}

var _ Store = (*BoltStore)(nil)

// boltRecord is the stored value of one row.
type boltRecord struct {
	ETag       string          `json:"etag"`
	Properties json.RawMessage `json:"properties"`
}

// OpenBolt opens (or creates) a bbolt database at path with a short open
// timeout so a locked file fails fast instead of hanging.
func OpenBolt(path string) (*BoltStore, error) {
	optionsCopy := *defaultBoltOptions
	db, err := bbolt.Open(path, boltFileMode, &optionsCopy)
	if err != nil {
		return nil, fmt.Errorf("tablestore: opening boltdb: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database. Safe to call more than once.
func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Table creates the bucket for name on first use.
func (s *BoltStore) Table(ctx context.Context, name string) (Table, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if t, ok := s.tables.Load(name); ok {
		return t.(*boltTable), nil
	}
	if err := ValidateTableName(name); err != nil {
		return nil, err
	}
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	bucket := []byte(name)
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucket)
		return e
	}); err != nil {
		return nil, fmt.Errorf("create table %q: %w", name, err)
	}

	t, _ := s.tables.LoadOrStore(name, &boltTable{store: s, name: name, bucket: bucket})
	return t.(*boltTable), nil
}

type boltTable struct {
	store  *BoltStore
	name   string
	bucket []byte
}

// boltKey joins the keys with a 0x00 separator. Keys never contain control
// characters, so byte order of the composite equals (partition, row) order.
func boltKey(partitionKey, rowKey string) []byte {
	key := make([]byte, 0, len(partitionKey)+len(rowKey)+1)
	key = append(key, partitionKey...)
	key = append(key, 0x00)
	key = append(key, rowKey...)
	return key
}

func splitBoltKey(key []byte) (string, string, error) {
	i := bytes.IndexByte(key, 0x00)
	if i < 0 {
		return "", "", fmt.Errorf("tablestore: corrupt key %q", key)
	}
	return string(key[:i]), string(key[i+1:]), nil
}

func (t *boltTable) Name() string { return t.name }

func (t *boltTable) begin(ctx context.Context) error {
	if err := t.store.ensureOpen(); err != nil {
		return err
	}
	return contextErr(ctx)
}

func (t *boltTable) bucketOf(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket(t.bucket)
	if b == nil {
		return nil, fmt.Errorf("tablestore: bucket %q missing", t.name)
	}
	return b, nil
}

func decodeRecord(raw []byte) (boltRecord, map[string]any, error) {
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return boltRecord{}, nil, fmt.Errorf("decode record: %w", err)
	}
	props, err := unmarshalProperties(rec.Properties)
	if err != nil {
		return boltRecord{}, nil, err
	}
	return rec, props, nil
}

func encodeRecord(etag string, props map[string]any) ([]byte, error) {
	propsJSON, err := marshalProperties(props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boltRecord{ETag: etag, Properties: propsJSON})
}

func (t *boltTable) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return Entity{}, err
	}
	if err := t.begin(ctx); err != nil {
		return Entity{}, err
	}

	var e Entity
	err := t.store.db.View(func(tx *bbolt.Tx) error {
		b, err := t.bucketOf(tx)
		if err != nil {
			return err
		}
		raw := b.Get(boltKey(partitionKey, rowKey))
		if raw == nil {
			return ErrNotFound
		}
		rec, props, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		e = Entity{PartitionKey: partitionKey, RowKey: rowKey, ETag: rec.ETag, Properties: props}
		return nil
	})
	if err != nil {
		return Entity{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, err)
	}
	return e, nil
}

func (t *boltTable) Insert(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}
	if err := t.begin(ctx); err != nil {
		return Entity{}, err
	}

	etag := newETag()
	value, err := encodeRecord(etag, e.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	key := boltKey(e.PartitionKey, e.RowKey)
	err = t.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucketOf(tx)
		if err != nil {
			return err
		}
		if b.Get(key) != nil {
			return ErrConflict
		}
		return b.Put(key, value)
	})
	if err != nil {
		return Entity{}, fmt.Errorf("insert %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	e.ETag = etag
	return e, nil
}

// checkETag returns the precondition error for a conditional write.
func checkETag(raw []byte, etag string) error {
	if raw == nil {
		return ErrNotFound
	}
	if etag == ETagAny {
		return nil
	}
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if rec.ETag != etag {
		return ErrPreconditionFailed
	}
	return nil
}

func (t *boltTable) Replace(ctx context.Context, e Entity) (Entity, error) {
	if err := validateEntity(e); err != nil {
		return Entity{}, err
	}
	if e.ETag == "" {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, ErrMissingETag)
	}
	if err := t.begin(ctx); err != nil {
		return Entity{}, err
	}

	etag := newETag()
	value, err := encodeRecord(etag, e.Properties)
	if err != nil {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	key := boltKey(e.PartitionKey, e.RowKey)
	err = t.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucketOf(tx)
		if err != nil {
			return err
		}
		if err := checkETag(b.Get(key), e.ETag); err != nil {
			return err
		}
		return b.Put(key, value)
	})
	if err != nil {
		return Entity{}, fmt.Errorf("replace %s/%s: %w", e.PartitionKey, e.RowKey, err)
	}

	e.ETag = etag
	return e, nil
}

func (t *boltTable) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	if err := validateKeys(partitionKey, rowKey); err != nil {
		return err
	}
	if etag == "" {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, ErrMissingETag)
	}
	if err := t.begin(ctx); err != nil {
		return err
	}

	key := boltKey(partitionKey, rowKey)
	err := t.store.db.Update(func(tx *bbolt.Tx) error {
		b, err := t.bucketOf(tx)
		if err != nil {
			return err
		}
		if err := checkETag(b.Get(key), etag); err != nil {
			return err
		}
		return b.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

// Query walks the bucket in key order from the continuation point and
// filters in memory. Bolt has no expression engine to push filters into.
func (t *boltTable) Query(ctx context.Context, q Query) (Page, error) {
	if err := validateQuery(q); err != nil {
		return Page{}, err
	}
	where, err := normalizeConditions(q.Where)
	if err != nil {
		return Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}
	if err := t.begin(ctx); err != nil {
		return Page{}, err
	}

	limit := pageSize(q)
	page := Page{Entities: []Entity{}}
	err = t.store.db.View(func(tx *bbolt.Tx) error {
		b, err := t.bucketOf(tx)
		if err != nil {
			return err
		}

		c := b.Cursor()
		var k, v []byte
		if q.Continuation != nil {
			k, v = c.Seek(boltKey(q.Continuation.PartitionKey, q.Continuation.RowKey))
		} else {
			k, v = c.First()
		}

		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, props, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !matches(props, where) {
				continue
			}
			pk, rk, err := splitBoltKey(k)
			if err != nil {
				return err
			}
			if len(page.Entities) == limit {
				page.Continuation = &Continuation{PartitionKey: pk, RowKey: rk}
				return nil
			}
			page.Entities = append(page.Entities, Entity{
				PartitionKey: pk,
				RowKey:       rk,
				ETag:         rec.ETag,
				Properties:   project(props, q.Select),
			})
		}
		return nil
	})
	if err != nil {
		return Page{}, fmt.Errorf("query %s: %w", t.name, err)
	}
	return page, nil
}
