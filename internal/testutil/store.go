package testutil

import (
	"context"
	"sync"

	"github.com/roach88/sagastore/internal/tablestore"
)

// Table store operations recorded by RecordingStore.
const (
	OpTable   = "table"
	OpGet     = "get"
	OpInsert  = "insert"
	OpReplace = "replace"
	OpDelete  = "delete"
	OpQuery   = "query"
)

// Call is one recorded table store operation.
type Call struct {
	Op           string
	Table        string
	PartitionKey string
	RowKey       string
}

// FaultFunc decides whether a call fails. Returning a non-nil error makes
// the call fail with it before reaching the wrapped store.
type FaultFunc func(Call) error

// RecordingStore wraps a tablestore.Store, records every operation and
// optionally injects failures.
//
// Use it to assert how many store round trips a code path makes, or to
// simulate a crash between two writes.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RecordingStore struct {
	inner tablestore.Store

	mu    sync.Mutex
	calls []Call
	fault FaultFunc
}

// NewRecordingStore wraps inner.
func NewRecordingStore(inner tablestore.Store) *RecordingStore {
	return &RecordingStore{inner: inner}
}

// Table implements tablestore.Store.
func (s *RecordingStore) Table(ctx context.Context, name string) (tablestore.Table, error) {
	if err := s.record(Call{Op: OpTable, Table: name}); err != nil {
		return nil, err
	}
	t, err := s.inner.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	return &recordingTable{inner: t, store: s}, nil
}

// Close implements tablestore.Store.
func (s *RecordingStore) Close() error {
	return s.inner.Close()
}

// Calls returns a copy of the recorded calls in order.
func (s *RecordingStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Count returns how many calls of op were recorded. An empty op counts
// every call.
func (s *RecordingStore) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls. The fault function is kept.
func (s *RecordingStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// FailWhen installs fn as the fault function. Nil removes it.
func (s *RecordingStore) FailWhen(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// FailOnce makes the first call matching match fail with err, then
// removes itself.
func (s *RecordingStore) FailOnce(match func(Call) bool, err error) {
	var once sync.Once
	s.FailWhen(func(c Call) error {
		if !match(c) {
			return nil
		}
		var fail error
		once.Do(func() { fail = err })
		return fail
	})
}

func (s *RecordingStore) record(c Call) error {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fault := s.fault
	s.mu.Unlock()

	if fault == nil {
		return nil
	}
	return fault(c)
}

type recordingTable struct {
	inner tablestore.Table
	store *RecordingStore
}

func (t *recordingTable) Name() string { return t.inner.Name() }

func (t *recordingTable) Get(ctx context.Context, partitionKey, rowKey string) (tablestore.Entity, error) {
	if err := t.store.record(Call{Op: OpGet, Table: t.inner.Name(), PartitionKey: partitionKey, RowKey: rowKey}); err != nil {
		return tablestore.Entity{}, err
	}
	return t.inner.Get(ctx, partitionKey, rowKey)
}

func (t *recordingTable) Insert(ctx context.Context, e tablestore.Entity) (tablestore.Entity, error) {
	if err := t.store.record(Call{Op: OpInsert, Table: t.inner.Name(), PartitionKey: e.PartitionKey, RowKey: e.RowKey}); err != nil {
		return tablestore.Entity{}, err
	}
	return t.inner.Insert(ctx, e)
}

func (t *recordingTable) Replace(ctx context.Context, e tablestore.Entity) (tablestore.Entity, error) {
	if err := t.store.record(Call{Op: OpReplace, Table: t.inner.Name(), PartitionKey: e.PartitionKey, RowKey: e.RowKey}); err != nil {
		return tablestore.Entity{}, err
	}
	return t.inner.Replace(ctx, e)
}

func (t *recordingTable) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	if err := t.store.record(Call{Op: OpDelete, Table: t.inner.Name(), PartitionKey: partitionKey, RowKey: rowKey}); err != nil {
		return err
	}
	return t.inner.Delete(ctx, partitionKey, rowKey, etag)
}

func (t *recordingTable) Query(ctx context.Context, q tablestore.Query) (tablestore.Page, error) {
	if err := t.store.record(Call{Op: OpQuery, Table: t.inner.Name()}); err != nil {
		return tablestore.Page{}, err
	}
	return t.inner.Query(ctx, q)
}
