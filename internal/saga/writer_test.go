package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/tablestore"
	"github.com/roach88/sagastore/internal/testutil"
)

func isPrimaryInsert(c testutil.Call) bool {
	return c.Op == testutil.OpInsert && !identity.IsIndexPartition(c.PartitionKey)
}

func isIndexInsert(c testutil.Call) bool {
	return c.Op == testutil.OpInsert && identity.IsIndexPartition(c.PartitionKey)
}

func TestInsert_WritesIndexThenPrimary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		w := NewIndexWriter(s, compatConfig())
		id := uuid.New()
		prop := Correlate("OrderId", "A1")

		got, err := w.Insert(ctx, Entity{ID: id, Type: orderSaga, Data: map[string]any{"Status": "open"}}, prop)
		require.NoError(t, err)
		assert.Equal(t, id, got)

		var inserts []testutil.Call
		for _, c := range s.Calls() {
			if c.Op == testutil.OpInsert {
				inserts = append(inserts, c)
			}
		}
		require.Len(t, inserts, 2)
		assert.True(t, isIndexInsert(inserts[0]), "index entry first")
		assert.Equal(t, id.String(), inserts[1].PartitionKey, "primary row second")

		key, err := indexKeyFor(orderSaga, prop, false)
		require.NoError(t, err)
		table := sagaTable(t, s, orderSaga)

		entry, err := table.Get(ctx, key.Partition, key.Row)
		require.NoError(t, err)
		assert.Equal(t, id.String(), entry.Properties[SagaIDProperty])
		snapshot, err := decodeSnapshot(entry.Properties[SnapshotProperty].(string))
		require.NoError(t, err)
		assert.Equal(t, "open", snapshot["Status"])
		assert.Equal(t, "A1", snapshot["OrderId"])

		row, err := table.Get(ctx, id.String(), id.String())
		require.NoError(t, err)
		assert.Equal(t, key.String(), row.Properties[IndexKeyProperty])
	})
}

func TestInsert_RequiresCorrelationAndID(t *testing.T) {
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig())

	_, err := w.Insert(context.Background(), Entity{ID: uuid.New(), Type: orderSaga}, NoCorrelation)
	assert.True(t, IsUnsupportedCorrelation(err))

	_, err = w.Insert(context.Background(), Entity{Type: orderSaga}, Correlate("OrderId", "A1"))
	assert.Error(t, err)
	assert.Zero(t, s.Count(testutil.OpInsert))
}

func TestInsert_SecondWriterGetsRetryNeeded(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig())
	prop := Correlate("OrderId", "A1")

	first, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.NoError(t, err)

	_, err = w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.True(t, IsRetryNeeded(err), "got %v", err)
	assert.NoError(t, errors.Unwrap(err))

	assert.Equal(t, 1, countPrimaryRows(t, s, orderSaga, "OrderId", "A1"))
	id, found, err := newResolver(t, s, compatConfig()).Resolve(ctx, orderSaga, prop)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first, id)
}

func TestInsert_ConcurrentWritersProduceOneRow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		cfg := compatConfig()
		prop := Correlate("OrderId", "A2")
		ids := []uuid.UUID{uuid.New(), uuid.New()}

		var succeeded, retried atomic.Int32
		var winner atomic.Value
		var g errgroup.Group
		for _, id := range ids {
			w := NewIndexWriter(s, cfg)
			g.Go(func() error {
				got, err := w.Insert(ctx, Entity{ID: id, Type: orderSaga, Data: map[string]any{"Writer": id.String()}}, prop)
				switch {
				case err == nil:
					succeeded.Add(1)
					winner.Store(got)
					return nil
				case IsRetryNeeded(err):
					retried.Add(1)
					return nil
				default:
					return err
				}
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int32(1), succeeded.Load())
		assert.Equal(t, int32(1), retried.Load())
		assert.Equal(t, 1, countPrimaryRows(t, s, orderSaga, "OrderId", "A2"))

		id, found, err := newResolver(t, s, cfg).Resolve(ctx, orderSaga, prop)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, winner.Load(), id)
	})
}

func TestInsert_RecoversPrimaryRowAfterCrash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		cfg := compatConfig()
		prop := Correlate("OrderId", "A3")
		crash := errors.New("process died")

		// The first writer dies after the index entry and before the row.
		s.FailOnce(isPrimaryInsert, crash)
		original := uuid.New()
		_, err := NewIndexWriter(s, cfg).Insert(ctx, Entity{ID: original, Type: orderSaga, Data: map[string]any{"Status": "first"}}, prop)
		require.ErrorIs(t, err, crash)
		s.FailWhen(nil)

		p, err := NewPersister(s, cfg)
		require.NoError(t, err)
		_, found, err := p.Get(ctx, orderSaga, original)
		require.NoError(t, err)
		require.False(t, found, "primary row is missing after the crash")

		// The retried message picks a new identifier, loses on the index and
		// heals the row from the snapshot.
		_, err = NewIndexWriter(s, cfg).Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga, Data: map[string]any{"Status": "second"}}, prop)
		require.True(t, IsRetryNeeded(err), "got %v", err)

		e, found, err := p.GetByProperty(ctx, orderSaga, prop)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, original, e.ID)
		assert.Equal(t, "first", e.Data["Status"])
		assert.Equal(t, 1, countPrimaryRows(t, s, orderSaga, "OrderId", "A3"))
	})
}

func TestInsert_ReusedIdentifierConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		cfg := compatConfig()
		p, err := NewPersister(s, cfg)
		require.NoError(t, err)

		a, err := p.Save(ctx, Entity{Type: orderSaga, Data: map[string]any{"Status": "A"}}, Correlate("OrderId", "A"))
		require.NoError(t, err)

		_, err = p.Save(ctx, Entity{ID: a.ID, Type: orderSaga, Data: map[string]any{"Status": "B"}}, Correlate("OrderId", "B"))
		require.ErrorIs(t, err, tablestore.ErrConflict)
		assert.False(t, IsRetryNeeded(err))

		key, err := indexKeyFor(orderSaga, Correlate("OrderId", "B"), false)
		require.NoError(t, err)
		_, err = sagaTable(t, s, orderSaga).Get(ctx, key.Partition, key.Row)
		require.ErrorIs(t, err, tablestore.ErrNotFound, "index entry for B is withdrawn")

		_, found, err := p.GetByProperty(ctx, orderSaga, Correlate("OrderId", "B"))
		require.NoError(t, err)
		assert.False(t, found)

		got, found, err := p.Get(ctx, orderSaga, a.ID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "A", got.Data["Status"])
		assert.Equal(t, "A", got.Data["OrderId"])
	})
}

func TestInsert_AdoptsRowRecreatedFromOwnSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cfg := compatConfig()
	prop := Correlate("OrderId", "A10")
	id := uuid.New()

	// Another writer heals our row between our index write and our row write.
	s.FailWhen(func(c testutil.Call) error {
		if isPrimaryInsert(c) && c.PartitionKey == id.String() {
			s.FailWhen(nil)
			_, err := NewIndexWriter(s, cfg).Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
			require.True(t, IsRetryNeeded(err), "got %v", err)
		}
		return nil
	})

	got, err := NewIndexWriter(s, cfg).Insert(ctx, Entity{ID: id, Type: orderSaga, Data: map[string]any{"Status": "mine"}}, prop)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, 1, countPrimaryRows(t, s, orderSaga, "OrderId", "A10"))
}

func TestInsert_StoreErrorPropagates(t *testing.T) {
	s := openStore(t)
	boom := errors.New("disk full")
	s.FailOnce(isIndexInsert, boom)

	_, err := NewIndexWriter(s, compatConfig()).Insert(context.Background(), Entity{ID: uuid.New(), Type: orderSaga}, Correlate("OrderId", "A4"))
	require.ErrorIs(t, err, boom)
	assert.False(t, IsRetryNeeded(err))
	assert.Equal(t, 0, countPrimaryRows(t, s, orderSaga, "OrderId", "A4"))
}

func TestInsert_LostRaceReadErrorPropagates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig())
	prop := Correlate("OrderId", "A11")
	_, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	s.FailOnce(func(c testutil.Call) bool {
		return c.Op == testutil.OpGet && identity.IsIndexPartition(c.PartitionKey)
	}, boom)

	_, err = w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.ErrorIs(t, err, boom)
	assert.False(t, IsRetryNeeded(err))
}

func TestInsert_CancelledContext(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	s.FailWhen(func(c testutil.Call) error {
		if isIndexInsert(c) {
			cancel()
		}
		return nil
	})

	_, err := NewIndexWriter(s, compatConfig()).Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, Correlate("OrderId", "A5"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInsert_Metrics(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig(), WithMetrics(m))
	prop := Correlate("OrderId", "A6")

	s.FailOnce(isPrimaryInsert, errors.New("crash"))
	_, err = w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.Error(t, err)
	s.FailWhen(nil)

	_, err = w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.True(t, IsRetryNeeded(err))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.IndexWrites.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.IndexWrites.WithLabelValues(OutcomeRetryNeeded)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.IndexWrites.WithLabelValues(OutcomeRecovered)))
}

func TestPruneSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		cfg := compatConfig()
		w := NewIndexWriter(s, cfg)
		prop := Correlate("OrderId", "A7")

		id, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
		require.NoError(t, err)

		pruned, err := w.PruneSnapshot(ctx, orderSaga, prop)
		require.NoError(t, err)
		assert.True(t, pruned)

		key, err := indexKeyFor(orderSaga, prop, false)
		require.NoError(t, err)
		entry, err := sagaTable(t, s, orderSaga).Get(ctx, key.Partition, key.Row)
		require.NoError(t, err)
		assert.NotContains(t, entry.Properties, SnapshotProperty)
		assert.Equal(t, id.String(), entry.Properties[SagaIDProperty])

		pruned, err = w.PruneSnapshot(ctx, orderSaga, prop)
		require.NoError(t, err)
		assert.False(t, pruned, "nothing left to prune")

		pruned, err = w.PruneSnapshot(ctx, orderSaga, Correlate("OrderId", "missing"))
		require.NoError(t, err)
		assert.False(t, pruned)
	})
}

func TestPruneSnapshot_KeepsOnlyCopy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig())
	prop := Correlate("OrderId", "A8")

	s.FailOnce(isPrimaryInsert, errors.New("crash"))
	_, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.Error(t, err)
	s.FailWhen(nil)

	pruned, err := w.PruneSnapshot(ctx, orderSaga, prop)
	require.NoError(t, err)
	assert.False(t, pruned, "snapshot is kept while the primary row is missing")
}

func TestPruneSnapshot_ConcurrentChangeWins(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	w := NewIndexWriter(s, compatConfig())
	prop := Correlate("OrderId", "A9")
	_, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, prop)
	require.NoError(t, err)

	key, err := indexKeyFor(orderSaga, prop, false)
	require.NoError(t, err)
	s.FailWhen(func(c testutil.Call) error {
		if c.Op == testutil.OpReplace {
			s.FailWhen(nil)
			table := sagaTable(t, s, orderSaga)
			entry, err := table.Get(ctx, key.Partition, key.Row)
			require.NoError(t, err)
			_, err = table.Replace(ctx, entry)
			require.NoError(t, err)
		}
		return nil
	})

	_, err = w.PruneSnapshot(ctx, orderSaga, prop)
	assert.ErrorIs(t, err, tablestore.ErrPreconditionFailed)
}
