package saga

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/tablestore"
	"github.com/roach88/sagastore/internal/testutil"
)

func newResolver(t *testing.T, s tablestore.Store, cfg Config, opts ...Option) *Resolver {
	t.Helper()
	r, err := NewResolver(s, cfg, opts...)
	require.NoError(t, err)
	return r
}

func TestResolve_DeterministicMakesNoStoreCalls(t *testing.T) {
	s := openStore(t)
	r := newResolver(t, s, DefaultConfig())

	id, found, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", "A1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uuid.MustParse("84f81f1d-151f-10ee-682e-96a6f558ca12"), id)
	assert.Equal(t, identity.MustGenerateFor(orderSaga, "OrderId", "A1"), id)
	assert.Zero(t, s.Count(""), "deterministic resolution never touches the store")

	again, _, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", "A1"))
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestResolve_NoCorrelationIsUnsupported(t *testing.T) {
	for _, cfg := range []Config{DefaultConfig(), compatConfig()} {
		s := openStore(t)
		r := newResolver(t, s, cfg)

		_, found, err := r.Resolve(context.Background(), orderSaga, NoCorrelation)
		assert.True(t, IsUnsupportedCorrelation(err))
		assert.False(t, found)
		assert.Zero(t, s.Count(""))
	}
}

func TestResolve_UnserializableValue(t *testing.T) {
	r := newResolver(t, openStore(t), DefaultConfig())

	_, _, err := r.Resolve(context.Background(), orderSaga, Correlate("Total", 1.5))
	assert.Error(t, err)
}

func TestResolve_ScanSingleMatchPopulatesCache(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "B7"})
	r := newResolver(t, s, compatConfig())
	s.Reset()

	got, found, err := r.Resolve(ctx, orderSaga, Correlate("OrderId", "B7"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)
	assert.Equal(t, 1, s.Count(testutil.OpGet), "index point read")
	assert.GreaterOrEqual(t, s.Count(testutil.OpQuery), 1, "scan fallback")

	s.Reset()
	got, found, err = r.Resolve(ctx, orderSaga, Correlate("OrderId", "B7"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)
	assert.Zero(t, s.Count(""), "second lookup is served from the cache")
}

func TestResolve_IndexHitPopulatesCache(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		ctx := context.Background()
		cfg := compatConfig()
		w := NewIndexWriter(s, cfg)
		id, err := w.Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, Correlate("OrderId", "C3"))
		require.NoError(t, err)

		r := newResolver(t, s, cfg)
		s.Reset()

		got, found, err := r.Resolve(ctx, orderSaga, Correlate("OrderId", "C3"))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, id, got)
		assert.Zero(t, s.Count(testutil.OpQuery), "index hit never scans")
		assert.Equal(t, 1, r.Cache().Len())
	})
}

func TestResolve_NotFound(t *testing.T) {
	s := openStore(t)
	insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "other"})
	r := newResolver(t, s, compatConfig())

	_, found, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", "missing"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, r.Cache().Len(), "misses are not cached")
}

func TestResolve_AssumeIndicesExistNeverScans(t *testing.T) {
	s := openStore(t)
	insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "B7"})
	cfg := compatConfig()
	cfg.AssumeSecondaryIndicesExist = true
	r := newResolver(t, s, cfg)
	s.Reset()

	_, found, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", "B7"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, s.Count(testutil.OpQuery))
}

func TestResolve_DuplicateScanMatches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *testutil.RecordingStore) {
		a := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "D1"})
		b := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "D1"})
		r := newResolver(t, s, compatConfig())

		_, found, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", "D1"))
		require.Error(t, err)
		assert.True(t, IsDuplicateEntity(err))
		assert.False(t, found)

		matches := DuplicateMatches(err)
		assert.ElementsMatch(t, []uuid.UUID{a, b}, matches)
		assert.Equal(t, -1, compareUUID(matches[0], matches[1]), "matches are sorted")
		assert.Zero(t, r.Cache().Len(), "duplicates are never cached")
	})
}

func TestResolve_ScanFollowsPages(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 5; i++ {
		insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": i})
	}
	want := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": 42})
	cfg := compatConfig()
	cfg.ScanPageSize = 1
	r := newResolver(t, s, cfg)

	got, found, err := r.Resolve(context.Background(), orderSaga, Correlate("OrderId", 42))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestResolve_InvalidateForcesRequery(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "E5"})
	r := newResolver(t, s, compatConfig())
	prop := Correlate("OrderId", "E5")

	_, _, err := r.Resolve(ctx, orderSaga, prop)
	require.NoError(t, err)

	require.NoError(t, r.Invalidate(orderSaga, prop))
	s.Reset()

	_, found, err := r.Resolve(ctx, orderSaga, prop)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, s.Count(testutil.OpGet), "invalidated key goes back to the index")
}

func TestResolve_InvalidateUnsupported(t *testing.T) {
	r := newResolver(t, openStore(t), compatConfig())
	assert.True(t, IsUnsupportedCorrelation(r.Invalidate(orderSaga, NoCorrelation)))
}

func TestResolve_LegacyRowKeyReadsMirroredEntries(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cfg := compatConfig()
	cfg.LegacyRowKey = true
	cfg.AssumeSecondaryIndicesExist = true

	id, err := NewIndexWriter(s, cfg).Insert(ctx, Entity{ID: uuid.New(), Type: orderSaga}, Correlate("OrderId", "L1"))
	require.NoError(t, err)

	key, err := newResolver(t, s, cfg).IndexKey(orderSaga, Correlate("OrderId", "L1"))
	require.NoError(t, err)
	assert.Equal(t, key.Partition, key.Row)

	got, found, err := newResolver(t, s, cfg).Resolve(ctx, orderSaga, Correlate("OrderId", "L1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)

	cfg.LegacyRowKey = false
	_, found, err = newResolver(t, s, cfg).Resolve(ctx, orderSaga, Correlate("OrderId", "L1"))
	require.NoError(t, err)
	assert.False(t, found, "hashed layout does not see mirrored entries")
}

func TestResolve_MaterializeIndexOnScan(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	id := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "M1"})
	cfg := compatConfig()
	cfg.MaterializeIndexOnScan = true

	got, found, err := newResolver(t, s, cfg).Resolve(ctx, orderSaga, Correlate("OrderId", "M1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	// A fresh resolver that trusts the index now finds the entry.
	cfg.AssumeSecondaryIndicesExist = true
	fresh := newResolver(t, s, cfg)
	s.Reset()
	got, found, err = fresh.Resolve(ctx, orderSaga, Correlate("OrderId", "M1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)
	assert.Zero(t, s.Count(testutil.OpQuery))
}

func TestResolve_MaterializeConflictIsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	scanned := insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "M2"})
	cfg := compatConfig()
	cfg.MaterializeIndexOnScan = true
	r := newResolver(t, s, cfg)
	key, err := r.IndexKey(orderSaga, Correlate("OrderId", "M2"))
	require.NoError(t, err)

	// Another writer creates an index entry for a different entity between
	// our index read and our materializing write.
	other := uuid.New()
	s.FailWhen(func(c testutil.Call) error {
		if c.Op == testutil.OpQuery {
			s.FailWhen(nil)
			_, err := sagaTable(t, s, orderSaga).Insert(ctx, tablestore.Entity{
				PartitionKey: key.Partition,
				RowKey:       key.Row,
				Properties:   map[string]any{SagaIDProperty: other.String()},
			})
			require.NoError(t, err)
		}
		return nil
	})

	_, found, err := r.Resolve(ctx, orderSaga, Correlate("OrderId", "M2"))
	assert.False(t, found)
	require.True(t, IsDuplicateEntity(err), "got %v", err)
	assert.ElementsMatch(t, []uuid.UUID{scanned, other}, DuplicateMatches(err))
}

func TestResolve_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	s := openStore(t)
	insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": "P1"})
	r := newResolver(t, s, compatConfig(), WithMetrics(m))

	for i := 0; i < 2; i++ {
		_, _, err := r.Resolve(ctx, orderSaga, Correlate("OrderId", "P1"))
		require.NoError(t, err)
	}
	_, _, err = r.Resolve(ctx, orderSaga, Correlate("OrderId", "none"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Resolutions.WithLabelValues(SourceScan)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Resolutions.WithLabelValues(SourceCache)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Resolutions.WithLabelValues(SourceNotFound)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ScanMatches))
}

func TestResolve_CacheEvictionMetric(t *testing.T) {
	ctx := context.Background()
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	s := openStore(t)
	for _, v := range []string{"a", "b", "c"} {
		insertLegacyRow(t, s, orderSaga, map[string]any{"OrderId": v})
	}
	cfg := compatConfig()
	cfg.CacheSize = 2
	r := newResolver(t, s, cfg, WithMetrics(m))

	for _, v := range []string{"a", "b", "c"} {
		_, found, err := r.Resolve(ctx, orderSaga, Correlate("OrderId", v))
		require.NoError(t, err)
		require.True(t, found)
	}
	assert.Equal(t, 2, r.Cache().Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.CacheEvictions))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	second.ScanMatches.Add(3)
	assert.Equal(t, 3.0, promtest.ToFloat64(first.ScanMatches))
}
