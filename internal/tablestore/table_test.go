package tablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")

		inserted := createTestEntity(t, tbl, "p1", "r1", map[string]any{
			"OrderId": "A1",
			"Count":   3,
			"Shipped": true,
		})
		assert.NotEmpty(t, inserted.ETag)

		got, err := tbl.Get(ctx, "p1", "r1")
		require.NoError(t, err)
		assert.Equal(t, inserted.ETag, got.ETag)
		assert.Equal(t, "A1", got.Properties["OrderId"])
		assert.Equal(t, json.Number("3"), got.Properties["Count"])
		assert.Equal(t, true, got.Properties["Shipped"])
	})
}

func TestTable_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		tbl := createTestTable(t, s, "OrderSaga")

		_, err := tbl.Get(context.Background(), "nope", "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTable_InsertConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		createTestEntity(t, tbl, "p1", "r1", map[string]any{"v": 1})

		_, err := tbl.Insert(ctx, Entity{PartitionKey: "p1", RowKey: "r1", Properties: map[string]any{"v": 2}})
		require.ErrorIs(t, err, ErrConflict)

		got, err := tbl.Get(ctx, "p1", "r1")
		require.NoError(t, err)
		assert.Equal(t, json.Number("1"), got.Properties["v"], "losing insert must not overwrite")
	})
}

func TestTable_TablesAreIsolated(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		orders := createTestTable(t, s, "OrderSaga")
		invoices := createTestTable(t, s, "InvoiceSaga")
		createTestEntity(t, orders, "p1", "r1", nil)

		_, err := invoices.Get(ctx, "p1", "r1")
		require.ErrorIs(t, err, ErrNotFound)
		createTestEntity(t, invoices, "p1", "r1", nil)
	})
}

func TestTable_ReplaceWithETag(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		e := createTestEntity(t, tbl, "p1", "r1", map[string]any{"v": 1})

		e.Properties = map[string]any{"v": 2}
		updated, err := tbl.Replace(ctx, e)
		require.NoError(t, err)
		assert.NotEqual(t, e.ETag, updated.ETag, "every write issues a new etag")

		// The old etag is now stale.
		_, err = tbl.Replace(ctx, e)
		require.ErrorIs(t, err, ErrPreconditionFailed)

		got, err := tbl.Get(ctx, "p1", "r1")
		require.NoError(t, err)
		assert.Equal(t, json.Number("2"), got.Properties["v"])
		assert.Equal(t, updated.ETag, got.ETag)
	})
}

func TestTable_ReplaceWildcardAndMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		createTestEntity(t, tbl, "p1", "r1", map[string]any{"v": 1})

		_, err := tbl.Replace(ctx, Entity{PartitionKey: "p1", RowKey: "r1", ETag: ETagAny, Properties: map[string]any{"v": 5}})
		require.NoError(t, err)

		_, err = tbl.Replace(ctx, Entity{PartitionKey: "p2", RowKey: "r1", ETag: ETagAny})
		require.ErrorIs(t, err, ErrNotFound)

		_, err = tbl.Replace(ctx, Entity{PartitionKey: "p1", RowKey: "r1"})
		require.ErrorIs(t, err, ErrMissingETag)
	})
}

func TestTable_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		e := createTestEntity(t, tbl, "p1", "r1", nil)

		require.ErrorIs(t, tbl.Delete(ctx, "p1", "r1", "stale"), ErrPreconditionFailed)
		require.ErrorIs(t, tbl.Delete(ctx, "p1", "r1", ""), ErrMissingETag)
		require.NoError(t, tbl.Delete(ctx, "p1", "r1", e.ETag))
		require.ErrorIs(t, tbl.Delete(ctx, "p1", "r1", ETagAny), ErrNotFound)

		_, err := tbl.Get(ctx, "p1", "r1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTable_QueryFiltersAndProjects(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		createTestEntity(t, tbl, "a", "a", map[string]any{"OrderId": "A1", "Id": "a", "Total": 10})
		createTestEntity(t, tbl, "b", "b", map[string]any{"OrderId": "A2", "Id": "b", "Total": 20})
		createTestEntity(t, tbl, "c", "c", map[string]any{"OrderId": "A1", "Id": "c", "Total": 30})
		createTestEntity(t, tbl, "d", "d", map[string]any{"SagaId": "x"})

		page, err := tbl.Query(ctx, Query{
			Where:  []Condition{Equals("OrderId", "A1")},
			Select: []string{"Id"},
		})
		require.NoError(t, err)
		require.Nil(t, page.Continuation)
		require.Len(t, page.Entities, 2)

		assert.Equal(t, "a", page.Entities[0].PartitionKey)
		assert.Equal(t, "c", page.Entities[1].PartitionKey)
		assert.Equal(t, map[string]any{"Id": "c"}, page.Entities[1].Properties)
		assert.NotEmpty(t, page.Entities[1].ETag)
	})
}

func TestTable_QueryTypedEquality(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		createTestEntity(t, tbl, "int", "r", map[string]any{"V": 42})
		createTestEntity(t, tbl, "str", "r", map[string]any{"V": "42"})
		createTestEntity(t, tbl, "obj", "r", map[string]any{"V": map[string]any{"x": 42}})
		createTestEntity(t, tbl, "yes", "r", map[string]any{"Flag": true})
		createTestEntity(t, tbl, "one", "r", map[string]any{"Flag": 1})
		createTestEntity(t, tbl, "no", "r", map[string]any{"Flag": false})

		byInt, err := tbl.Query(ctx, Query{Where: []Condition{Equals("V", 42)}})
		require.NoError(t, err)
		require.Len(t, byInt.Entities, 1)
		assert.Equal(t, "int", byInt.Entities[0].PartitionKey)

		byString, err := tbl.Query(ctx, Query{Where: []Condition{Equals("V", "42")}})
		require.NoError(t, err)
		require.Len(t, byString.Entities, 1)
		assert.Equal(t, "str", byString.Entities[0].PartitionKey)

		byBool, err := tbl.Query(ctx, Query{Where: []Condition{Equals("Flag", true)}})
		require.NoError(t, err)
		require.Len(t, byBool.Entities, 1)
		assert.Equal(t, "yes", byBool.Entities[0].PartitionKey)

		byFalse, err := tbl.Query(ctx, Query{Where: []Condition{Equals("Flag", false)}})
		require.NoError(t, err)
		require.Len(t, byFalse.Entities, 1)
		assert.Equal(t, "no", byFalse.Entities[0].PartitionKey)

		byOne, err := tbl.Query(ctx, Query{Where: []Condition{Equals("Flag", 1)}})
		require.NoError(t, err)
		require.Len(t, byOne.Entities, 1, "an integer never matches a boolean")
		assert.Equal(t, "one", byOne.Entities[0].PartitionKey)
	})
}

func TestTable_QueryPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		for i := 0; i < 7; i++ {
			createTestEntity(t, tbl, fmt.Sprintf("p%02d", i), "r", map[string]any{"Kind": "order"})
		}
		createTestEntity(t, tbl, "p99", "r", map[string]any{"Kind": "other"})

		q := Query{Where: []Condition{Equals("Kind", "order")}, Limit: 3}

		var seen []string
		err := ForEach(ctx, tbl, q, func(e Entity) error {
			seen = append(seen, e.PartitionKey)
			return nil
		})
		require.NoError(t, err)

		pages := 0
		for {
			page, err := tbl.Query(ctx, q)
			require.NoError(t, err)
			pages++
			if page.Continuation == nil {
				break
			}
			q.Continuation = page.Continuation
		}

		assert.Equal(t, []string{"p00", "p01", "p02", "p03", "p04", "p05", "p06"}, seen)
		assert.Equal(t, 3, pages)
	})
}

func TestTable_ForEachStopsOnCallbackError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		tbl := createTestTable(t, s, "OrderSaga")
		createTestEntity(t, tbl, "a", "r", nil)
		createTestEntity(t, tbl, "b", "r", nil)

		stop := fmt.Errorf("stop")
		calls := 0
		err := ForEach(context.Background(), tbl, Query{Limit: 1}, func(Entity) error {
			calls++
			return stop
		})
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}

func TestTable_Validation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Table(ctx, "no")
		require.ErrorIs(t, err, ErrInvalidTableName)
		_, err = s.Table(ctx, "Order-Saga")
		require.ErrorIs(t, err, ErrInvalidTableName)

		tbl := createTestTable(t, s, "OrderSaga")
		_, err = tbl.Insert(ctx, Entity{PartitionKey: "a\x00b", RowKey: "r"})
		require.ErrorIs(t, err, ErrInvalidKey)
		_, err = tbl.Insert(ctx, Entity{PartitionKey: "p", RowKey: "r", Properties: map[string]any{"bad name": 1}})
		require.ErrorIs(t, err, ErrInvalidProperty)
		_, err = tbl.Query(ctx, Query{Where: []Condition{Equals("x; DROP", 1)}})
		require.ErrorIs(t, err, ErrInvalidProperty)
		_, err = tbl.Query(ctx, Query{Where: []Condition{Equals("V", []string{"x"})}})
		require.ErrorIs(t, err, ErrInvalidProperty)
	})
}

func TestTable_KeysWithDelimiters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tbl := createTestTable(t, s, "OrderSaga")
		pk := `Index_OrderSaga_OrderId_"a#b\\c/d?"`

		createTestEntity(t, tbl, pk, pk, map[string]any{"SagaId": "x"})
		got, err := tbl.Get(ctx, pk, pk)
		require.NoError(t, err)
		assert.Equal(t, pk, got.PartitionKey)
	})
}

func TestTable_CancelledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		tbl := createTestTable(t, s, "OrderSaga")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := tbl.Insert(ctx, Entity{PartitionKey: "p", RowKey: "r"})
		require.ErrorIs(t, err, context.Canceled)
	})
}
