package saga

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sagastore/internal/tablestore"
	"github.com/roach88/sagastore/internal/testutil"
)

const orderSaga = "OrderSaga"

func compatConfig() Config {
	cfg := DefaultConfig()
	cfg.CompatibilityMode = true
	return cfg
}

// openStore opens a recording SQLite store in a temp dir.
func openStore(t *testing.T) *testutil.RecordingStore {
	t.Helper()
	return openBackend(t, tablestore.BackendSQLite)
}

func openBackend(t *testing.T, backend string) *testutil.RecordingStore {
	t.Helper()
	inner, err := tablestore.Open(backend, filepath.Join(t.TempDir(), "saga."+backend))
	require.NoError(t, err)
	s := testutil.NewRecordingStore(inner)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachBackend runs fn against a fresh recording store per backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s *testutil.RecordingStore)) {
	t.Helper()
	for _, backend := range []string{tablestore.BackendSQLite, tablestore.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			fn(t, openBackend(t, backend))
		})
	}
}

func sagaTable(t *testing.T, s tablestore.Store, entityType string) tablestore.Table {
	t.Helper()
	table, err := s.Table(context.Background(), TableName(entityType))
	require.NoError(t, err)
	return table
}

// insertLegacyRow writes a primary row the way the older generation did:
// random identifier, no index entry.
func insertLegacyRow(t *testing.T, s tablestore.Store, entityType string, data map[string]any) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := sagaTable(t, s, entityType).Insert(context.Background(), primaryRow(Entity{ID: id, Type: entityType, Data: data}, NoCorrelation))
	require.NoError(t, err)
	return id
}

// countPrimaryRows counts primary rows carrying property = value.
func countPrimaryRows(t *testing.T, s tablestore.Store, entityType, property string, value any) int {
	t.Helper()
	n := 0
	q := tablestore.Query{Where: []tablestore.Condition{tablestore.Equals(property, value)}}
	err := tablestore.ForEach(context.Background(), sagaTable(t, s, entityType), q, func(tablestore.Entity) error {
		n++
		return nil
	})
	require.NoError(t, err)
	return n
}
