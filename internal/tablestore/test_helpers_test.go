package tablestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// forEachBackend runs fn against a fresh store for every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for _, backend := range []string{BackendSQLite, BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test."+backend)
			s, err := Open(backend, path)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

// createTestTable opens the named table or fails the test.
func createTestTable(t *testing.T, s Store, name string) Table {
	t.Helper()
	tbl, err := s.Table(context.Background(), name)
	require.NoError(t, err)
	return tbl
}

// createTestEntity inserts a row with the given properties.
func createTestEntity(t *testing.T, tbl Table, pk, rk string, props map[string]any) Entity {
	t.Helper()
	e, err := tbl.Insert(context.Background(), Entity{PartitionKey: pk, RowKey: rk, Properties: props})
	require.NoError(t, err)
	return e
}
