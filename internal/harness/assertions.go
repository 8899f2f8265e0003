package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// evaluateAssertions runs every assertion and returns the failure messages.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRowCount:
			err = h.assertRowCount(ctx, a)
		case AssertIndexEntry:
			err = h.assertIndexEntry(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertRowCount counts primary rows carrying property = value. Index
// entries share the table and are skipped.
func (h *Harness) assertRowCount(ctx context.Context, a Assertion) error {
	table, err := h.store.Table(ctx, saga.TableName(a.EntityType))
	if err != nil {
		return err
	}

	n := 0
	q := tablestore.Query{Where: []tablestore.Condition{tablestore.Equals(a.Property, a.Value)}}
	err = tablestore.ForEach(ctx, table, q, func(e tablestore.Entity) error {
		if !identity.IsIndexPartition(e.PartitionKey) {
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if n != *a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows with %s = %v", *a.Count, a.Property, a.Value),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// assertIndexEntry reads the index entry for property = value under the
// scenario's key layout.
func (h *Harness) assertIndexEntry(ctx context.Context, a Assertion) error {
	key, err := h.persister.Resolver().IndexKey(a.EntityType, saga.Correlate(a.Property, a.Value))
	if err != nil {
		return err
	}
	table, err := h.store.Table(ctx, saga.TableName(a.EntityType))
	if err != nil {
		return err
	}

	entry, err := table.Get(ctx, key.Partition, key.Row)
	exists := err == nil
	if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
		return err
	}

	if a.Exists != nil && *a.Exists != exists {
		return &AssertionError{
			Type:     AssertIndexEntry,
			Expected: fmt.Sprintf("exists=%t for %s", *a.Exists, key),
			Actual:   fmt.Sprintf("exists=%t", exists),
		}
	}
	if !exists {
		if a.Target != "" || a.Snapshot != nil {
			return &AssertionError{
				Type:     AssertIndexEntry,
				Expected: fmt.Sprintf("entry for %s", key),
				Actual:   "no entry",
			}
		}
		return nil
	}

	if a.Target != "" {
		want, ok := h.ids[a.Target]
		if !ok {
			return fmt.Errorf("unknown target alias %q", a.Target)
		}
		got, _ := entry.Properties[saga.SagaIDProperty].(string)
		if got != want.String() {
			return &AssertionError{
				Type:     AssertIndexEntry,
				Expected: fmt.Sprintf("target $%s (%s)", a.Target, want),
				Actual:   got,
			}
		}
	}

	if a.Snapshot != nil {
		_, has := entry.Properties[saga.SnapshotProperty]
		if has != *a.Snapshot {
			return &AssertionError{
				Type:     AssertIndexEntry,
				Expected: fmt.Sprintf("snapshot=%t", *a.Snapshot),
				Actual:   fmt.Sprintf("snapshot=%t", has),
			}
		}
	}
	return nil
}
