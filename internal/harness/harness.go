package harness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"

	"github.com/google/uuid"

	"github.com/roach88/sagastore/internal/identity"
	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
	"github.com/roach88/sagastore/internal/testutil"
)

// ErrCrash is the failure injected by crash: primary_insert.
var ErrCrash = errors.New("harness: injected crash")

// Harness executes one scenario. It tracks aliases so identifiers can be
// referred to by name across steps.
type Harness struct {
	store     *testutil.RecordingStore
	persister *saga.Persister
	config    saga.Config

	aliases  map[uuid.UUID]string
	ids      map[string]uuid.UUID
	entities map[string]saga.Entity
}

// stepOutput is what a step returned, before it is rendered into a trace
// event.
type stepOutput struct {
	outcome string
	id      uuid.UUID
	data    map[string]any
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh store under its own temporary directory.
// opts are passed to the persister, so tests can attach a logger or
// metrics. Run fails only if the store cannot be set up or ctx ends;
// unmet expectations and assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario, opts ...saga.Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "sagastore-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inner, err := tablestore.Open(scenario.Backend, filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	st := testutil.NewRecordingStore(inner)
	defer st.Close()

	persister, err := saga.NewPersister(st, scenario.Config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create persister: %w", err)
	}

	h := &Harness{
		store:     st,
		persister: persister,
		config:    scenario.Config,
		aliases:   make(map[uuid.UUID]string),
		ids:       make(map[string]uuid.UUID),
		entities:  make(map[string]saga.Entity),
	}

	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.executeStep(ctx, i, step, result)
	}

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSetup writes the seeded rows directly, bypassing the persister,
// the way rows created before the index existed look.
func (h *Harness) executeSetup(ctx context.Context, rows []Row) error {
	for i, row := range rows {
		id, err := uuid.Parse(row.ID)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		table, err := h.store.Table(ctx, saga.TableName(row.Type))
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}

		props := make(map[string]any, len(row.Data)+1)
		maps.Copy(props, row.Data)
		props[saga.IDProperty] = id.String()
		if _, err := table.Insert(ctx, tablestore.Entity{
			PartitionKey: id.String(),
			RowKey:       id.String(),
			Properties:   props,
		}); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		h.bind(row.As, id)
	}
	h.store.Reset()
	return nil
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	if step.Crash == CrashPrimaryInsert {
		h.store.FailOnce(isPrimaryInsert(saga.TableName(step.Type)), ErrCrash)
	}
	before := h.store.Count("")
	out, err := h.invoke(ctx, index, step)
	calls := h.store.Count("") - before
	h.store.FailWhen(nil)

	event := TraceEvent{
		Step:       index + 1,
		Op:         step.Op,
		Outcome:    out.outcome,
		StoreCalls: calls,
	}
	if err != nil {
		event.Outcome = outcomeOf(err)
	}
	if out.id != uuid.Nil {
		event.Entity = h.render(out.id)
	}
	result.AddTrace(event)

	if err != nil && (step.Expect == nil || step.Expect.Outcome == "") {
		result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", index, step.Op, err))
	}
	if step.Expect != nil {
		for _, msg := range h.checkExpect(index, step, event, out) {
			result.AddError(msg)
		}
	}
}

func (h *Harness) invoke(ctx context.Context, index int, step Step) (stepOutput, error) {
	prop := correlation(step)

	switch step.Op {
	case OpSave:
		return h.save(ctx, index, step, prop)

	case OpResolve:
		id, found, err := h.persister.Resolver().Resolve(ctx, step.Type, prop)
		if err != nil {
			return stepOutput{}, err
		}
		if !found {
			return stepOutput{outcome: OutcomeNotFound}, nil
		}
		h.bind(step.As, id)
		return stepOutput{outcome: OutcomeFound, id: id}, nil

	case OpGet:
		return h.get(ctx, step, prop)

	case OpUpdate:
		current, err := h.entity(step.Entity)
		if err != nil {
			return stepOutput{}, err
		}
		current.Data = maps.Clone(current.Data)
		if current.Data == nil {
			current.Data = make(map[string]any, len(step.Data))
		}
		maps.Copy(current.Data, step.Data)
		updated, err := h.persister.Update(ctx, current)
		if err != nil {
			return stepOutput{id: current.ID}, err
		}
		h.entities[step.Entity] = updated
		return stepOutput{outcome: OutcomeOK, id: updated.ID, data: updated.Data}, nil

	case OpComplete:
		current, err := h.entity(step.Entity)
		if err != nil {
			return stepOutput{}, err
		}
		if err := h.persister.Complete(ctx, current, prop); err != nil {
			return stepOutput{id: current.ID}, err
		}
		return stepOutput{outcome: OutcomeOK, id: current.ID}, nil

	case OpPrune:
		pruned, err := h.persister.Writer().PruneSnapshot(ctx, step.Type, prop)
		if err != nil {
			return stepOutput{}, err
		}
		if pruned {
			return stepOutput{outcome: OutcomePruned}, nil
		}
		return stepOutput{outcome: OutcomeKept}, nil

	case OpInvalidate:
		if err := h.persister.Resolver().Invalidate(step.Type, prop); err != nil {
			return stepOutput{}, err
		}
		return stepOutput{outcome: OutcomeOK}, nil

	default:
		return stepOutput{}, fmt.Errorf("unknown op %q", step.Op)
	}
}

// save picks the identifier the way a caller of the persister would: random
// unless the identifier is derived from the correlation value.
func (h *Harness) save(ctx context.Context, index int, step Step, prop saga.CorrelationProperty) (stepOutput, error) {
	entity := saga.Entity{Type: step.Type, Data: maps.Clone(step.Data)}
	alias := step.As

	switch {
	case step.ID != "":
		id, err := uuid.Parse(step.ID)
		if err != nil {
			return stepOutput{}, err
		}
		entity.ID = id
	case prop.IsNone() || h.config.CompatibilityMode:
		entity.ID = uuid.New()
		if alias == "" {
			alias = fmt.Sprintf("step%d", index+1)
		}
	}
	if entity.ID != uuid.Nil {
		h.bind(alias, entity.ID)
	}

	saved, err := h.persister.Save(ctx, entity, prop)
	if err != nil {
		return stepOutput{id: entity.ID}, err
	}
	h.bind(alias, saved.ID)
	if alias != "" {
		h.entities[alias] = saved
	}
	return stepOutput{outcome: OutcomeOK, id: saved.ID, data: saved.Data}, nil
}

func (h *Harness) get(ctx context.Context, step Step, prop saga.CorrelationProperty) (stepOutput, error) {
	var (
		e     saga.Entity
		found bool
		err   error
	)
	alias := step.As
	if step.Entity != "" {
		id, ok := h.ids[step.Entity]
		if !ok {
			return stepOutput{}, fmt.Errorf("unknown entity alias %q", step.Entity)
		}
		alias = step.Entity
		e, found, err = h.persister.Get(ctx, step.Type, id)
	} else {
		e, found, err = h.persister.GetByProperty(ctx, step.Type, prop)
	}
	if err != nil {
		return stepOutput{}, err
	}
	if !found {
		return stepOutput{outcome: OutcomeNotFound}, nil
	}

	h.bind(alias, e.ID)
	if alias == "" {
		alias = h.aliases[e.ID]
	}
	if alias != "" {
		h.entities[alias] = e
	}
	return stepOutput{outcome: OutcomeFound, id: e.ID, data: e.Data}, nil
}

// entity returns the last loaded state bound to alias.
func (h *Harness) entity(alias string) (saga.Entity, error) {
	e, ok := h.entities[alias]
	if !ok {
		return saga.Entity{}, fmt.Errorf("no loaded entity for alias %q", alias)
	}
	return e, nil
}

// bind records alias for id. The first alias given to an identifier is the
// one the trace renders.
func (h *Harness) bind(alias string, id uuid.UUID) {
	if alias == "" || id == uuid.Nil {
		return
	}
	h.ids[alias] = id
	if _, ok := h.aliases[id]; !ok {
		h.aliases[id] = alias
	}
}

func (h *Harness) render(id uuid.UUID) string {
	if alias, ok := h.aliases[id]; ok {
		return "$" + alias
	}
	return id.String()
}

func (h *Harness) checkExpect(index int, step Step, event TraceEvent, out stepOutput) []string {
	exp := step.Expect
	var errs []string
	prefix := fmt.Sprintf("steps[%d] %s", index, step.Op)

	if exp.Outcome != "" && exp.Outcome != event.Outcome {
		errs = append(errs, fmt.Sprintf("%s: expected outcome %q, got %q", prefix, exp.Outcome, event.Outcome))
	}

	if exp.Entity != "" {
		want, ok := h.ids[exp.Entity]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("%s: unknown entity alias %q", prefix, exp.Entity))
		case out.id != want:
			errs = append(errs, fmt.Sprintf("%s: expected entity $%s, got %q", prefix, exp.Entity, event.Entity))
		}
	}

	for k, want := range exp.Data {
		got, ok := out.data[k]
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: data field %q missing", prefix, k))
			continue
		}
		if !valuesEqual(got, want) {
			errs = append(errs, fmt.Sprintf("%s: data field %q: expected %v, got %v", prefix, k, want, got))
		}
	}

	if exp.StoreCalls != nil && *exp.StoreCalls != event.StoreCalls {
		errs = append(errs, fmt.Sprintf("%s: expected %d store calls, got %d", prefix, *exp.StoreCalls, event.StoreCalls))
	}
	return errs
}

func correlation(step Step) saga.CorrelationProperty {
	if step.Property == "" {
		return saga.NoCorrelation
	}
	return saga.Correlate(step.Property, step.Value)
}

func isPrimaryInsert(table string) func(testutil.Call) bool {
	return func(c testutil.Call) bool {
		return c.Op == testutil.OpInsert && c.Table == table && !identity.IsIndexPartition(c.PartitionKey)
	}
}

// outcomeOf maps a step error to its trace outcome.
func outcomeOf(err error) string {
	var sagaErr *saga.Error
	switch {
	case errors.As(err, &sagaErr):
		return string(sagaErr.Code)
	case errors.Is(err, ErrCrash):
		return OutcomeCrash
	case errors.Is(err, tablestore.ErrPreconditionFailed):
		return OutcomePreconditionFailed
	case errors.Is(err, tablestore.ErrConflict):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// valuesEqual compares stored and expected values by canonical form, so an
// int from YAML equals the json.Number read back from the store.
func valuesEqual(a, b any) bool {
	sa, errA := identity.SerializeValue(a)
	sb, errB := identity.SerializeValue(b)
	if errA == nil && errB == nil {
		return sa == sb
	}
	return reflect.DeepEqual(a, b)
}
