package harness

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sagastore/internal/saga"
	"github.com/roach88/sagastore/internal/tablestore"
)

// Scenario defines a saga persistence scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Backend selects the table store. Empty means SQLite.
	Backend string `yaml:"backend,omitempty"`

	// Config is the saga configuration the steps run under.
	Config saga.Config `yaml:"config"`

	// Setup seeds primary rows written by the older generation: random
	// identifier, no index entry.
	Setup []Row `yaml:"setup,omitempty"`

	// Steps run in order against one persister.
	Steps []Step `yaml:"steps"`

	// Assertions check the final table contents.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Row is a seeded primary row.
type Row struct {
	// As binds the row identifier to an alias.
	As string `yaml:"as,omitempty"`

	Type string         `yaml:"type"`
	ID   string         `yaml:"id"`
	Data map[string]any `yaml:"data"`
}

// Step is one persister operation.
type Step struct {
	// Op is one of the Op constants.
	Op string `yaml:"op"`

	// Type is the saga entity type.
	Type string `yaml:"type"`

	// Property and Value form the correlation property. An empty Property
	// means no correlation.
	Property string `yaml:"property,omitempty"`
	Value    any    `yaml:"value,omitempty"`

	// Data is the saga state for save, or the fields merged in by update.
	Data map[string]any `yaml:"data,omitempty"`

	// ID fixes the identifier of a save instead of generating one.
	ID string `yaml:"id,omitempty"`

	// As binds the identifier the step produces to an alias.
	As string `yaml:"as,omitempty"`

	// Entity names the alias a get, update or complete step works on.
	Entity string `yaml:"entity,omitempty"`

	// Crash injects a failure. The only supported value is CrashPrimaryInsert.
	Crash string `yaml:"crash,omitempty"`

	// Expect, if set, is checked against the step's result.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the expected result of a step.
type Expect struct {
	// Outcome is one of the Outcome constants or a saga error code.
	Outcome string `yaml:"outcome,omitempty"`

	// Entity is the alias the returned identifier must be bound to.
	Entity string `yaml:"entity,omitempty"`

	// Data is a subset the returned saga state must contain.
	Data map[string]any `yaml:"data,omitempty"`

	// StoreCalls is the exact number of store operations the step makes.
	StoreCalls *int `yaml:"store_calls,omitempty"`
}

// Assertion checks the final table contents.
type Assertion struct {
	// Type is AssertRowCount or AssertIndexEntry.
	Type string `yaml:"type"`

	EntityType string `yaml:"entity_type"`
	Property   string `yaml:"property"`
	Value      any    `yaml:"value"`

	// Count is the expected number of primary rows (row_count).
	Count *int `yaml:"count,omitempty"`

	// Exists states whether the index entry is present (index_entry).
	Exists *bool `yaml:"exists,omitempty"`

	// Target is the alias the index entry must point at (index_entry).
	Target string `yaml:"target,omitempty"`

	// Snapshot states whether the index entry still carries the primary
	// row snapshot (index_entry).
	Snapshot *bool `yaml:"snapshot,omitempty"`
}

// Step operations.
const (
	OpSave       = "save"
	OpResolve    = "resolve"
	OpGet        = "get"
	OpUpdate     = "update"
	OpComplete   = "complete"
	OpPrune      = "prune"
	OpInvalidate = "invalidate"
)

// Assertion types.
const (
	AssertRowCount   = "row_count"
	AssertIndexEntry = "index_entry"
)

// CrashPrimaryInsert fails the first primary row insert of a step.
const CrashPrimaryInsert = "primary_insert"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Backend {
	case "", tablestore.BackendSQLite, tablestore.BackendBolt:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, row := range s.Setup {
		if row.Type == "" {
			return fmt.Errorf("setup[%d]: type is required", i)
		}
		if _, err := uuid.Parse(row.ID); err != nil {
			return fmt.Errorf("setup[%d]: invalid id %q: %w", i, row.ID, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	if step.Type == "" {
		return fmt.Errorf("steps[%d]: type is required", index)
	}

	switch step.Op {
	case OpSave:
		if step.ID != "" {
			if _, err := uuid.Parse(step.ID); err != nil {
				return fmt.Errorf("steps[%d]: invalid id %q: %w", index, step.ID, err)
			}
		}
	case OpResolve, OpPrune, OpInvalidate:
		if step.Property == "" {
			return fmt.Errorf("steps[%d]: property is required for %s", index, step.Op)
		}
	case OpGet:
		if step.Entity == "" && step.Property == "" {
			return fmt.Errorf("steps[%d]: entity or property is required for get", index)
		}
	case OpUpdate, OpComplete:
		if step.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for %s", index, step.Op)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}

	if step.Crash != "" && step.Crash != CrashPrimaryInsert {
		return fmt.Errorf("steps[%d]: unknown crash %q", index, step.Crash)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.EntityType == "" || a.Property == "" {
		return fmt.Errorf("assertions[%d]: entity_type and property are required", index)
	}

	switch a.Type {
	case AssertRowCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for row_count", index)
		}
	case AssertIndexEntry:
		if a.Exists == nil && a.Target == "" && a.Snapshot == nil {
			return fmt.Errorf("assertions[%d]: index_entry needs exists, target or snapshot", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
