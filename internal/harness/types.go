package harness

// Step outcomes. Saga protocol failures use their error code instead
// (RETRY_NEEDED, DUPLICATE_ENTITY, UNSUPPORTED_CORRELATION).
const (
	OutcomeOK                 = "ok"
	OutcomeFound              = "found"
	OutcomeNotFound           = "not_found"
	OutcomePruned             = "pruned"
	OutcomeKept               = "kept"
	OutcomeConflict           = "conflict"
	OutcomePreconditionFailed = "precondition_failed"
	OutcomeCrash              = "crash"
	OutcomeError              = "error"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Outcome string `json:"outcome"`

	// Entity is the identifier the step returned, rendered as "$alias"
	// when it is bound to one.
	Entity string `json:"entity,omitempty"`

	// StoreCalls counts the table store operations the step made.
	StoreCalls int `json:"store_calls"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(event TraceEvent) {
	r.Trace = append(r.Trace, event)
}
