// Package harness runs saga persistence scenarios against a real table
// store.
//
// A scenario is a YAML file naming a backend, a saga configuration, rows to
// seed in the older layout, and a list of steps (save, resolve, get, update,
// complete, prune, invalidate). Each step may carry an expectation on its
// outcome, the entity it returns and the number of store round trips it
// made. Assertions then check the final table contents: how many primary
// rows carry a correlation value and what the secondary index entry holds.
//
// Every scenario runs in a fresh store in its own temporary directory, so
// scenarios are isolated and may run in parallel.
//
// # Identifiers
//
// Random identifiers (compatibility mode saves and uncorrelated saves) are
// generated by the harness before the step runs and bound to the step's
// alias, "step<N>" if none is given. The trace renders any identifier with
// an alias as "$alias", which keeps golden traces stable across runs.
//
// # Crash injection
//
// A step with crash: primary_insert fails the first primary row insert it
// makes with ErrCrash. This leaves the index entry written and the primary
// row missing, the state the write protocol must recover from.
package harness
