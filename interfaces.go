package dagrun

import "context"

// Runner executes tasks of one registered task type. Implementations are
// supplied by the surrounding application; the core only stores and forwards
// config and input payloads.
type Runner interface {
	// Execute performs one task attempt. config is the task's opaque payload
	// from the definition; input maps each declared dependency's key to that
	// dependency's output (root tasks receive the run-level input payload).
	// Implementations must honor ctx cancellation at the attempt boundary.
	Execute(ctx context.Context, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error)

	// Name returns the task type string this runner serves.
	Name() string

	// Validate checks a task's config at validation time, before any task in
	// the workflow executes. Returns nil if the config is acceptable.
	Validate(config map[string]interface{}) error
}

// GraphResolver validates a workflow definition against the registered runner
// types and produces the ordered graph the scheduler executes.
type GraphResolver interface {
	Validate(def *WorkflowDefinition, runners map[string]Runner) (*OrderedGraph, error)
}

// Executor drives a single workflow run to completion.
type Executor interface {
	Execute(ctx context.Context, graph *OrderedGraph, run *RunContext) (*RunReport, error)
}

// ReportStore persists terminal run reports for later retrieval. The engine
// writes every finished report; the surrounding application reads them.
type ReportStore interface {
	Put(ctx context.Context, report *RunReport) error
	Get(ctx context.Context, runID string) (*RunReport, error)
}
