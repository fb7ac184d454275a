package dagrun

import (
	"sync"
	"time"
)

// TaskStatus represents the possible states of a task within a run.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates every dependency succeeded and the task is queued.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task is currently executing.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed after exhausting its retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates an ancestor failed (or the run was cancelled)
	// and the task was never dispatched.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Terminal reports whether the status is a final disposition.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// RunStatus represents the overall state of one workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run reached a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// RetryPolicy controls retry and timeout behavior for a single task.
// Zero values fall back to the scheduler defaults.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
	// Timeout bounds each individual attempt.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// TaskSpec is the immutable definition of one DAG node.
type TaskSpec struct {
	// Key uniquely identifies the task within a workflow. Dependents reference
	// it in DependsOn and look up this task's output under the same key.
	Key string `json:"key" yaml:"key"`
	// Type selects the Runner that executes the task.
	Type string `json:"type" yaml:"type"`
	// Config is the runner-specific payload. The core stores and forwards it
	// but never interprets it.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	// DependsOn lists the task keys whose outputs this task consumes.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Retry holds the per-task retry/timeout policy.
	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// WorkflowDefinition is a named, versioned collection of task specs forming a
// directed graph. Definitions are immutable once validated and may be shared
// read-only across concurrent runs.
type WorkflowDefinition struct {
	Name    string     `json:"name" yaml:"name"`
	Version int        `json:"version,omitempty" yaml:"version,omitempty"`
	Tasks   []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpecs returns the definition's tasks keyed by task key. Duplicate keys
// are rejected by the resolver; the last spec wins here.
func (d *WorkflowDefinition) TaskSpecs() map[string]*TaskSpec {
	specs := make(map[string]*TaskSpec, len(d.Tasks))
	for i := range d.Tasks {
		specs[d.Tasks[i].Key] = &d.Tasks[i]
	}
	return specs
}

// OrderedGraph is the resolver's proof that a definition is executable: keys
// are unique, every dependency resolves, every task type has a runner, and the
// dependency relation is acyclic. The scheduler consumes the inverse adjacency
// to propagate readiness incrementally without re-checking any of that at
// runtime.
type OrderedGraph struct {
	// Definition is the validated workflow this graph was derived from.
	Definition *WorkflowDefinition
	// Specs maps task key to its spec.
	Specs map[string]*TaskSpec
	// Dependents maps a task key to the keys that directly depend on it.
	Dependents map[string][]string
	// DepCount maps a task key to the number of its direct dependencies.
	DepCount map[string]int
	// Roots holds the keys with no dependencies, in definition order.
	Roots []string
	// CriticalPath maps a task key to the length of the longest dependent
	// chain below it. Used as a dispatch priority hint.
	CriticalPath map[string]int
}

// Size returns the number of tasks in the graph.
func (g *OrderedGraph) Size() int { return len(g.Specs) }

// Attempt records one execution attempt of a task.
type Attempt struct {
	Number    int       `json:"number" yaml:"number"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
	Err       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// TaskResult is the mutable per-task record inside a RunContext. It persists
// across retry attempts; the final attempt's outcome is authoritative.
type TaskResult struct {
	Key string

	status    TaskStatus
	output    map[string]interface{}
	err       error
	skippedBy string
	startTime time.Time
	endTime   time.Time
	attempts  []Attempt

	mu sync.Mutex
}

// Status returns the task's current status.
func (r *TaskResult) Status() TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Output returns the task's output payload, nil unless the task succeeded.
func (r *TaskResult) Output() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}

// Err returns the task's final error, if any.
func (r *TaskResult) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// SkippedBy returns the key of the failed ancestor that caused this task to
// be skipped, or an empty string.
func (r *TaskResult) SkippedBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skippedBy
}

// Attempts returns a copy of the recorded attempt history.
func (r *TaskResult) Attempts() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Attempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}

// AttemptCount returns the number of attempts recorded so far.
func (r *TaskResult) AttemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// MarkReady transitions the task from pending to ready.
func (r *TaskResult) MarkReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == TaskStatusPending {
		r.status = TaskStatusReady
	}
}

// MarkRunning transitions the task to running, stamping the start time on the
// first transition only.
func (r *TaskResult) MarkRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}
	r.status = TaskStatusRunning
}

// MarkSucceeded records a successful terminal outcome with the task output.
func (r *TaskResult) MarkSucceeded(output map[string]interface{}, attempts []Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = TaskStatusSucceeded
	r.output = output
	r.err = nil
	r.attempts = attempts
	r.endTime = time.Now()
}

// MarkFailed records a permanent failure after retries were exhausted.
func (r *TaskResult) MarkFailed(err error, attempts []Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = TaskStatusFailed
	r.err = err
	r.attempts = attempts
	r.endTime = time.Now()
}

// MarkSkipped records that the task will never execute because the named
// ancestor failed, or because the run was cancelled. Terminal results are
// never overwritten.
func (r *TaskResult) MarkSkipped(cause string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = TaskStatusSkipped
	r.skippedBy = cause
	r.err = err
	r.endTime = time.Now()
}

// Duration returns how long the task has been (or was) executing.
func (r *TaskResult) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startTime.IsZero() {
		return 0
	}
	if r.endTime.IsZero() {
		return time.Since(r.startTime)
	}
	return r.endTime.Sub(r.startTime)
}

// report builds the immutable snapshot of this result.
func (r *TaskResult) report() TaskReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr := TaskReport{
		Key:       r.Key,
		Status:    r.status,
		Output:    r.output,
		SkippedBy: r.skippedBy,
		StartTime: r.startTime,
		EndTime:   r.endTime,
		Attempts:  len(r.attempts),
		History:   make([]Attempt, len(r.attempts)),
	}
	copy(tr.History, r.attempts)
	if r.err != nil {
		tr.Error = r.err.Error()
	}
	return tr
}

// RunContext is the mutable state of one workflow execution instance. It is
// owned by exactly one scheduler invocation for the run's lifetime; callers
// only ever see RunReport snapshots.
type RunContext struct {
	RunID      string
	Definition *WorkflowDefinition
	Input      map[string]interface{}

	results   map[string]*TaskResult
	status    RunStatus
	startTime time.Time
	endTime   time.Time

	mu sync.RWMutex
}

// NewRunContext creates the run state for one execution of a definition.
// input is the optional run-level payload handed to root tasks.
func NewRunContext(runID string, def *WorkflowDefinition, input map[string]interface{}) *RunContext {
	rc := &RunContext{
		RunID:      runID,
		Definition: def,
		Input:      input,
		results:    make(map[string]*TaskResult, len(def.Tasks)),
		status:     RunStatusPending,
	}
	for i := range def.Tasks {
		key := def.Tasks[i].Key
		rc.results[key] = &TaskResult{Key: key, status: TaskStatusPending}
	}
	return rc
}

// Result returns the mutable result record for a task key.
func (rc *RunContext) Result(key string) (*TaskResult, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	res, ok := rc.results[key]
	return res, ok
}

// Results returns the result records keyed by task key. The map itself is a
// copy; the records are shared.
func (rc *RunContext) Results() map[string]*TaskResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]*TaskResult, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

// Status returns the overall run status.
func (rc *RunContext) Status() RunStatus {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.status
}

// Start marks the run as running and stamps its start time.
func (rc *RunContext) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.status == RunStatusPending {
		rc.status = RunStatusRunning
		rc.startTime = time.Now()
	}
}

// Finish moves the run to a terminal status and stamps its end time.
// Finishing an already-terminal run is a no-op.
func (rc *RunContext) Finish(status RunStatus) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.status.Terminal() {
		return
	}
	rc.status = status
	rc.endTime = time.Now()
}

// Duration returns the wall-clock duration of the run so far.
func (rc *RunContext) Duration() time.Duration {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.startTime.IsZero() {
		return 0
	}
	if rc.endTime.IsZero() {
		return time.Since(rc.startTime)
	}
	return rc.endTime.Sub(rc.startTime)
}

// Report produces the snapshot handed to persistence and UI layers.
func (rc *RunContext) Report() *RunReport {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	report := &RunReport{
		RunID:     rc.RunID,
		Workflow:  rc.Definition.Name,
		Version:   rc.Definition.Version,
		Status:    rc.status,
		StartTime: rc.startTime,
		EndTime:   rc.endTime,
		Tasks:     make(map[string]TaskReport, len(rc.results)),
	}
	for key, res := range rc.results {
		report.Tasks[key] = res.report()
	}
	return report
}

// TaskReport is the immutable per-task slice of a RunReport.
type TaskReport struct {
	Key       string                 `json:"key" yaml:"key"`
	Status    TaskStatus             `json:"status" yaml:"status"`
	Output    map[string]interface{} `json:"output,omitempty" yaml:"output,omitempty"`
	Error     string                 `json:"error,omitempty" yaml:"error,omitempty"`
	SkippedBy string                 `json:"skipped_by,omitempty" yaml:"skipped_by,omitempty"`
	StartTime time.Time              `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime   time.Time              `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Attempts  int                    `json:"attempts" yaml:"attempts"`
	History   []Attempt              `json:"history,omitempty" yaml:"history,omitempty"`
}

// RunReport is the terminal snapshot of a run, produced once and immutable.
type RunReport struct {
	RunID     string                `json:"run_id" yaml:"run_id"`
	Workflow  string                `json:"workflow" yaml:"workflow"`
	Version   int                   `json:"version,omitempty" yaml:"version,omitempty"`
	Status    RunStatus             `json:"status" yaml:"status"`
	StartTime time.Time             `json:"start_time" yaml:"start_time"`
	EndTime   time.Time             `json:"end_time" yaml:"end_time"`
	Tasks     map[string]TaskReport `json:"tasks" yaml:"tasks"`
}

// Duration returns the total wall-clock duration of the run.
func (r *RunReport) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
