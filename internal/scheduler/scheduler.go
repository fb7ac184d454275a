// Package scheduler drives single workflow runs: it tracks task readiness,
// dispatches ready tasks to a bounded worker pool, collects results, and
// decides run-level completion.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/tasklab/dagrun"
	"github.com/tasklab/dagrun/internal/eventbus"
	"github.com/tasklab/dagrun/internal/retry"
)

// Scheduler implements dagrun.Executor. One Scheduler may serve many runs;
// all per-run state lives in the RunContext and local variables, so
// concurrent runs never interfere.
type Scheduler struct {
	runners    map[string]dagrun.Runner
	maxWorkers int
	retrier    *retry.Controller
	bus        eventbus.EventBus
	logger     *slog.Logger
	metrics    Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxWorkers bounds the number of concurrently executing tasks per run.
func WithMaxWorkers(n int) Option {
	return func(s *Scheduler) {
		s.maxWorkers = n
	}
}

// WithRetryController replaces the default retry controller.
func WithRetryController(c *retry.Controller) Option {
	return func(s *Scheduler) {
		s.retrier = c
	}
}

// WithEventBus attaches a bus for run/task lifecycle events.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a scheduler over the given runner registry.
func New(runners map[string]dagrun.Runner, options ...Option) *Scheduler {
	s := &Scheduler{
		runners:    runners,
		maxWorkers: 5,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if s.retrier == nil {
		s.retrier = retry.NewController(retry.WithLogger(s.logger))
	}
	return s
}

// completion carries one finished dispatch back to the run loop.
type completion struct {
	key      string
	output   map[string]interface{}
	attempts []dagrun.Attempt
	err      error
}

// runState is the readiness bookkeeping for one run. It is touched only by
// the run loop goroutine: workers communicate through the completion channel,
// which makes every "all dependencies satisfied" check serialized and a task
// impossible to dispatch twice even when two dependency completions race.
type runState struct {
	remaining map[string]int  // unsatisfied dependency count per task
	enqueued  map[string]bool // tasks already queued or foreclosed
	inFlight  int
	anyFailed bool
}

// Execute runs the graph to completion and returns the run report. Per-task
// failures are recorded in the report, not returned as an error; the error is
// non-nil only for run-level cancellation or a scheduler defect.
func (s *Scheduler) Execute(ctx context.Context, graph *dagrun.OrderedGraph, run *dagrun.RunContext) (*dagrun.RunReport, error) {
	run.Start()
	s.logger.Info("run started",
		"run_id", run.RunID,
		"workflow", run.Definition.Name,
		"total_tasks", graph.Size(),
		"max_workers", s.maxWorkers)
	s.publishRun(ctx, eventbus.EventRunStarted, run, nil)

	state := &runState{
		remaining: make(map[string]int, graph.Size()),
		enqueued:  make(map[string]bool, graph.Size()),
	}
	for key, count := range graph.DepCount {
		state.remaining[key] = count
	}

	queue := &readyQueue{}
	for _, key := range graph.Roots {
		s.enqueue(queue, graph, run, state, key)
	}

	completions := make(chan completion, graph.Size())
	workers := pool.New().WithMaxGoroutines(s.maxWorkers)

	cancelled := false
	for (queue.Len() > 0 || state.inFlight > 0) && !cancelled {
		for queue.Len() > 0 && ctx.Err() == nil {
			key := queue.pop()
			s.dispatch(ctx, graph, run, key, workers, completions)
			state.inFlight++
		}

		if state.inFlight == 0 {
			// Nothing running and nothing dispatchable: only possible when
			// the context died before the queue drained.
			cancelled = ctx.Err() != nil
			continue
		}

		select {
		case <-ctx.Done():
			cancelled = true
		case done := <-completions:
			state.inFlight--
			s.handleCompletion(ctx, graph, run, state, queue, done)
		}
	}

	// Let in-flight attempts observe cancellation and drain.
	workers.Wait()
	close(completions)

	if cancelled {
		return s.finishCancelled(ctx, run)
	}

	// Drain any completion that raced with the final queue/inFlight check.
	for done := range completions {
		s.handleCompletion(ctx, graph, run, state, queue, done)
	}

	status := dagrun.RunStatusSucceeded
	event := eventbus.EventRunSucceeded
	if state.anyFailed {
		status = dagrun.RunStatusFailed
		event = eventbus.EventRunFailed
	}
	run.Finish(status)
	report := run.Report()
	s.logger.Info("run finished",
		"run_id", run.RunID,
		"workflow", run.Definition.Name,
		"status", status,
		"duration", report.Duration())
	s.publishRun(ctx, event, run, nil)
	return report, nil
}

// Metrics returns a snapshot of the scheduler's execution metrics. Counters
// accumulate across runs.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics.Copy()
}

// ResetMetrics clears the accumulated execution metrics.
func (s *Scheduler) ResetMetrics() {
	s.metrics.reset()
}

// enqueue marks a task ready and queues it exactly once.
func (s *Scheduler) enqueue(queue *readyQueue, graph *dagrun.OrderedGraph, run *dagrun.RunContext, state *runState, key string) {
	if state.enqueued[key] {
		return
	}
	state.enqueued[key] = true
	if res, ok := run.Result(key); ok {
		res.MarkReady()
	}
	// Negate the critical-path depth so long chains dispatch first.
	queue.push(key, -graph.CriticalPath[key])
}

// dispatch hands one ready task to the worker pool. buildInput runs here,
// immediately before dispatch, so every dependency output is final.
func (s *Scheduler) dispatch(ctx context.Context, graph *dagrun.OrderedGraph, run *dagrun.RunContext, key string, workers *pool.Pool, completions chan<- completion) {
	spec := graph.Specs[key]
	runner := s.runners[spec.Type]
	input := s.buildInput(graph, run, spec)

	res, _ := run.Result(key)
	res.MarkRunning()
	s.logger.Debug("task dispatched",
		"run_id", run.RunID,
		"task_key", key,
		"task_type", spec.Type)
	s.publishTask(ctx, eventbus.EventTaskStarted, run, spec, 0, nil)

	workers.Go(func() {
		if runner == nil {
			// The resolver proves every type before execution; reaching this
			// is a defect, not a run-level failure.
			completions <- completion{key: key, err: dagrun.NewInternalError("execution",
				"no runner for validated task type "+spec.Type, nil)}
			return
		}
		output, attempts, err := s.retrier.Run(ctx, spec, runner, input)
		completions <- completion{key: key, output: output, attempts: attempts, err: err}
	})
}

// buildInput constructs the task's input mapping: each declared dependency's
// key maps to that dependency's output. Root tasks receive a copy of the
// run-level input payload. Task code reaches prior outputs solely through
// this mapping.
func (s *Scheduler) buildInput(graph *dagrun.OrderedGraph, run *dagrun.RunContext, spec *dagrun.TaskSpec) map[string]interface{} {
	input := make(map[string]interface{}, len(spec.DependsOn))
	if len(spec.DependsOn) == 0 {
		for k, v := range run.Input {
			input[k] = v
		}
		return input
	}
	for _, dep := range spec.DependsOn {
		if res, ok := run.Result(dep); ok {
			input[dep] = res.Output()
		}
	}
	return input
}

// handleCompletion applies one finished dispatch to the run state: a success
// unlocks dependents, a permanent failure forecloses every transitive
// descendant while sibling branches continue unaffected.
func (s *Scheduler) handleCompletion(ctx context.Context, graph *dagrun.OrderedGraph, run *dagrun.RunContext, state *runState, queue *readyQueue, done completion) {
	spec := graph.Specs[done.key]
	res, _ := run.Result(done.key)

	if done.err == nil {
		res.MarkSucceeded(done.output, done.attempts)
		s.metrics.recordExecuted(res.Duration(), len(done.attempts), true)
		s.logger.Debug("task succeeded",
			"run_id", run.RunID,
			"task_key", done.key,
			"attempts", len(done.attempts),
			"duration", res.Duration())
		s.publishTask(ctx, eventbus.EventTaskSucceeded, run, spec, len(done.attempts), nil)

		for _, dependent := range graph.Dependents[done.key] {
			state.remaining[dependent]--
			if state.remaining[dependent] == 0 {
				s.enqueue(queue, graph, run, state, dependent)
			}
		}
		return
	}

	res.MarkFailed(done.err, done.attempts)
	state.anyFailed = true
	s.metrics.recordExecuted(res.Duration(), len(done.attempts), false)
	s.logger.Warn("task failed permanently",
		"run_id", run.RunID,
		"task_key", done.key,
		"attempts", len(done.attempts),
		"error", done.err)
	s.publishTask(ctx, eventbus.EventTaskFailed, run, spec, len(done.attempts), done.err)

	s.skipDescendants(ctx, graph, run, state, done.key)
}

// skipDescendants marks every transitive dependent of the failed task as
// skipped, recording which ancestor foreclosed it.
func (s *Scheduler) skipDescendants(ctx context.Context, graph *dagrun.OrderedGraph, run *dagrun.RunContext, state *runState, failedKey string) {
	stack := append([]string(nil), graph.Dependents[failedKey]...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		res, ok := run.Result(key)
		if !ok || res.Status().Terminal() {
			continue
		}
		res.MarkSkipped(failedKey, dagrun.NewError(dagrun.ErrCodePermanentFailure, "execution",
			"ancestor task '"+failedKey+"' failed", nil))
		state.enqueued[key] = true // never dispatch a foreclosed task
		s.metrics.recordSkipped()
		s.publishTask(ctx, eventbus.EventTaskSkipped, run, graph.Specs[key], 0, nil)

		stack = append(stack, graph.Dependents[key]...)
	}
}

// finishCancelled forecloses all non-terminal tasks and reports the run as
// cancelled. Results of attempts still completing are discarded.
func (s *Scheduler) finishCancelled(ctx context.Context, run *dagrun.RunContext) (*dagrun.RunReport, error) {
	cause := dagrun.NewRunCancelledError(run.RunID, ctx.Err())
	for _, res := range run.Results() {
		if !res.Status().Terminal() {
			res.MarkSkipped("", cause)
			s.metrics.recordSkipped()
		}
	}
	run.Finish(dagrun.RunStatusCancelled)
	report := run.Report()
	s.logger.Warn("run cancelled",
		"run_id", run.RunID,
		"workflow", run.Definition.Name,
		"duration", report.Duration())
	// The run context is already done; publish with a fresh context so the
	// event is not dropped.
	s.publishRun(context.Background(), eventbus.EventRunCancelled, run, cause)
	return report, cause
}

func (s *Scheduler) publishRun(ctx context.Context, event eventbus.EventType, run *dagrun.RunContext, err error) {
	if s.bus == nil {
		return
	}
	payload := eventbus.RunEvent{
		RunID:    run.RunID,
		Workflow: run.Definition.Name,
		Duration: run.Duration(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if pubErr := s.bus.Publish(ctx, eventbus.NewEvent(event, payload, "scheduler", nil)); pubErr != nil {
		s.logger.Debug("event publish failed", "event_type", event, "error", pubErr)
	}
}

func (s *Scheduler) publishTask(ctx context.Context, event eventbus.EventType, run *dagrun.RunContext, spec *dagrun.TaskSpec, attempts int, err error) {
	if s.bus == nil {
		return
	}
	payload := eventbus.TaskEvent{
		RunID:    run.RunID,
		Workflow: run.Definition.Name,
		TaskKey:  spec.Key,
		TaskType: spec.Type,
		Attempt:  attempts,
	}
	if res, ok := run.Result(spec.Key); ok {
		payload.Duration = res.Duration()
		payload.SkippedBy = res.SkippedBy()
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if pubErr := s.bus.Publish(ctx, eventbus.NewEvent(event, payload, "scheduler", nil)); pubErr != nil {
		s.logger.Debug("event publish failed", "event_type", event, "error", pubErr)
	}
}

// RetryEventPublisher returns a retry callback that surfaces task_retrying
// events through the bus. Wire it into the retry controller when constructing
// a scheduler with both.
func RetryEventPublisher(bus eventbus.EventBus, logger *slog.Logger) func(spec *dagrun.TaskSpec, attempt int, err error) {
	return func(spec *dagrun.TaskSpec, attempt int, err error) {
		payload := eventbus.TaskEvent{
			TaskKey:  spec.Key,
			TaskType: spec.Type,
			Attempt:  attempt,
		}
		if err != nil {
			payload.Error = err.Error()
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if pubErr := bus.Publish(pubCtx, eventbus.NewEvent(eventbus.EventTaskRetrying, payload, "retry", nil)); pubErr != nil {
			logger.Debug("event publish failed", "event_type", eventbus.EventTaskRetrying, "error", pubErr)
		}
	}
}
