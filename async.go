package dagrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AsyncRunStatus is the status information for an asynchronous run.
type AsyncRunStatus struct {
	RunID    string        `json:"run_id"`
	Workflow string        `json:"workflow"`
	Status   RunStatus     `json:"status"`
	Duration time.Duration `json:"duration"`
	Done     bool          `json:"done"`
}

// RunAsync validates the workflow synchronously, then starts its execution in
// the background and returns a run ID for status and result lookups. The run
// executes under its own cancellable context; ctx only scopes validation.
func (e *Engine) RunAsync(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (string, error) {
	graph, err := e.Validate(def)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	run := NewRunContext(runID, def, input)

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		run:    run,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.runsMu.Lock()
	e.runs[runID] = handle
	e.runsMu.Unlock()

	go func() {
		defer cancel()

		report, execErr := e.executor.Execute(runCtx, graph, run)
		e.persist(report)

		handle.report = report
		handle.err = execErr
		close(handle.done)
	}()

	return runID, nil
}

// Wait blocks until an asynchronous run finishes or ctx expires, then returns
// its report.
func (e *Engine) Wait(ctx context.Context, runID string) (*RunReport, error) {
	handle, err := e.handle(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-handle.done:
		return handle.report, handle.err
	}
}

// RunStatus retrieves the current status of an asynchronous run.
func (e *Engine) RunStatus(runID string) (*AsyncRunStatus, error) {
	handle, err := e.handle(runID)
	if err != nil {
		return nil, err
	}

	status := handle.run.Status()
	return &AsyncRunStatus{
		RunID:    runID,
		Workflow: handle.run.Definition.Name,
		Status:   status,
		Duration: handle.run.Duration(),
		Done:     status.Terminal(),
	}, nil
}

// RunResult retrieves the report of a finished asynchronous run. It fails if
// the run is still in progress.
func (e *Engine) RunResult(runID string) (*RunReport, error) {
	handle, err := e.handle(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-handle.done:
		return handle.report, handle.err
	default:
		return nil, fmt.Errorf("run '%s' is still in progress (status: %s)", runID, handle.run.Status())
	}
}

// CancelRun requests cooperative cancellation of an in-flight run. Returns
// false when the run already finished.
func (e *Engine) CancelRun(runID string) (bool, error) {
	handle, err := e.handle(runID)
	if err != nil {
		return false, err
	}

	select {
	case <-handle.done:
		return false, nil
	default:
	}

	handle.cancel()
	return true, nil
}

// ListRuns returns the IDs and current statuses of all tracked runs.
func (e *Engine) ListRuns() map[string]RunStatus {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	statuses := make(map[string]RunStatus, len(e.runs))
	for id, handle := range e.runs {
		statuses[id] = handle.run.Status()
	}
	return statuses
}

// CleanupCompletedRuns drops tracked runs that finished more than olderThan
// ago and returns how many were removed. Their reports remain retrievable
// from the report store until the store's TTL expires.
func (e *Engine) CleanupCompletedRuns(olderThan time.Duration) int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	count := 0
	for id, handle := range e.runs {
		select {
		case <-handle.done:
		default:
			continue
		}
		if handle.report != nil && time.Since(handle.report.EndTime) > olderThan {
			delete(e.runs, id)
			count++
		}
	}
	return count
}

// handle looks up the tracking record for a run ID.
func (e *Engine) handle(runID string) (*runHandle, error) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	handle, exists := e.runs[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}
	return handle, nil
}
