package dagrun_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tasklab/dagrun"
	"github.com/tasklab/dagrun/internal/eventbus"
	"github.com/tasklab/dagrun/internal/graph"
	"github.com/tasklab/dagrun/internal/retry"
	"github.com/tasklab/dagrun/internal/scheduler"
	"github.com/tasklab/dagrun/internal/store"
)

type testRunner struct {
	fn func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error)
}

func (r *testRunner) Name() string { return "test" }

func (r *testRunner) Validate(config map[string]interface{}) error { return nil }

func (r *testRunner) Execute(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
	if r.fn == nil {
		return map[string]interface{}{}, nil
	}
	return r.fn(ctx, config, input)
}

func task(key string, deps ...string) dagrun.TaskSpec {
	return dagrun.TaskSpec{
		Key:       key,
		Type:      "test",
		Config:    map[string]interface{}{"key": key},
		DependsOn: deps,
		Retry:     dagrun.RetryPolicy{MaxRetries: -1, RetryDelay: time.Millisecond, Timeout: time.Second},
	}
}

func definition(tasks ...dagrun.TaskSpec) *dagrun.WorkflowDefinition {
	return &dagrun.WorkflowDefinition{Name: "pipeline", Version: 1, Tasks: tasks}
}

// newEngine wires a full engine around the given runner, mirroring production
// composition. The returned store lets tests assert on persisted reports.
func newEngine(t *testing.T, runner dagrun.Runner, options ...dagrun.Option) (*dagrun.Engine, *store.MemoryStore) {
	t.Helper()

	runners := map[string]dagrun.Runner{runner.Name(): runner}
	retrier := retry.NewController(
		retry.WithDefaultRetryDelay(time.Millisecond),
		retry.WithDefaultTimeout(time.Second),
	)
	reportStore := store.NewMemoryStore(time.Minute, nil)
	t.Cleanup(reportStore.Close)

	base := []dagrun.Option{
		dagrun.WithResolver(graph.NewResolver()),
		dagrun.WithExecutor(scheduler.New(runners,
			scheduler.WithMaxWorkers(4),
			scheduler.WithRetryController(retrier),
		)),
		dagrun.WithReportStore(reportStore),
		dagrun.WithRunners(runner),
	}
	engine, err := dagrun.New(append(base, options...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, reportStore
}

func TestEngineRunEndToEnd(t *testing.T) {
	runner := &testRunner{fn: func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
		key := config["key"].(string)
		if key == "greet" {
			return map[string]interface{}{"message": "hello"}, nil
		}
		// The dependent sees its dependency's output under the dependency key.
		msg := input["greet"].(map[string]interface{})["message"].(string)
		return map[string]interface{}{"shouted": msg + "!"}, nil
	}}
	engine, reportStore := newEngine(t, runner)

	report, err := engine.Run(context.Background(), definition(task("greet"), task("shout", "greet")), nil)
	require.NoError(t, err)
	require.Equal(t, dagrun.RunStatusSucceeded, report.Status)
	require.Equal(t, "pipeline", report.Workflow)
	require.Equal(t, "hello!", report.Tasks["shout"].Output["shouted"])

	// The terminal report is retrievable from the store under its run ID.
	persisted, err := reportStore.Get(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Equal(t, report.RunID, persisted.RunID)
	require.Equal(t, dagrun.RunStatusSucceeded, persisted.Status)
}

func TestEngineRunValidationFailure(t *testing.T) {
	engine, _ := newEngine(t, &testRunner{})

	def := definition(task("a"))
	def.Tasks[0].Type = "unknown"

	report, err := engine.Run(context.Background(), def, nil)
	require.Nil(t, report)

	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodeTaskType, werr.Code)
}

func TestEngineRunReportsTaskFailureWithoutError(t *testing.T) {
	runner := &testRunner{fn: func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}}
	engine, _ := newEngine(t, runner)

	report, err := engine.Run(context.Background(), definition(task("a")), nil)
	require.NoError(t, err)
	require.Equal(t, dagrun.RunStatusFailed, report.Status)
	require.Equal(t, dagrun.TaskStatusFailed, report.Tasks["a"].Status)
}

func TestNewRequiresCoreComponents(t *testing.T) {
	_, err := dagrun.New()
	require.Error(t, err)

	_, err = dagrun.New(dagrun.WithResolver(graph.NewResolver()))
	require.Error(t, err)

	bad := dagrun.DefaultConfig()
	bad.MaxConcurrentTasks = 0
	_, err = dagrun.New(
		dagrun.WithResolver(graph.NewResolver()),
		dagrun.WithExecutor(scheduler.New(nil)),
		dagrun.WithConfig(bad),
	)
	require.Error(t, err)
}

func TestRegisterRunnerRejectsDuplicates(t *testing.T) {
	engine, _ := newEngine(t, &testRunner{})
	require.Error(t, engine.RegisterRunner(&testRunner{}))
	require.Contains(t, engine.RunnerTypes(), "test")
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	runner := &testRunner{}
	runners := map[string]dagrun.Runner{"test": runner}

	engine, _ := newEngine(t, runner,
		dagrun.WithEventBus(bus),
		dagrun.WithExecutor(scheduler.New(runners,
			scheduler.WithEventBus(bus),
			scheduler.WithRetryController(retry.NewController(
				retry.WithDefaultRetryDelay(time.Millisecond),
			)),
		)),
	)

	var mu sync.Mutex
	seen := map[eventbus.EventType]int{}
	_, err := bus.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		seen[e.Type()]++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), definition(task("a"), task("b", "a")), nil)
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := seen[eventbus.EventRunSucceeded] == 1 &&
			seen[eventbus.EventTaskSucceeded] == 2 &&
			seen[eventbus.EventTaskStarted] == 2 &&
			seen[eventbus.EventRunStarted] == 1
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lifecycle events incomplete: %v", seen)
}

func TestAsyncRunLifecycle(t *testing.T) {
	engine, _ := newEngine(t, &testRunner{})

	runID, err := engine.RunAsync(context.Background(), definition(task("a")), nil)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	report, err := engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, dagrun.RunStatusSucceeded, report.Status)

	status, err := engine.RunStatus(runID)
	require.NoError(t, err)
	require.True(t, status.Done)
	require.Equal(t, dagrun.RunStatusSucceeded, status.Status)

	result, err := engine.RunResult(runID)
	require.NoError(t, err)
	require.Equal(t, report.RunID, result.RunID)

	require.Contains(t, engine.ListRuns(), runID)
	require.Equal(t, 1, engine.CleanupCompletedRuns(0))
	require.NotContains(t, engine.ListRuns(), runID)
}

func TestAsyncRunValidationFailsSynchronously(t *testing.T) {
	engine, _ := newEngine(t, &testRunner{})

	_, err := engine.RunAsync(context.Background(), definition(task("a", "ghost")), nil)
	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodeUnknownDependency, werr.Code)
	require.Empty(t, engine.ListRuns())
}

func TestCancelAsyncRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	runner := &testRunner{fn: func(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	engine, _ := newEngine(t, runner)

	runID, err := engine.RunAsync(context.Background(), definition(task("slow")), nil)
	require.NoError(t, err)

	<-started
	_, err = engine.RunResult(runID)
	require.ErrorContains(t, err, "in progress")

	ok, err := engine.CancelRun(runID)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := engine.Wait(context.Background(), runID)
	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodeRunCancelled, werr.Code)
	require.Equal(t, dagrun.RunStatusCancelled, report.Status)

	// Cancelling a finished run reports false.
	ok, err = engine.CancelRun(runID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaitUnknownRun(t *testing.T) {
	engine, _ := newEngine(t, &testRunner{})
	_, err := engine.Wait(context.Background(), "no-such-run")
	require.Error(t, err)
}
