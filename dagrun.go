// Package dagrun provides the core runtime for DAG-based workflow execution:
// validated task graphs, a concurrency-bounded scheduler, per-task retry and
// timeout policies, and keyed data propagation between tasks.
package dagrun

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasklab/dagrun/internal/eventbus"
)

// Engine is the main entry point into the dagrun runtime. It holds the runner
// registry and orchestrates validation, execution, and report persistence.
type Engine struct {
	// Core components
	resolver GraphResolver
	executor Executor
	store    ReportStore
	eventBus eventbus.EventBus

	// Registered runners, keyed by task type
	runners   map[string]Runner
	runnersMu sync.RWMutex

	// Configuration
	config Config
	logger *slog.Logger

	// Async run tracking
	runs   map[string]*runHandle
	runsMu sync.RWMutex
}

// runHandle tracks one asynchronous run from submission to retrieval.
type runHandle struct {
	run    *RunContext
	cancel context.CancelFunc
	done   chan struct{}

	// set before done closes
	report *RunReport
	err    error
}

// Config holds the configuration options for the Engine.
type Config struct {
	// Maximum number of concurrently executing tasks per run
	MaxConcurrentTasks int

	// Fallback retry configuration for tasks without an explicit policy
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
	DefaultTimeout    time.Duration

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int

	// How long finished run reports stay retrievable
	ReportTTL time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  5,
		DefaultMaxRetries:   3,
		DefaultRetryDelay:   time.Second * 2,
		DefaultTimeout:      time.Minute * 5,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
		ReportTTL:           time.Hour,
	}
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithResolver sets the graph resolver component.
func WithResolver(resolver GraphResolver) Option {
	return func(e *Engine) {
		e.resolver = resolver
	}
}

// WithExecutor sets the executor component.
func WithExecutor(executor Executor) Option {
	return func(e *Engine) {
		e.executor = executor
	}
}

// WithReportStore sets the report store component.
func WithReportStore(store ReportStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRunners registers runners keyed by their task type.
func WithRunners(runners ...Runner) Option {
	return func(e *Engine) {
		for _, runner := range runners {
			e.runners[runner.Name()] = runner
		}
	}
}

// New creates an Engine with the provided options. A resolver and an executor
// are required; runners may also be registered after construction.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:  DefaultConfig(),
		runners: make(map[string]Runner),
		runs:    make(map[string]*runHandle),
		logger:  slog.Default(),
	}

	for _, option := range options {
		option(e)
	}

	if e.resolver == nil {
		return nil, NewConfigurationError("graph resolver is required", nil)
	}
	if e.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	if e.config.MaxConcurrentTasks <= 0 {
		return nil, NewConfigurationError("max concurrent tasks must be positive", nil)
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
			eventbus.WithLogger(e.logger),
		)
		e.logger.Debug("initialized default channel event bus")
	}

	return e, nil
}

// RegisterRunner adds a runner for its task type. Exactly one runner may
// serve a type; registering a duplicate is an error.
func (e *Engine) RegisterRunner(runner Runner) error {
	e.runnersMu.Lock()
	defer e.runnersMu.Unlock()

	if _, exists := e.runners[runner.Name()]; exists {
		return NewConfigurationError("runner for task type '"+runner.Name()+"' already registered", nil)
	}
	e.runners[runner.Name()] = runner
	return nil
}

// Runners returns a copy of the registered runner map.
func (e *Engine) Runners() map[string]Runner {
	e.runnersMu.RLock()
	defer e.runnersMu.RUnlock()

	runners := make(map[string]Runner, len(e.runners))
	for name, runner := range e.runners {
		runners[name] = runner
	}
	return runners
}

// RunnerTypes returns the registered task type strings.
func (e *Engine) RunnerTypes() []string {
	e.runnersMu.RLock()
	defer e.runnersMu.RUnlock()

	types := make([]string, 0, len(e.runners))
	for name := range e.runners {
		types = append(types, name)
	}
	return types
}

// Bus exposes the engine's event bus so callers can subscribe to run and
// task lifecycle events. Nil when the bus is disabled.
func (e *Engine) Bus() eventbus.EventBus {
	return e.eventBus
}

// Validate checks a workflow definition against the registered runners
// without executing it.
func (e *Engine) Validate(def *WorkflowDefinition) (*OrderedGraph, error) {
	return e.resolver.Validate(def, e.Runners())
}

// Run executes a workflow synchronously and returns its report. input is the
// optional run-level payload handed to root tasks. Validation errors surface
// before any task executes; per-task failures are reported in the returned
// report, and the error is non-nil only for validation failures, run
// cancellation, or internal defects.
func (e *Engine) Run(ctx context.Context, def *WorkflowDefinition, input map[string]interface{}) (*RunReport, error) {
	graph, err := e.Validate(def)
	if err != nil {
		return nil, err
	}

	run := NewRunContext(uuid.New().String(), def, input)
	report, execErr := e.executor.Execute(ctx, graph, run)
	e.persist(report)
	return report, execErr
}

// persist stores a finished report if a store is configured.
func (e *Engine) persist(report *RunReport) {
	if e.store == nil || report == nil {
		return
	}
	// Persistence failures never fail the run itself.
	storeCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if err := e.store.Put(storeCtx, report); err != nil {
		e.logger.Warn("failed to persist run report", "run_id", report.RunID, "error", err)
	}
}

// Close shuts down the engine's event bus, if it owns one.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}
