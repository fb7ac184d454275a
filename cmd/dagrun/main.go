// Command dagrun validates and executes a workflow document from the command
// line, printing the run report as YAML.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tasklab/dagrun"
	"github.com/tasklab/dagrun/internal/eventbus"
	"github.com/tasklab/dagrun/internal/graph"
	"github.com/tasklab/dagrun/internal/loader"
	"github.com/tasklab/dagrun/internal/retry"
	"github.com/tasklab/dagrun/internal/scheduler"
	"github.com/tasklab/dagrun/internal/store"
	"github.com/tasklab/dagrun/runner/exprtask"
	"github.com/tasklab/dagrun/runner/gofunc"
	"github.com/tasklab/dagrun/runner/httptask"
)

func main() {
	var (
		workflowPath = flag.String("workflow", "", "path to the workflow YAML document (required)")
		inputJSON    = flag.String("input", "", "run input payload as a JSON object, handed to root tasks")
		concurrency  = flag.Int("concurrency", 5, "maximum number of concurrently executing tasks")
		timeout      = flag.Duration("timeout", 0, "overall run timeout (0 = none)")
		validateOnly = flag.Bool("validate", false, "validate the workflow and exit without executing")
		logLevel     = flag.String("log-level", "info", "log level: debug, info, warn, error")
		jsonLogs     = flag.Bool("json-logs", false, "emit logs as JSON")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *jsonLogs)
	slog.SetDefault(logger)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: dagrun -workflow <path> [-input '{...}'] [-concurrency N]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(logger, *workflowPath, *inputJSON, *concurrency, *timeout, *validateOnly); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, workflowPath, inputJSON string, concurrency int, timeout time.Duration, validateOnly bool) error {
	def, err := loader.Load(workflowPath)
	if err != nil {
		return err
	}

	input := map[string]interface{}{}
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			return fmt.Errorf("failed to parse -input: %w", err)
		}
	}

	config := dagrun.DefaultConfig()
	config.MaxConcurrentTasks = concurrency

	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(config.EventBusBufferSize),
		eventbus.WithWorkerCount(config.EventBusWorkerCount),
		eventbus.WithLogger(logger),
	)

	runners := map[string]dagrun.Runner{}
	for _, r := range []dagrun.Runner{
		gofunc.New(),
		httptask.New(httptask.WithLogger(logger)),
		exprtask.New(),
	} {
		runners[r.Name()] = r
	}

	retrier := retry.NewController(
		retry.WithDefaultMaxRetries(config.DefaultMaxRetries),
		retry.WithDefaultRetryDelay(config.DefaultRetryDelay),
		retry.WithDefaultTimeout(config.DefaultTimeout),
		retry.WithLogger(logger),
		retry.WithRetryCallback(scheduler.RetryEventPublisher(bus, logger)),
	)

	sched := scheduler.New(runners,
		scheduler.WithMaxWorkers(concurrency),
		scheduler.WithRetryController(retrier),
		scheduler.WithEventBus(bus),
		scheduler.WithLogger(logger),
	)

	reportStore := store.NewMemoryStore(config.ReportTTL, logger)
	defer reportStore.Close()

	engine, err := dagrun.New(
		dagrun.WithConfig(config),
		dagrun.WithResolver(graph.NewResolver()),
		dagrun.WithExecutor(sched),
		dagrun.WithReportStore(reportStore),
		dagrun.WithEventBus(bus),
		dagrun.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, r := range runners {
		if err := engine.RegisterRunner(r); err != nil {
			return err
		}
	}

	if validateOnly {
		g, err := engine.Validate(def)
		if err != nil {
			return err
		}
		logger.Info("workflow is valid",
			"workflow", def.Name,
			"tasks", g.Size(),
			"roots", len(g.Roots))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report, runErr := engine.Run(ctx, def, input)
	if report != nil {
		if err := printReport(report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if report.Status == dagrun.RunStatusFailed {
		return fmt.Errorf("workflow '%s' finished with failed tasks", def.Name)
	}
	return nil
}

func printReport(report *dagrun.RunReport) error {
	out, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func newLogger(level string, jsonOutput bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
