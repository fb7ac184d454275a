// Package retry wraps single task dispatches with timeout enforcement and
// bounded retry-with-delay.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tasklab/dagrun"
)

// Controller executes task attempts under a retry policy. Policy fields left
// at zero fall back to the controller defaults.
type Controller struct {
	defaultMaxRetries int
	defaultRetryDelay time.Duration
	defaultTimeout    time.Duration
	logger            *slog.Logger

	// onRetry, when set, is invoked before each retry wait. Used by the
	// scheduler to publish retry events.
	onRetry func(spec *dagrun.TaskSpec, attempt int, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithDefaultMaxRetries sets the fallback retry count for tasks without one.
func WithDefaultMaxRetries(retries int) Option {
	return func(c *Controller) {
		c.defaultMaxRetries = retries
	}
}

// WithDefaultRetryDelay sets the fallback pause between attempts.
func WithDefaultRetryDelay(delay time.Duration) Option {
	return func(c *Controller) {
		c.defaultRetryDelay = delay
	}
}

// WithDefaultTimeout sets the fallback per-attempt timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		c.defaultTimeout = timeout
	}
}

// WithLogger sets the logger used for attempt failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithRetryCallback registers a hook invoked before each retry wait.
func WithRetryCallback(fn func(spec *dagrun.TaskSpec, attempt int, err error)) Option {
	return func(c *Controller) {
		c.onRetry = fn
	}
}

// NewController creates a retry controller with default settings.
func NewController(options ...Option) *Controller {
	c := &Controller{
		defaultMaxRetries: 3,
		defaultRetryDelay: time.Second * 2,
		defaultTimeout:    time.Minute * 5,
		logger:            slog.Default(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Run executes one task until it succeeds, exhausts its retries, or the run
// context is cancelled. Every attempt is recorded so the report can show the
// attempt history, not just the final outcome. The returned error is nil on
// success, a PERMANENT_FAILURE WorkflowError on exhaustion, and a
// RUN_CANCELLED-compatible context error when ctx ends the loop.
func (c *Controller) Run(ctx context.Context, spec *dagrun.TaskSpec, runner dagrun.Runner, input map[string]interface{}) (map[string]interface{}, []dagrun.Attempt, error) {
	// Zero means "use the controller default"; a negative value disables
	// retries entirely.
	maxRetries := spec.Retry.MaxRetries
	if maxRetries == 0 {
		maxRetries = c.defaultMaxRetries
	} else if maxRetries < 0 {
		maxRetries = 0
	}
	retryDelay := spec.Retry.RetryDelay
	if retryDelay <= 0 {
		retryDelay = c.defaultRetryDelay
	}
	timeout := spec.Retry.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	var attempts []dagrun.Attempt
	var lastErr error

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}

		record := dagrun.Attempt{Number: attempt, StartTime: time.Now()}

		// Each attempt gets its own deadline. Cancellation of work already
		// performing external I/O is best-effort: the controller stops
		// waiting and reports a timeout, it does not force-kill the attempt.
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := runner.Execute(attemptCtx, spec.Config, input)
		deadlineHit := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		record.EndTime = time.Now()
		if err == nil {
			attempts = append(attempts, record)
			return output, attempts, nil
		}

		if deadlineHit && ctx.Err() == nil {
			err = dagrun.NewTimeoutError(spec.Key, err)
		} else if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Parent cancellation, not an attempt failure.
			record.Err = err.Error()
			attempts = append(attempts, record)
			return nil, attempts, ctx.Err()
		} else if !dagrun.IsWorkflowError(err) {
			err = dagrun.NewAttemptError(spec.Key, attempt, err)
		}

		record.Err = err.Error()
		attempts = append(attempts, record)
		lastErr = err

		if attempt > maxRetries {
			break
		}

		c.logger.Warn("task attempt failed, retrying",
			"task_key", spec.Key,
			"task_type", spec.Type,
			"attempt", attempt,
			"max_attempts", maxRetries+1,
			"error", err)
		if c.onRetry != nil {
			c.onRetry(spec, attempt, err)
		}

		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, attempts, dagrun.NewPermanentFailureError(spec.Key, len(attempts), lastErr)
}
