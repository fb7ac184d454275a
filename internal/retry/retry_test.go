package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tasklab/dagrun"
)

type fakeRunner struct {
	calls   atomic.Int32
	execute func(ctx context.Context, call int) (map[string]interface{}, error)
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Validate(config map[string]interface{}) error { return nil }

func (f *fakeRunner) Execute(ctx context.Context, config, input map[string]interface{}) (map[string]interface{}, error) {
	call := int(f.calls.Add(1))
	return f.execute(ctx, call)
}

func fastController(options ...Option) *Controller {
	base := []Option{
		WithDefaultRetryDelay(time.Millisecond),
		WithDefaultTimeout(time.Second),
	}
	return NewController(append(base, options...)...)
}

func spec(policy dagrun.RetryPolicy) *dagrun.TaskSpec {
	return &dagrun.TaskSpec{Key: "task", Type: "fake", Retry: policy}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}}

	output, attempts, err := fastController().Run(context.Background(), spec(dagrun.RetryPolicy{}), runner, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"ok": true}, output)
	require.Len(t, attempts, 1)
	require.Equal(t, 1, attempts[0].Number)
	require.Empty(t, attempts[0].Err)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		if call < 3 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"call": call}, nil
	}}

	policy := dagrun.RetryPolicy{MaxRetries: 3, RetryDelay: time.Millisecond}
	output, attempts, err := fastController().Run(context.Background(), spec(policy), runner, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"call": 3}, output)
	require.Len(t, attempts, 3)
	require.Contains(t, attempts[0].Err, "transient")
	require.Contains(t, attempts[1].Err, "transient")
	require.Empty(t, attempts[2].Err)
}

func TestRunExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, errors.New("always broken")
	}}

	// max_retries=2 means exactly 3 attempts: the initial one plus 2 retries.
	policy := dagrun.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}
	output, attempts, err := fastController().Run(context.Background(), spec(policy), runner, nil)
	require.Nil(t, output)
	require.Len(t, attempts, 3)
	require.Equal(t, int32(3), runner.calls.Load())

	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodePermanentFailure, werr.Code)

	var cause *dagrun.WorkflowError
	require.ErrorAs(t, werr.Cause, &cause)
	require.Equal(t, dagrun.ErrCodeAttemptFailed, cause.Code)
}

func TestRunNegativeMaxRetriesDisablesRetries(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, errors.New("broken")
	}}

	policy := dagrun.RetryPolicy{MaxRetries: -1}
	_, attempts, err := fastController().Run(context.Background(), spec(policy), runner, nil)
	require.Len(t, attempts, 1)
	require.Equal(t, int32(1), runner.calls.Load())

	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodePermanentFailure, werr.Code)
}

func TestRunZeroMaxRetriesUsesControllerDefault(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, errors.New("broken")
	}}

	controller := fastController(WithDefaultMaxRetries(1))
	_, attempts, err := controller.Run(context.Background(), spec(dagrun.RetryPolicy{}), runner, nil)
	require.Error(t, err)
	require.Len(t, attempts, 2)
}

func TestRunAttemptTimeoutAttribution(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	policy := dagrun.RetryPolicy{MaxRetries: -1, Timeout: 20 * time.Millisecond}
	_, attempts, err := fastController().Run(context.Background(), spec(policy), runner, nil)
	require.Len(t, attempts, 1)

	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, dagrun.ErrCodePermanentFailure, werr.Code)

	var cause *dagrun.WorkflowError
	require.ErrorAs(t, werr.Cause, &cause)
	require.Equal(t, dagrun.ErrCodeTimeout, cause.Code)
}

func TestRunParentCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	policy := dagrun.RetryPolicy{MaxRetries: 5, RetryDelay: time.Millisecond}
	_, _, err := fastController().Run(ctx, spec(policy), runner, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), runner.calls.Load())
}

func TestRunCancellationDuringRetryWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, errors.New("broken")
	}}

	policy := dagrun.RetryPolicy{MaxRetries: 5, RetryDelay: time.Hour}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, attempts, err := fastController().Run(ctx, spec(policy), runner, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, attempts, 1)
}

func TestRunInvokesRetryCallback(t *testing.T) {
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, errors.New("broken")
	}}

	var callbacks atomic.Int32
	controller := fastController(WithRetryCallback(func(spec *dagrun.TaskSpec, attempt int, err error) {
		callbacks.Add(1)
	}))

	policy := dagrun.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}
	_, _, err := controller.Run(context.Background(), spec(policy), runner, nil)
	require.Error(t, err)
	// One callback per retry, none after the final attempt.
	require.Equal(t, int32(2), callbacks.Load())
}

func TestRunPreservesWorkflowErrors(t *testing.T) {
	taskErr := dagrun.NewValidationError("bad input shape", nil)
	runner := &fakeRunner{execute: func(ctx context.Context, call int) (map[string]interface{}, error) {
		return nil, taskErr
	}}

	policy := dagrun.RetryPolicy{MaxRetries: -1}
	_, attempts, err := fastController().Run(context.Background(), spec(policy), runner, nil)
	require.Len(t, attempts, 1)

	var werr *dagrun.WorkflowError
	require.ErrorAs(t, err, &werr)
	// The coded error passes through without an ATTEMPT_FAILED wrapper.
	require.Equal(t, dagrun.ErrCodeValidation, werr.Cause.(*dagrun.WorkflowError).Code)
}
