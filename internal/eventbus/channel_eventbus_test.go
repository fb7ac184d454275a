package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishDeliversToTypedSubscribers(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(2))
	defer bus.Close()

	var got atomic.Int32
	_, err := bus.Subscribe([]EventType{EventTaskSucceeded}, func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventTaskSucceeded, nil, "test", nil)))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventTaskFailed, nil, "test", nil)))

	waitFor(t, func() bool { return got.Load() == 1 })
	// The task_failed event never reaches the typed subscriber.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), got.Load())
}

func TestSubscribeAllSeesEveryEvent(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(2))
	defer bus.Close()

	var mu sync.Mutex
	var seen []EventType
	_, err := bus.SubscribeAll(func(ctx context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.Type())
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, et := range []EventType{EventRunStarted, EventTaskStarted, EventRunSucceeded} {
		require.NoError(t, bus.Publish(context.Background(), NewEvent(et, nil, "test", nil)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	require.ElementsMatch(t, []EventType{EventRunStarted, EventTaskStarted, EventRunSucceeded}, seen)
	mu.Unlock()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	defer bus.Close()

	var got atomic.Int32
	id, err := bus.Subscribe([]EventType{EventRunStarted}, func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, nil, "test", nil)))
	waitFor(t, func() bool { return got.Load() == 1 })

	require.NoError(t, bus.Unsubscribe(id))
	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, nil, "test", nil)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), got.Load())
}

func TestFailingHandlerIsRetriedThenDropped(t *testing.T) {
	bus := NewChannelEventBus(
		WithWorkerCount(1),
		WithHandlerRetries(2, time.Millisecond),
	)
	defer bus.Close()

	var failing atomic.Int32
	var healthy atomic.Int32
	_, err := bus.SubscribeAll(func(ctx context.Context, e Event) error {
		failing.Add(1)
		return errors.New("handler broken")
	})
	require.NoError(t, err)
	_, err = bus.SubscribeAll(func(ctx context.Context, e Event) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, nil, "test", nil)))

	// 1 initial call plus 2 retries; the healthy handler still gets the event.
	waitFor(t, func() bool { return failing.Load() == 3 && healthy.Load() == 1 })
}

func TestPublishAfterCloseFails(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), NewEvent(EventRunStarted, nil, "test", nil))
	require.Error(t, err)

	_, err = bus.SubscribeAll(func(ctx context.Context, e Event) error { return nil })
	require.Error(t, err)

	// Closing twice is a no-op.
	require.NoError(t, bus.Close())
}

func TestPublishHonorsContextCancellation(t *testing.T) {
	// No workers and a full buffer, so Publish must block and then observe
	// the cancelled context.
	bus := NewChannelEventBus(WithWorkerCount(0), WithBufferSize(1))
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRunStarted, nil, "test", nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, NewEvent(EventRunStarted, nil, "test", nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventMetadata(t *testing.T) {
	evt := NewEvent(EventTaskSucceeded, TaskEvent{TaskKey: "a"}, "scheduler", nil).
		WithMetadata("region", "eu")

	require.Equal(t, EventTaskSucceeded, evt.Type())
	require.Equal(t, "scheduler", evt.Source())
	require.Equal(t, "eu", evt.Metadata()["region"])
	require.NotZero(t, evt.Timestamp())

	payload, ok := evt.Payload().(TaskEvent)
	require.True(t, ok)
	require.Equal(t, "a", payload.TaskKey)
}
