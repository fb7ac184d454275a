package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus is an EventBus backed by a buffered Go channel and a small
// pool of dispatch workers.
type ChannelEventBus struct {
	// subscribers maps event types to a map of subscription IDs to handlers
	subscribers map[EventType]map[string]EventHandler

	// allSubscribers contains handlers that receive every event
	allSubscribers map[string]EventHandler

	// eventChan is the channel where published events are queued
	eventChan chan eventWithContext

	// done signals graceful shutdown
	done chan struct{}

	// closed indicates the bus has been shut down
	closed bool

	// wg tracks active worker goroutines
	wg sync.WaitGroup

	// mutex protects the subscriber maps and the closed flag
	mutex sync.RWMutex

	// Configuration
	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
	logger        *slog.Logger
}

// eventWithContext bundles an event with its context for processing
type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event dispatch workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithHandlerRetries configures retry behavior for failing event handlers
func WithHandlerRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// WithLogger sets the logger used for handler failures
func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.logger = logger
	}
}

// NewChannelEventBus creates a new channel-based event bus and starts its
// dispatch workers.
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		done:           make(chan struct{}),

		// Default configuration
		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
		logger:        slog.Default(),
	}

	for _, option := range options {
		option(eb)
	}

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)

	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

// worker drains the event channel until shutdown.
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.done:
			return
		case evt := <-eb.eventChan:
			eb.dispatch(evt)
		}
	}
}

// dispatch delivers one event to all relevant subscribers.
func (eb *ChannelEventBus) dispatch(evt eventWithContext) {
	if evt.ctx.Err() != nil {
		return
	}

	// Copy the handler maps so handlers can subscribe/unsubscribe without
	// deadlocking against the dispatch path.
	eb.mutex.RLock()
	handlers := make([]EventHandler, 0, len(eb.allSubscribers))
	if typed, exists := eb.subscribers[evt.event.Type()]; exists {
		for _, handler := range typed {
			handlers = append(handlers, handler)
		}
	}
	for _, handler := range eb.allSubscribers {
		handlers = append(handlers, handler)
	}
	eb.mutex.RUnlock()

	for _, handler := range handlers {
		eb.runHandler(evt.ctx, evt.event, handler)
	}
}

// runHandler executes one handler with bounded retries.
func (eb *ChannelEventBus) runHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error

	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err = handler(ctx, event)
		if err == nil {
			return
		}

		if attempt == eb.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.retryInterval):
		}
	}

	// A failing handler must not stop delivery to the others.
	eb.logger.Warn("event handler failed",
		"event_type", event.Type(),
		"retries", eb.maxRetries,
		"error", err)
}

// Publish sends an event to all subscribed handlers.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	eb.mutex.RLock()
	closed := eb.closed
	eb.mutex.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return fmt.Errorf("event bus is closed")
	case eb.eventChan <- eventWithContext{ctx: ctx, event: event}:
		return nil
	}
}

// Subscribe registers a handler for specific event types.
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	subscriptionID := uuid.New().String()
	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}

	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types.
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	subscriptionID := uuid.New().String()
	eb.allSubscribers[subscriptionID] = handler

	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID.
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return fmt.Errorf("event bus is closed")
	}

	delete(eb.allSubscribers, subscriptionID)
	for eventType, subscribers := range eb.subscribers {
		if _, exists := subscribers[subscriptionID]; exists {
			delete(eb.subscribers[eventType], subscriptionID)
		}
	}

	return nil
}

// Close shuts down the event bus and waits for the workers to drain.
func (eb *ChannelEventBus) Close() error {
	eb.mutex.Lock()
	if eb.closed {
		eb.mutex.Unlock()
		return nil
	}
	eb.closed = true
	eb.mutex.Unlock()

	close(eb.done)
	eb.wg.Wait()

	return nil
}
