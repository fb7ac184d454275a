package dagrun

import "github.com/tasklab/dagrun/internal/eventbus"

// WithEventBus sets a custom event bus implementation on the Engine.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}
