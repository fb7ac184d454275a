// Package gofunc provides the "go" task type: tasks backed by named
// in-process Go functions. It is the Go-native rendition of arbitrary code
// blocks in a workflow.
package gofunc

import (
	"context"
	"fmt"
	"sync"
)

// Func is the signature of a registered task function. input maps each
// dependency's task key to its output.
type Func func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Runner dispatches tasks to registered functions. The task config selects
// the function by name:
//
//	config:
//	  func: normalize
type Runner struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates an empty function runner.
func New() *Runner {
	return &Runner{funcs: make(map[string]Func)}
}

// Register adds a named function. Registering an existing name is an error.
func (r *Runner) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("function '%s' already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Name returns the task type this runner serves.
func (r *Runner) Name() string { return "go" }

// Validate requires config.func to name a registered function.
func (r *Runner) Validate(config map[string]interface{}) error {
	name, err := funcName(config)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, exists := r.funcs[name]; !exists {
		return fmt.Errorf("function '%s' is not registered", name)
	}
	return nil
}

// Execute runs the configured function with the task input.
func (r *Runner) Execute(ctx context.Context, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	name, err := funcName(config)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	fn, exists := r.funcs[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("function '%s' is not registered", name)
	}

	return fn(ctx, input)
}

func funcName(config map[string]interface{}) (string, error) {
	raw, ok := config["func"]
	if !ok {
		return "", fmt.Errorf("config is missing required key 'func'")
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return "", fmt.Errorf("config key 'func' must be a non-empty string")
	}
	return name, nil
}
