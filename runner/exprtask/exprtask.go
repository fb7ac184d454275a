// Package exprtask provides the "expr" task type: tasks that compute their
// output by evaluating an expression over their dependency outputs.
package exprtask

import (
	"context"
	"fmt"

	"github.com/tasklab/dagrun/internal/expr"
)

// Runner evaluates one expression per task:
//
//	config:
//	  expression: "$fetch.status_code == 200 && $parse.count > 0"
//
// Dependency outputs are referenced as $depKey, $depKey.field, or
// $depKey.items[0]. Output is {"result": <value>}.
type Runner struct{}

// New creates an expression runner.
func New() *Runner { return &Runner{} }

// Name returns the task type this runner serves.
func (r *Runner) Name() string { return "expr" }

// Validate parses the configured expression so malformed expressions are
// rejected before the run starts.
func (r *Runner) Validate(config map[string]interface{}) error {
	expression, err := expressionKey(config)
	if err != nil {
		return err
	}
	if err := expr.Validate(expression); err != nil {
		return fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	return nil
}

// Execute evaluates the expression against the task input.
func (r *Runner) Execute(ctx context.Context, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	expression, err := expressionKey(config)
	if err != nil {
		return nil, err
	}

	result, err := expr.Evaluate(expression, input)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": result}, nil
}

func expressionKey(config map[string]interface{}) (string, error) {
	raw, ok := config["expression"]
	if !ok {
		return "", fmt.Errorf("config is missing required key 'expression'")
	}
	expression, ok := raw.(string)
	if !ok || expression == "" {
		return "", fmt.Errorf("config key 'expression' must be a non-empty string")
	}
	return expression, nil
}
