// Package expr evaluates arithmetic/logical expressions over task inputs.
// References of the form $dep, $dep.field, and $dep.field[0] resolve against
// the keyed input mapping handed to a task.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
)

var (
	varPattern = regexp.MustCompile(`\$([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)
	accPattern = regexp.MustCompile(`(\.[a-zA-Z0-9_]+|\[[0-9]+\])`)
)

// functionRegistry holds custom functions exposed to expressions. Only
// registered functions are callable; everything else is rejected at parse.
type functionRegistry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

var registry = &functionRegistry{functions: make(map[string]govaluate.ExpressionFunction)}

// RegisterFunction exposes a custom function to expressions.
func RegisterFunction(name string, fn govaluate.ExpressionFunction) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.functions[name] = fn
}

// whitelistedFunctions returns a copy of the registered function set.
func whitelistedFunctions() map[string]govaluate.ExpressionFunction {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	whitelist := make(map[string]govaluate.ExpressionFunction, len(registry.functions))
	for k, v := range registry.functions {
		whitelist[k] = v
	}
	return whitelist
}

// Validate checks that an expression parses, without evaluating it. Used at
// workflow validation time so bad expressions never reach dispatch.
func Validate(expression string) error {
	rewritten := varPattern.ReplaceAllStringFunc(expression, func(matched string) string {
		return flatName(matched)
	})
	_, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, whitelistedFunctions())
	return err
}

// Evaluate resolves $-references against vars and evaluates the expression.
// Unresolvable references evaluate to nil rather than failing the parse.
func Evaluate(expression string, vars map[string]interface{}) (interface{}, error) {
	resolved := map[string]interface{}{}
	rewritten := varPattern.ReplaceAllStringFunc(expression, func(matched string) string {
		name := flatName(matched)
		resolved[name] = resolveReference(matched, vars)
		return name
	})

	evalExpr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, whitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", expression, err)
	}
	result, err := evalExpr.Evaluate(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// flatName converts a $dep.field[0] reference into a govaluate-safe variable
// name.
func flatName(reference string) string {
	name := strings.TrimPrefix(reference, "$")
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "[", "_")
	name = strings.ReplaceAll(name, "]", "")
	return name
}

// resolveReference walks a $dep.field[0] reference through the vars map.
func resolveReference(reference string, vars map[string]interface{}) interface{} {
	matches := varPattern.FindStringSubmatch(reference)
	if matches == nil {
		return nil
	}
	root := matches[1]
	accessors := accPattern.FindAllString(matches[2], -1)

	val, ok := vars[root]
	if !ok {
		return nil
	}
	for _, acc := range accessors {
		switch {
		case strings.HasPrefix(acc, "."):
			m, ok := val.(map[string]interface{})
			if !ok {
				return nil
			}
			val, ok = m[acc[1:]]
			if !ok {
				return nil
			}
		case strings.HasPrefix(acc, "["):
			idx, err := strconv.Atoi(acc[1 : len(acc)-1])
			if err != nil {
				return nil
			}
			arr, ok := val.([]interface{})
			if !ok || idx < 0 || idx >= len(arr) {
				return nil
			}
			val = arr[idx]
		}
	}
	return normalize(val)
}

// normalize widens integer values to float64, the only numeric type govaluate
// operates on. Without it an int output would never equal a numeric literal.
func normalize(val interface{}) interface{} {
	switch v := val.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return val
	}
}
