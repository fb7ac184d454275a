// Package graph validates workflow definitions and derives the ordered graph
// the scheduler executes.
package graph

import (
	"fmt"

	"github.com/tasklab/dagrun"
)

// Resolver implements dagrun.GraphResolver. A zero Resolver is ready to use.
type Resolver struct{}

// NewResolver creates a graph resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Validate checks the definition structurally and against the registered
// runner types, then builds the ordered graph. A workflow that fails any
// check is rejected outright; nothing of it ever executes.
func (r *Resolver) Validate(def *dagrun.WorkflowDefinition, runners map[string]dagrun.Runner) (*dagrun.OrderedGraph, error) {
	if def == nil || len(def.Tasks) == 0 {
		return nil, dagrun.NewValidationError("workflow definition has no tasks", nil)
	}

	specs := make(map[string]*dagrun.TaskSpec, len(def.Tasks))
	for i := range def.Tasks {
		spec := &def.Tasks[i]
		if spec.Key == "" {
			return nil, dagrun.NewValidationError(
				fmt.Sprintf("task at index %d has an empty key", i), nil)
		}
		if _, exists := specs[spec.Key]; exists {
			return nil, dagrun.NewDuplicateTaskKeyError(spec.Key)
		}
		specs[spec.Key] = spec
	}

	// Every dependency must resolve, and no task may depend on itself.
	for _, spec := range def.Tasks {
		for _, dep := range spec.DependsOn {
			if dep == spec.Key {
				return nil, dagrun.NewValidationError(
					fmt.Sprintf("task '%s' depends on itself", spec.Key), nil)
			}
			if _, exists := specs[dep]; !exists {
				return nil, dagrun.NewUnknownDependencyError(spec.Key, dep)
			}
		}
	}

	// Every task type must resolve to exactly one registered runner, and the
	// runner gets a chance to reject the config before anything runs.
	for _, spec := range def.Tasks {
		runner, exists := runners[spec.Type]
		if !exists {
			return nil, dagrun.NewTaskTypeError(spec.Key, spec.Type)
		}
		if err := runner.Validate(spec.Config); err != nil {
			return nil, dagrun.NewValidationError(
				fmt.Sprintf("invalid config for task '%s' (type '%s')", spec.Key, spec.Type), err)
		}
	}

	if key, ok := findCycle(def, specs); ok {
		return nil, dagrun.NewCyclicDependencyError(key)
	}

	graph := &dagrun.OrderedGraph{
		Definition:   def,
		Specs:        specs,
		Dependents:   make(map[string][]string, len(specs)),
		DepCount:     make(map[string]int, len(specs)),
		CriticalPath: make(map[string]int, len(specs)),
	}
	for _, spec := range def.Tasks {
		graph.DepCount[spec.Key] = len(spec.DependsOn)
		if len(spec.DependsOn) == 0 {
			graph.Roots = append(graph.Roots, spec.Key)
		}
		for _, dep := range spec.DependsOn {
			graph.Dependents[dep] = append(graph.Dependents[dep], spec.Key)
		}
	}

	// Longest dependent chain below each task. Acyclicity is already proven,
	// so the memoized walk terminates.
	for key := range specs {
		criticalPath(key, graph)
	}

	return graph, nil
}

// findCycle runs a depth-first traversal with recursion-stack marking and
// returns a task key on the first cycle found.
func findCycle(def *dagrun.WorkflowDefinition, specs map[string]*dagrun.TaskSpec) (string, bool) {
	visited := make(map[string]bool, len(specs))
	stack := make(map[string]bool, len(specs))

	var visit func(key string) (string, bool)
	visit = func(key string) (string, bool) {
		if stack[key] {
			return key, true
		}
		if visited[key] {
			return "", false
		}
		visited[key] = true
		stack[key] = true
		for _, dep := range specs[key].DependsOn {
			if at, found := visit(dep); found {
				return at, true
			}
		}
		stack[key] = false
		return "", false
	}

	for _, spec := range def.Tasks {
		if at, found := visit(spec.Key); found {
			return at, true
		}
	}
	return "", false
}

// criticalPath computes (and memoizes) the length of the longest chain of
// dependents below key.
func criticalPath(key string, graph *dagrun.OrderedGraph) int {
	if v, ok := graph.CriticalPath[key]; ok {
		return v
	}
	longest := 0
	for _, dep := range graph.Dependents[key] {
		if l := 1 + criticalPath(dep, graph); l > longest {
			longest = l
		}
	}
	graph.CriticalPath[key] = longest
	return longest
}
