package models

import (
	"fmt"
	"time"
)

// Structure is the decomposition output for one goal.
type Structure struct {
	Goal string `json:"goal"`
	// Tasks preserves the order the decomposer produced.
	Tasks []Task `json:"tasks"`
	// Dependencies maps a task ID to the IDs it depends on.
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	SuccessCriteria   []string            `json:"success_criteria,omitempty"`
	EstimatedDuration time.Duration       `json:"estimated_duration"`
}

// Task returns the task with the given ID.
func (s *Structure) Task(id string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// DependsOn returns the dependencies declared for id.
func (s *Structure) DependsOn(id string) []string {
	return s.Dependencies[id]
}

// Validate checks that every dependency edge references a known task and that
// the dependency graph is acyclic.
func (s *Structure) Validate() error {
	if len(s.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrMalformedDecomposition)
	}
	known := make(map[string]bool, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task without id", ErrMalformedDecomposition)
		}
		if known[t.ID] {
			return fmt.Errorf("%w: duplicate task id %s", ErrMalformedDecomposition, t.ID)
		}
		known[t.ID] = true
	}
	for id, deps := range s.Dependencies {
		if !known[id] {
			return fmt.Errorf("%w: dependency edge from unknown task %s", ErrMalformedDecomposition, id)
		}
		for _, d := range deps {
			if !known[d] {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrMalformedDecomposition, id, d)
			}
		}
	}
	if cycle := s.findCycle(); cycle != nil {
		return fmt.Errorf("%w: %v", ErrCyclicDependency, cycle)
	}
	return nil
}

// findCycle runs a coloured depth-first traversal and returns the first cycle
// found as a path of task IDs, or nil.
func (s *Structure) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(s.Tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		path = append(path, id)
		for _, dep := range s.Dependencies[id] {
			switch colors[dep] {
			case gray:
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		return nil
	}

	// Iterate in task order so the reported cycle is deterministic.
	for _, t := range s.Tasks {
		if colors[t.ID] == white {
			if c := visit(t.ID); c != nil {
				return c
			}
		}
	}
	return nil
}
