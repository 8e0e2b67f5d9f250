package task

import (
	"errors"
	"fmt"
)

// ErrCycle is returned by NewGraph when depends_on references form a cycle.
var ErrCycle = errors.New("task: dependency cycle")

// ErrUnknownDependency is returned when a task depends on an id that is not
// part of the graph.
var ErrUnknownDependency = errors.New("task: unknown dependency")

// Graph is the optional dependency-based scheduling variant. It is not used
// by the conversation hot path; batch workflows can layer it on top of a
// Scheduler by submitting Runnable tasks as their dependencies complete.
type Graph struct {
	tasks map[string]*Task
	order []string
}

// NewGraph validates the task set and rejects cyclic or dangling
// depends_on references before any task runs.
func NewGraph(tasks []*Task) (*Graph, error) {
	g := &Graph{tasks: make(map[string]*Task, len(tasks))}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	// Depth-first walk; any back-edge to a task on the current stack is a cycle.
	const (
		white = 0 // unvisited
		grey  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = grey
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, id, dep)
			case white:
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Runnable returns, in insertion order, every task not in done whose
// dependencies are all in the done set.
func (g *Graph) Runnable(done map[string]bool) []*Task {
	var out []*Task
	for _, id := range g.order {
		if done[id] {
			continue
		}
		t := g.tasks[id]
		ready := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// Len reports the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.tasks) }
