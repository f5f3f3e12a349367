// Package graph validates workflow task sets: every dependency must name a
// known task, no task may depend on itself, and the dependency relation must
// be acyclic. Cycle reports carry the full path of task names on the cycle.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/taskmesh/types"
)

// visit marking for depth-first traversal.
type mark int

const (
	unvisited mark = iota
	visiting
	visited
)

// ValidationError aggregates every validation failure found in a task set.
// Unknown dependencies, self dependencies and cycles are reported as
// separate entries.
type ValidationError struct {
	Errors []*types.Error
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	msgs := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(msgs, "; "))
}

// TaskGraph is the dependency view over one workflow's tasks.
type TaskGraph struct {
	tasks map[string]*types.Task
	// edges maps task ID to the IDs it depends on.
	edges map[string][]string
}

// New builds a TaskGraph from a workflow's task map.
func New(tasks map[string]*types.Task) *TaskGraph {
	g := &TaskGraph{
		tasks: tasks,
		edges: make(map[string][]string, len(tasks)),
	}
	for id, t := range tasks {
		g.edges[id] = append([]string(nil), t.DependsOn...)
	}
	return g
}

// Validate checks the task set and returns a *ValidationError describing
// every problem found, or nil when the set is acceptable.
func (g *TaskGraph) Validate() error {
	var errs []*types.Error

	// Unknown and self dependencies first; cycle detection only walks edges
	// that resolve, so a dangling edge cannot mask a cycle elsewhere.
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := g.tasks[id]
		for _, dep := range t.DependsOn {
			if dep == id {
				errs = append(errs, types.NewError(types.ErrCodeSelfDependency,
					fmt.Sprintf("task %q depends on itself", t.Name)).WithTaskID(id))
				continue
			}
			if _, ok := g.tasks[dep]; !ok {
				errs = append(errs, types.NewError(types.ErrCodeUnknownDependency,
					fmt.Sprintf("task %q depends on unknown task id %q", t.Name, dep)).WithTaskID(id))
			}
		}
	}

	marks := make(map[string]mark, len(g.tasks))
	var stack []string

	// The walk never aborts on a back edge: it records the cycle and keeps
	// going, so every node is fully explored and ends up marked visited.
	// Aborting instead would strand visiting marks on the stack, and a later
	// root reaching a stranded node would report a path that is not a cycle.
	var dfs func(id string)
	dfs = func(id string) {
		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			if dep == id {
				continue
			}
			if _, ok := g.tasks[dep]; !ok {
				continue
			}
			switch marks[dep] {
			case visiting:
				errs = append(errs, g.cycleError(stack, dep))
			case unvisited:
				dfs(dep)
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = visited
	}

	for _, id := range ids {
		if marks[id] == unvisited {
			dfs(id)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// cycleError builds a cycle report naming every task on the cycle, starting
// and ending at the back-edge target.
func (g *TaskGraph) cycleError(stack []string, backEdge string) *types.Error {
	start := 0
	for i, id := range stack {
		if id == backEdge {
			start = i
			break
		}
	}
	names := make([]string, 0, len(stack)-start+1)
	for _, id := range stack[start:] {
		names = append(names, g.taskName(id))
	}
	names = append(names, g.taskName(backEdge))
	return types.NewError(types.ErrCodeCycle,
		fmt.Sprintf("dependency cycle: %s", strings.Join(names, " -> ")))
}

func (g *TaskGraph) taskName(id string) string {
	if t, ok := g.tasks[id]; ok && t.Name != "" {
		return t.Name
	}
	return id
}

// Dependents returns the reverse adjacency: task ID -> IDs that depend on it.
// The queue uses this index to promote dependents on completion.
func (g *TaskGraph) Dependents() map[string][]string {
	rev := make(map[string][]string, len(g.tasks))
	for id, deps := range g.edges {
		for _, dep := range deps {
			rev[dep] = append(rev[dep], id)
		}
	}
	return rev
}
