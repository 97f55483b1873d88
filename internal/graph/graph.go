// Package graph validates task dependency graphs and computes their
// topological order.
package graph

import (
	"fmt"
	"sort"

	"github.com/rendis/taskflow/pkg/schema"
)

// Graph is the in-memory dependency graph of a workflow definition.
// Edges include the implicit run_on_failure_of link from a compensator to the
// task it compensates.
type Graph struct {
	Tasks   map[string]*schema.Task // task name → definition
	Edges   map[string][]string     // task name → tasks it waits on
	Reverse map[string][]string     // task name → tasks waiting on it
	Sorted  []string                // topological order
	Roots   []string                // tasks with no incoming edges
	Levels  [][]string              // groups that may run in parallel
}

// Validate reports whether tasks form a valid graph. It is Build without the
// result.
func Validate(tasks []schema.Task) error {
	_, err := Build(tasks)
	return err
}

// Build parses tasks into a Graph. It rejects duplicate names, dependencies on
// unknown tasks and cycles. For a cycle, the error details carry the sorted
// names of exactly the tasks that lie on a cycle.
func Build(tasks []schema.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no tasks")
	}

	g := &Graph{
		Tasks:   make(map[string]*schema.Task, len(tasks)),
		Edges:   make(map[string][]string, len(tasks)),
		Reverse: make(map[string][]string, len(tasks)),
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has empty name", i)
		}
		if _, exists := g.Tasks[t.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateTask, "duplicate task name: %s", t.Name).
				WithDetails(map[string]any{"task": t.Name})
		}
		g.Tasks[t.Name] = t
	}

	// Iterate in input order so the first offending reference is reported.
	for i := range tasks {
		t := &tasks[i]
		seen := make(map[string]bool, len(t.Dependencies)+1)
		refs := t.Dependencies
		if t.RunOnFailureOf != "" {
			refs = append(append([]string(nil), t.Dependencies...), t.RunOnFailureOf)
		}
		deps := make([]string, 0, len(refs))
		for _, dep := range refs {
			if _, exists := g.Tasks[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"task %s depends on unknown task: %s", t.Name, dep).
					WithDetails(map[string]any{"task": t.Name, "dependency": dep})
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], t.Name)
		}
		g.Edges[t.Name] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Tasks))
	for name := range g.Tasks {
		inDegree[name] = len(g.Edges[name])
	}

	queue := make([]string, 0, len(g.Tasks))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)
	g.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(g.Tasks))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), g.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Tasks) {
		remaining := make(map[string]bool, len(g.Tasks)-len(sorted))
		for name, deg := range inDegree {
			if deg > 0 {
				remaining[name] = true
			}
		}
		cyclic := cyclicTasks(g.Edges, remaining)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"dependency cycle among tasks: %v", cyclic).
			WithDetails(map[string]any{"tasks": cyclic})
	}

	g.Sorted = sorted
	g.Levels = computeLevels(g)
	return g, nil
}

// cyclicTasks narrows the nodes left over by Kahn's pass to the ones that sit
// on a cycle. Nodes that only depend on a cycle are dropped. It runs Tarjan's
// strongly connected components over the remaining subgraph.
func cyclicTasks(edges map[string][]string, remaining map[string]bool) []string {
	nodes := make([]string, 0, len(remaining))
	for n := range remaining {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var (
		index   = 0
		indices = make(map[string]int, len(nodes))
		lowlink = make(map[string]int, len(nodes))
		onStack = make(map[string]bool, len(nodes))
		stack   []string
		out     []string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if !remaining[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || selfLoop(edges, v) {
			out = append(out, component...)
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}

	sort.Strings(out)
	return out
}

func selfLoop(edges map[string][]string, v string) bool {
	for _, w := range edges[v] {
		if w == v {
			return true
		}
	}
	return false
}

// computeLevels groups tasks by topological depth. Tasks at the same level
// have all their edges satisfied by earlier levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Tasks))
	maxLevel := 0
	for _, name := range g.Sorted {
		d := 0
		for _, dep := range g.Edges[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range g.Sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// Dependents returns every task transitively reachable from name through
// reverse edges, in topological order.
func (g *Graph) Dependents(name string) []string {
	reached := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range g.Reverse[n] {
			if !reached[d] {
				reached[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(reached))
	for _, n := range g.Sorted {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// String renders the graph levels, mostly for debugging and CLI output.
func (g *Graph) String() string {
	s := ""
	for i, level := range g.Levels {
		s += fmt.Sprintf("level %d: %v\n", i, level)
	}
	return s
}
