package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/taskvisor/taskvisor/internal/task"
)

// EdgeKind distinguishes blocking from informational dependencies.
type EdgeKind string

const (
	EdgeHard EdgeKind = "hard" // Blocks start until the source is done
	EdgeSoft EdgeKind = "soft" // Informational only
)

// Edge means From must finish before To may start.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Kind     EdgeKind `json:"kind"`
	Implicit bool     `json:"implicit"`
}

// Graph is a validated dependency graph with a computed topological order.
// Tasks held by the graph carry their merged (explicit + implicit) dependencies.
type Graph struct {
	mu       sync.RWMutex
	rules    []Rule
	tasks    []*task.Task        // Declaration order
	index    map[string]int      // Task ID -> position in tasks
	implicit map[[2]string]bool  // Edges introduced by rules
	order    []string
}

// Option configures Build.
type Option func(*Graph)

// WithRules replaces DefaultRules.
func WithRules(rules ...Rule) Option {
	return func(g *Graph) {
		g.rules = rules
	}
}

// Build validates tasks, merges implicit edges and computes the order.
// Input tasks are copied; the caller's slice is never modified.
// Fails with *MissingDependencyError or *CycleError.
func Build(tasks []*task.Task, opts ...Option) (*Graph, error) {
	g := &Graph{
		rules:    DefaultRules,
		index:    make(map[string]int),
		implicit: make(map[[2]string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.Merge(tasks); err != nil {
		return nil, err
	}
	return g, nil
}

// Merge adds new tasks to the graph. New tasks may depend on tasks already
// in the graph. Rules are re-applied over the union and the order recomputed.
// On error the graph is left exactly as it was.
func (g *Graph) Merge(newTasks []*task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	all := task.CloneAll(g.tasks)
	index := make(map[string]int, len(all)+len(newTasks))
	for i, t := range all {
		index[t.ID] = i
	}

	for _, t := range newTasks {
		if t == nil || t.ID == "" {
			return fmt.Errorf("task with empty ID")
		}
		if _, exists := index[t.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", t.ID)
		}
		index[t.ID] = len(all)
		all = append(all, t.Clone())
	}

	// Explicit references are checked before rules run so the error names the caller's mistake.
	for _, t := range all {
		for _, depID := range t.Dependencies {
			if _, ok := index[depID]; !ok {
				return &MissingDependencyError{TaskID: t.ID, DependencyID: depID}
			}
		}
	}

	implicit := applyRules(all, g.rules)
	for k := range g.implicit {
		implicit[k] = true
	}

	ids := make([]string, len(all))
	deps := make(map[string][]string, len(all))
	for i, t := range all {
		ids[i] = t.ID
		deps[t.ID] = t.Dependencies
	}

	order, err := Sort(ids, deps)
	if err != nil {
		return err
	}
	if _, err := crossCheck(all, index); err != nil {
		return fmt.Errorf("order cross-check: %w", err)
	}

	g.tasks = all
	g.index = index
	g.implicit = implicit
	g.order = order
	return nil
}

// Order returns the topological order computed by the last Build or Merge.
func (g *Graph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(taskID string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[taskID]
	if !ok {
		return nil, false
	}
	return g.tasks[i].Clone(), true
}

// Tasks returns copies of all tasks in declaration order.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return task.CloneAll(g.tasks)
}

// Edges returns every edge, grouped by target in declaration order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []Edge
	for _, t := range g.tasks {
		for _, depID := range t.Dependencies {
			edges = append(edges, Edge{
				From:     depID,
				To:       t.ID,
				Kind:     EdgeHard,
				Implicit: g.implicit[[2]string{depID, t.ID}],
			})
		}
	}
	return edges
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, t := range g.tasks {
		if t.HasDependency(taskID) {
			out = append(out, t.ID)
		}
	}
	return out
}

// Ready returns, in topological order, the IDs of pending tasks whose
// dependencies are all done according to status.
func (g *Graph) Ready(status func(taskID string) task.Status) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.order {
		if status(id) != task.StatusPending {
			continue
		}
		t := g.tasks[g.index[id]]
		allDone := true
		for _, depID := range t.Dependencies {
			if status(depID) != task.StatusDone {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// Levels groups the order into readiness tiers: a task's tier is one more
// than the highest tier among its dependencies.
func (g *Graph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tier := make(map[string]int, len(g.order))
	var levels [][]string
	for _, id := range g.order {
		lvl := 0
		for _, depID := range g.tasks[g.index[id]].Dependencies {
			if tier[depID]+1 > lvl {
				lvl = tier[depID] + 1
			}
		}
		tier[id] = lvl
		for len(levels) <= lvl {
			levels = append(levels, nil)
		}
		levels[lvl] = append(levels[lvl], id)
	}
	return levels
}

// Validate cross-checks the graph with gammazero/toposort.
// Returns an order or an error if a cycle or dangling reference is found.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return crossCheck(g.tasks, g.index)
}

// crossCheck orders tasks with gammazero/toposort, independently of Sort.
// Merge runs it before committing so the two sorts must agree.
func crossCheck(tasks []*task.Task, index map[string]int) ([]string, error) {
	for _, t := range tasks {
		for _, depID := range t.Dependencies {
			if _, exists := index[depID]; !exists {
				return nil, &MissingDependencyError{TaskID: t.ID, DependencyID: depID}
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, depID := range t.Dependencies {
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, t := range tasks {
			if !found[t.ID] {
				missing = append(missing, t.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
