package scheduler

import (
	"github.com/taskvisor/taskvisor/internal/task"
)

// Rule derives implicit edges from a task collection.
// Rules must be pure: the same input yields the same edges in the same order.
type Rule func(tasks []*task.Task) []Edge

// DefaultRules is the rule set applied by Build unless overridden.
var DefaultRules = []Rule{
	TestingDependsOnImplementation,
	DeploymentDependsOnAll,
}

// TestingDependsOnImplementation makes every testing task depend on every
// frontend and backend task of the same requirement.
func TestingDependsOnImplementation(tasks []*task.Task) []Edge {
	var edges []Edge
	for _, t := range tasks {
		if t.Category != task.CategoryTesting || t.RequirementID == "" {
			continue
		}
		for _, other := range tasks {
			if other.ID == t.ID || other.RequirementID != t.RequirementID {
				continue
			}
			if other.Category.IsImplementation() {
				edges = append(edges, Edge{From: other.ID, To: t.ID, Kind: EdgeHard, Implicit: true})
			}
		}
	}
	return edges
}

// DeploymentDependsOnAll makes every deployment task depend on every
// non-deployment task of the same requirement.
func DeploymentDependsOnAll(tasks []*task.Task) []Edge {
	var edges []Edge
	for _, t := range tasks {
		if t.Category != task.CategoryDeployment || t.RequirementID == "" {
			continue
		}
		for _, other := range tasks {
			if other.ID == t.ID || other.RequirementID != t.RequirementID {
				continue
			}
			if other.Category != task.CategoryDeployment {
				edges = append(edges, Edge{From: other.ID, To: t.ID, Kind: EdgeHard, Implicit: true})
			}
		}
	}
	return edges
}

// applyRules merges rule edges into each task's dependency set.
// Returns the set of (from,to) pairs that were introduced by a rule.
func applyRules(tasks []*task.Task, rules []Rule) map[[2]string]bool {
	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	implicit := make(map[[2]string]bool)
	for _, rule := range rules {
		for _, e := range rule(tasks) {
			to, ok := byID[e.To]
			if !ok {
				continue
			}
			if to.AddDependency(e.From) {
				implicit[[2]string{e.From, e.To}] = true
			}
		}
	}
	return implicit
}
