package scheduler

// Sort orders ids with Kahn's algorithm. ids carries declaration order,
// which seeds the FIFO queue and breaks ties between ready nodes.
// deps maps each id to the ids it depends on; every dependency must be in ids.
//
// If any node is left unplaced the graph has a cycle and Sort returns a
// *CycleError naming the unplaced nodes. No partial order is returned.
func Sort(ids []string, deps map[string][]string) ([]string, error) {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	// Iterating in declaration order keeps each dependents list in declaration order.
	for _, id := range ids {
		for _, dep := range deps[id] {
			if _, ok := pos[dep]; !ok {
				return nil, &MissingDependencyError{TaskID: id, DependencyID: dep}
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(ids) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		var stuck []string
		for _, id := range ids {
			if !placed[id] {
				stuck = append(stuck, id)
			}
		}
		return nil, &CycleError{IDs: stuck}
	}

	return order, nil
}
