package dag

import "sort"

// TopoSort returns a total ordering of the SubDAG in which every parent
// precedes its children, using Kahn's algorithm with a chain-preference
// tiebreak.
//
// A naive topological sort fragments question/answer chains when sibling
// branches interleave, which produces histories that confuse the model. The
// tiebreak keeps chains contiguous:
//
//  1. continue from the last emitted node through a single-parent child;
//  2. otherwise start a new pure chain (in-degree 1, out-degree 1);
//  3. otherwise take the smallest available id.
//
// The in-degree == 1 test in step 1 stops a merge point from being pulled up
// before its other parents' chains have been emitted. Ties resolve in id
// order, so the output is deterministic for identical input.
func TopoSort(d *SubDAG) []string {
	if d.Empty() {
		return nil
	}

	inDegree := make(map[string]int, len(d.Nodes))
	outDegree := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		for _, parentID := range node.ParentIDs {
			if _, ok := d.Nodes[parentID]; ok {
				inDegree[id]++
			}
		}
		for _, childID := range d.Edges[id] {
			if _, ok := d.Nodes[childID]; ok {
				outDegree[id]++
			}
		}
	}

	available := make(map[string]bool)
	for id := range d.Nodes {
		if inDegree[id] == 0 {
			available[id] = true
		}
	}

	live := make(map[string]int, len(inDegree))
	for id, deg := range inDegree {
		live[id] = deg
	}

	result := make([]string, 0, len(d.Nodes))
	for len(available) > 0 {
		var selected string

		if len(result) > 0 {
			last := result[len(result)-1]

			// Continue the chain through a single-parent child.
			for _, childID := range d.Edges[last] {
				if available[childID] && inDegree[childID] == 1 {
					selected = childID
					break
				}
			}

			if selected == "" {
				candidates := sortedKeys(available)

				// Start a new pure chain.
				for _, id := range candidates {
					if inDegree[id] == 1 && outDegree[id] == 1 {
						selected = id
						break
					}
				}
				if selected == "" {
					selected = candidates[0]
				}
			}
		} else {
			selected = sortedKeys(available)[0]
		}

		result = append(result, selected)
		delete(available, selected)

		for _, childID := range d.Edges[selected] {
			if _, ok := d.Nodes[childID]; !ok {
				continue
			}
			live[childID]--
			if live[childID] == 0 {
				available[childID] = true
			}
		}
	}

	return result
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
