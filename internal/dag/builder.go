// Package dag builds and linearizes the ancestor subgraph of a conversation.
//
// A conversation is a DAG of message nodes: an assistant reply may spawn
// several child questions (branching) and a question may reference several
// earlier replies as parents (merging). Given the parent ids of a new turn,
// Build collects exactly the ancestor closure of those ids and TopoSort
// linearizes it into a history an LLM chat API accepts.
package dag

import (
	"context"
	"log/slog"

	"github.com/zm-bad/dagchat/internal/store"
)

const (
	// maxDepth bounds the number of BFS batches. The graph is maintained
	// acyclic, so this only guards against pathological data.
	maxDepth = 2000

	// batchSize caps a single FindByIDs round-trip.
	batchSize = 100
)

// NodeLookup is the slice of store.NodeStore the builder needs.
type NodeLookup interface {
	FindByIDs(ctx context.Context, ids []string) ([]store.MessageNode, error)
}

// SubDAG is the ancestor closure of a set of start nodes. Nodes maps id to
// node; Edges maps id to its children inside the closure, in a stable order.
// Order records BFS discovery order and makes edge derivation deterministic.
type SubDAG struct {
	Nodes map[string]store.MessageNode
	Edges map[string][]string
	order []string
}

// Empty reports whether the closure contains no nodes, which callers treat
// as "no prior history".
func (d *SubDAG) Empty() bool {
	return d == nil || len(d.Nodes) == 0
}

// Build walks upward from parentIDs through parent links and returns the
// ancestor closure. Malformed or unknown ids are skipped; hitting maxDepth
// logs a warning and returns the partial closure.
func Build(ctx context.Context, nodes NodeLookup, parentIDs []string) (*SubDAG, error) {
	d := &SubDAG{
		Nodes: make(map[string]store.MessageNode),
		Edges: make(map[string][]string),
	}

	queue := make([]string, 0, len(parentIDs))
	for _, id := range parentIDs {
		if id != "" {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return d, nil
	}

	visited := make(map[string]bool)
	depth := 0

	for len(queue) > 0 && depth < maxDepth {
		n := min(len(queue), batchSize)
		batch := queue[:n]
		queue = queue[n:]

		found, err := nodes.FindByIDs(ctx, batch)
		if err != nil {
			return nil, err
		}

		for _, node := range found {
			if visited[node.ID] {
				continue
			}
			visited[node.ID] = true
			d.Nodes[node.ID] = node
			d.order = append(d.order, node.ID)

			for _, parentID := range node.ParentIDs {
				if parentID != "" && !visited[parentID] {
					queue = append(queue, parentID)
				}
			}
		}
		depth++
	}

	if depth >= maxDepth && len(queue) > 0 {
		slog.Warn("dag.traversal_bounded", "max_depth", maxDepth, "pending", len(queue))
	}

	// Derive child edges from the collected nodes. Iterating in discovery
	// order keeps the edge lists stable for a given FindByIDs order; edges
	// pointing outside the closure are dropped.
	for _, id := range d.order {
		for _, parentID := range d.Nodes[id].ParentIDs {
			if _, ok := d.Nodes[parentID]; ok {
				d.Edges[parentID] = append(d.Edges[parentID], id)
			}
		}
	}

	slog.Debug("dag.subdag_built", "nodes", len(d.Nodes), "edges", edgeCount(d.Edges))
	return d, nil
}

func edgeCount(edges map[string][]string) int {
	n := 0
	for _, children := range edges {
		n += len(children)
	}
	return n
}
