package constellation

import (
	"github.com/galaxycore/constellation/pkg/errs"
	"github.com/galaxycore/constellation/pkg/eventbus"
)

func cloneNodes(src map[string]*TaskStar) map[string]*TaskStar {
	out := make(map[string]*TaskStar, len(src))
	for id, n := range src {
		out[id] = n.Clone()
	}
	return out
}

func cloneEdges(src map[string]*TaskStarLine) (map[string]*TaskStarLine, map[string][]*TaskStarLine) {
	edges := make(map[string]*TaskStarLine, len(src))
	incoming := make(map[string][]*TaskStarLine)
	for k, e := range src {
		ne := *e
		edges[k] = &ne
		incoming[ne.ToID] = append(incoming[ne.ToID], &ne)
	}
	return edges, incoming
}

// Batch runs fn against a working copy of the graph and, if fn
// succeeds and the result satisfies I1-I5, atomically commits it as
// the new live graph, bumps revision, and publishes
// constellation_updated (§4.1). If fn errors or an invariant is
// violated, the live graph is untouched and the error is returned.
func (tc *TaskConstellation) Batch(fn func(*Handle) error) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	workNodes := cloneNodes(tc.nodes)
	workEdges, workIncoming := cloneEdges(tc.edges)
	h := &Handle{nodes: workNodes, edges: workEdges, incoming: workIncoming}

	if err := fn(h); err != nil {
		return err
	}

	applyReadiness(h.nodes, h.incoming)

	if err := validateInvariants(h.nodes, h.edges); err != nil {
		return err
	}

	tc.nodes = h.nodes
	tc.edges = h.edges
	tc.incoming = h.incoming
	tc.revision++

	if tc.bus != nil {
		tc.bus.Publish(eventbus.NewConstellationEvent(tc.id, eventbus.ConstellationUpdated, tc.revision, ""))
	}
	return nil
}

// validateInvariants checks I1 (acyclicity), I2 (referential
// integrity - enforced incrementally by Handle already, re-checked
// here for defense in depth), and I4 (single assignment, the
// TaskConstellation-local half: no two running nodes share an assigned
// device). I3 (no terminal node regressed) is not re-checked here; it
// is enforced only by the lattice in Handle.UpdateStatus.
func validateInvariants(nodes map[string]*TaskStar, edges map[string]*TaskStarLine) error {
	for _, e := range edges {
		if _, ok := nodes[e.FromID]; !ok {
			return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "batch", "edge references missing node: "+e.FromID)
		}
		if _, ok := nodes[e.ToID]; !ok {
			return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "batch", "edge references missing node: "+e.ToID)
		}
	}

	if hasCycle(nodes, edges) {
		return errs.New(errs.CategoryInvariant, errs.KindCycle, "batch", "commit would introduce a cycle")
	}

	assignedTo := make(map[string]string)
	for id, n := range nodes {
		if n.Status == StatusRunning && n.AssignedDeviceID != "" {
			if other, exists := assignedTo[n.AssignedDeviceID]; exists {
				_ = other
				return errs.InvariantViolationf("batch", "single_assignment")
			}
			assignedTo[n.AssignedDeviceID] = id
		}
	}
	return nil
}

// hasCycle runs Kahn's algorithm over the proposed graph (I1).
func hasCycle(nodes map[string]*TaskStar, edges map[string]*TaskStarLine) bool {
	indegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for _, e := range edges {
		adj[e.FromID] = append(adj[e.FromID], e.ToID)
		indegree[e.ToID]++
	}

	queue := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range adj[id] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	return visited != len(nodes)
}
