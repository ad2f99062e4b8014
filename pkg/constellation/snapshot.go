package constellation

// Snapshot is an immutable, read-only view of a constellation (§3.3
// Ownership: "the PlannerAdapter receives snapshots ... but never
// mutates directly"). It is produced by structural copy, never by
// holding a reference into the live graph, so the planner can hold it
// for an arbitrary amount of time without blocking writers.
type Snapshot struct {
	ConstellationID string
	Revision        int64
	State           State
	Nodes           map[string]*TaskStar
	Edges           []TaskStarLine
}

// Snapshot produces a read-only view safe to hand to the planner by
// deep-copying every node and edge. It is not lock-free: it holds the
// read lock while copying, so it waits for an in-progress Batch commit,
// but it releases the lock before returning and the copy shares no
// structure with the live graph.
func (tc *TaskConstellation) Snapshot() Snapshot {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	nodes := make(map[string]*TaskStar, len(tc.nodes))
	for id, n := range tc.nodes {
		nodes[id] = n.Clone()
	}
	edges := make([]TaskStarLine, 0, len(tc.edges))
	for _, e := range tc.edges {
		edges = append(edges, *e)
	}
	return Snapshot{
		ConstellationID: tc.id,
		Revision:        tc.revision,
		State:           tc.state,
		Nodes:           nodes,
		Edges:           edges,
	}
}

// NodeEdit is the subset of TaskStar fields a planner edit may change
// for a surviving node; every other field (status, attempt, result,
// error, timestamps, assigned device) is runtime state the state-merge
// algorithm always preserves (§4.1 "State-merge algorithm").
type NodeEdit struct {
	ID            string
	Intent        string
	DeviceBinding DeviceBinding
	MaxAttempts   int
	TimeoutMS     int64
}

// EdgeEdit is a planner-proposed edge, touching (at least) one edited
// or new node.
type EdgeEdit struct {
	FromID    string
	ToID      string
	Condition EdgeCondition
}

// EdgeRef identifies an edge to remove.
type EdgeRef struct {
	FromID string
	ToID   string
}

// EditBatch is the diff a planner edit resolves to: upserted nodes
// (new or surviving-with-changed-fields), removed nodes, and edge
// changes. Kind defaults to KindTask for newly created nodes unless
// NewNodeKinds names otherwise.
type EditBatch struct {
	UpsertNodes   []NodeEdit
	NewNodeKinds  map[string]Kind
	RemoveNodeIDs []string
	UpsertEdges   []EdgeEdit
	RemoveEdges   []EdgeRef
}

// ApplyEdit commits a planner-proposed diff via Batch, implementing
// the §4.1 state-merge algorithm: for each surviving node, only
// Intent/DeviceBinding/MaxAttempts/TimeoutMS may change; current
// runtime state is preserved because edited nodes are mutated in
// place rather than replaced. Removing a running node is rejected by
// Handle.RemoveNode before this ever reaches invariant validation.
func ApplyEdit(tc *TaskConstellation, batch EditBatch) error {
	return tc.Batch(func(h *Handle) error {
		for _, id := range batch.RemoveNodeIDs {
			if err := h.RemoveNode(id); err != nil {
				return err
			}
		}
		for _, ne := range batch.UpsertNodes {
			if existing, ok := h.nodes[ne.ID]; ok {
				existing.Intent = ne.Intent
				if !ne.DeviceBinding.IsEmpty() {
					existing.DeviceBinding = ne.DeviceBinding
				}
				if ne.MaxAttempts > 0 {
					existing.MaxAttempts = ne.MaxAttempts
				}
				existing.TimeoutMS = ne.TimeoutMS
				continue
			}
			kind := KindTask
			if batch.NewNodeKinds != nil {
				if k, ok := batch.NewNodeKinds[ne.ID]; ok {
					kind = k
				}
			}
			if _, err := h.CreateNode(NodeSpec{
				ID: ne.ID, Intent: ne.Intent, Kind: kind,
				DeviceBinding: ne.DeviceBinding, MaxAttempts: ne.MaxAttempts, TimeoutMS: ne.TimeoutMS,
			}); err != nil {
				return err
			}
		}
		for _, re := range batch.RemoveEdges {
			if err := h.RemoveEdge(re.FromID, re.ToID); err != nil {
				return err
			}
		}
		for _, ee := range batch.UpsertEdges {
			key := edgeKey(ee.FromID, ee.ToID)
			if _, exists := h.edges[key]; exists {
				continue
			}
			if err := h.CreateEdge(ee.FromID, ee.ToID, ee.Condition); err != nil {
				return err
			}
		}
		return nil
	})
}
