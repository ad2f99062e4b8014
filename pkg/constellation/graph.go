package constellation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/galaxycore/constellation/pkg/errs"
	"github.com/galaxycore/constellation/pkg/eventbus"
)

func edgeKey(from, to string) string { return from + "\x00" + to }

// TaskConstellation is the live DAG (§3.1). It is guarded by a single
// RWMutex; Snapshot holds the read lock only while it deep-copies the
// graph, and the copy it returns shares nothing with the live graph.
type TaskConstellation struct {
	mu       sync.RWMutex
	id       string
	nodes    map[string]*TaskStar
	edges    map[string]*TaskStarLine
	incoming map[string][]*TaskStarLine // toID -> edges pointing at it
	revision int64
	state    State

	bus eventbus.Publisher
}

// New creates an empty, draft TaskConstellation. bus may be nil, in
// which case constellation_updated events are simply not published
// (useful for pure unit tests of the graph in isolation).
func New(id string, bus eventbus.Publisher) *TaskConstellation {
	if id == "" {
		id = uuid.NewString()
	}
	return &TaskConstellation{
		id:       id,
		nodes:    make(map[string]*TaskStar),
		edges:    make(map[string]*TaskStarLine),
		incoming: make(map[string][]*TaskStarLine),
		state:    StateDraft,
		bus:      bus,
	}
}

func (tc *TaskConstellation) ID() string { return tc.id }

func (tc *TaskConstellation) Revision() int64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.revision
}

func (tc *TaskConstellation) State() State {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.state
}

// SetState transitions the constellation's own lifecycle state (§3.3).
// It does not go through Batch since it is not a graph mutation.
func (tc *TaskConstellation) SetState(s State) {
	tc.mu.Lock()
	tc.state = s
	tc.mu.Unlock()
}

// Handle is the mutable view passed to a Batch function. Every method
// operates on an in-progress working copy; nothing is visible to other
// readers until the batch commits.
type Handle struct {
	nodes    map[string]*TaskStar
	edges    map[string]*TaskStarLine
	incoming map[string][]*TaskStarLine
}

// CreateNode inserts a new node into the working copy.
func (h *Handle) CreateNode(spec NodeSpec) (string, error) {
	if spec.DeviceBinding.IsEmpty() {
		return "", errs.New(errs.CategoryInvariant, errs.KindInvalidSpec, "create_node", "device_binding must not be empty")
	}
	if spec.MaxAttempts < 1 {
		spec.MaxAttempts = 1
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := h.nodes[id]; exists {
		return "", errs.Wrap(errs.CategoryInvariant, errs.KindDuplicate, "create_node", "node id already exists", nil)
	}
	h.nodes[id] = &TaskStar{
		ID:            id,
		Intent:        spec.Intent,
		Kind:          spec.Kind,
		DeviceBinding: spec.DeviceBinding,
		Status:        StatusPending,
		MaxAttempts:   spec.MaxAttempts,
		TimeoutMS:     spec.TimeoutMS,
		Timestamps:    Timestamps{CreatedAt: time.Now()},
	}
	return id, nil
}

// CreateEdge inserts a directed dependency into the working copy.
func (h *Handle) CreateEdge(from, to string, cond EdgeCondition) error {
	if _, ok := h.nodes[from]; !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "create_edge", "from node does not exist: "+from)
	}
	if _, ok := h.nodes[to]; !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "create_edge", "to node does not exist: "+to)
	}
	key := edgeKey(from, to)
	if _, exists := h.edges[key]; exists {
		return errs.New(errs.CategoryInvariant, errs.KindDuplicate, "create_edge", "edge already exists")
	}
	e := &TaskStarLine{FromID: from, ToID: to, Condition: cond}
	h.edges[key] = e
	h.incoming[to] = append(h.incoming[to], e)
	return nil
}

// RemoveNode removes a node and every edge touching it. A running node
// may not be removed (I3); the caller must cancel it first.
func (h *Handle) RemoveNode(id string) error {
	n, ok := h.nodes[id]
	if !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "remove_node", "node does not exist: "+id)
	}
	if n.Status == StatusRunning {
		return errs.InvariantViolationf("remove_node", "running_removed")
	}
	delete(h.nodes, id)
	for key, e := range h.edges {
		if e.FromID == id || e.ToID == id {
			delete(h.edges, key)
		}
	}
	for to, ins := range h.incoming {
		kept := ins[:0:0]
		for _, e := range ins {
			if e.FromID != id {
				kept = append(kept, e)
			}
		}
		h.incoming[to] = kept
	}
	delete(h.incoming, id)
	return nil
}

// RemoveEdge removes a single edge.
func (h *Handle) RemoveEdge(from, to string) error {
	key := edgeKey(from, to)
	e, ok := h.edges[key]
	if !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "remove_edge", "edge does not exist")
	}
	delete(h.edges, key)
	ins := h.incoming[to]
	for i, in := range ins {
		if in == e {
			h.incoming[to] = append(ins[:i], ins[i+1:]...)
			break
		}
	}
	return nil
}

var transitionLattice = map[Status]map[Status]bool{
	StatusPending: {StatusReady: true, StatusSkipped: true, StatusCancelled: true},
	StatusReady:   {StatusRunning: true, StatusSkipped: true, StatusCancelled: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusFailed:  {StatusPending: true}, // only via an explicit retry edit
}

// UpdateStatus transitions a node per the §4.1 lattice.
func (h *Handle) UpdateStatus(id string, newStatus Status, result map[string]interface{}, taskErr *TaskError) error {
	n, ok := h.nodes[id]
	if !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "update_status", "node does not exist: "+id)
	}
	if n.Status == newStatus {
		return nil
	}
	allowed := transitionLattice[n.Status]
	if !allowed[newStatus] {
		return errs.Wrap(errs.CategoryInvariant, errs.KindIllegalTransition, "update_status",
			string(n.Status)+" -> "+string(newStatus), nil)
	}
	now := time.Now()
	switch newStatus {
	case StatusRunning:
		n.Timestamps.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		n.Timestamps.FinishedAt = &now
	case StatusPending:
		// retry: bump attempt, clear prior terminal fields. A requeue
		// after a rejected dispatch is not an execution attempt and
		// leaves Attempt unchanged.
		if n.Error == nil || n.Error.Kind != "dispatch_rejected" {
			n.Attempt++
		}
		n.Result = nil
		n.Error = nil
		n.AssignedDeviceID = ""
		n.Timestamps.StartedAt = nil
		n.Timestamps.FinishedAt = nil
	}
	if result != nil {
		n.Result = result
	}
	if taskErr != nil {
		n.Error = taskErr
	}
	if newStatus != StatusRunning {
		n.AssignedDeviceID = ""
	}
	n.Status = newStatus
	return nil
}

// AssignDevice records that a node is running on deviceID. Called by
// the scheduler immediately before update_status(running) inside the
// same batch.
func (h *Handle) AssignDevice(id, deviceID string) error {
	n, ok := h.nodes[id]
	if !ok {
		return errs.New(errs.CategoryInvariant, errs.KindMissingNode, "assign_device", "node does not exist: "+id)
	}
	n.AssignedDeviceID = deviceID
	return nil
}

// readinessHolds implements the §4.1 readiness predicate for node id
// over the given working copy.
func readinessHolds(nodes map[string]*TaskStar, incoming map[string][]*TaskStarLine, id string) bool {
	ins := incoming[id]
	if len(ins) == 0 {
		return true
	}
	for _, e := range ins {
		u, ok := nodes[e.FromID]
		if !ok {
			return false
		}
		switch e.Condition {
		case ConditionAlways:
			if !(u.Status == StatusCompleted || u.Status == StatusFailed || u.Status == StatusSkipped) {
				return false
			}
		case ConditionOnSuccess:
			if u.Status != StatusCompleted {
				return false
			}
		case ConditionOnFailure:
			if u.Status != StatusFailed {
				return false
			}
		}
	}
	return true
}

// applyReadiness promotes every pending node whose predicate now holds
// to ready, and skips/readies downstream nodes whose upstream has
// terminated in a way that can never satisfy them (§4.4 failure
// handling: on_success successors of a failed node become skipped,
// on_failure successors become ready; on_failure successors of a
// completed node become skipped).
func applyReadiness(nodes map[string]*TaskStar, incoming map[string][]*TaskStarLine) {
	changed := true
	for changed {
		changed = false
		for id, n := range nodes {
			if n.Status != StatusPending {
				continue
			}
			if readinessHolds(nodes, incoming, id) {
				n.Status = StatusReady
				changed = true
				continue
			}
			if dependencyUnreachable(nodes, incoming, id) {
				n.Status = StatusSkipped
				now := time.Now()
				n.Timestamps.FinishedAt = &now
				changed = true
			}
		}
	}
}

// dependencyUnreachable reports whether id has an incoming edge whose
// predecessor has terminated in a way the edge's condition can never
// accept (an on_success predecessor that did not complete, an
// on_failure predecessor that did not fail, or a cancelled always
// predecessor), meaning it can never become ready. An always or
// on_failure edge whose predecessor has not terminated yet ends the
// check with false, so the node is re-examined on a later commit.
func dependencyUnreachable(nodes map[string]*TaskStar, incoming map[string][]*TaskStarLine, id string) bool {
	ins := incoming[id]
	if len(ins) == 0 {
		return false
	}
	for _, e := range ins {
		u, ok := nodes[e.FromID]
		if !ok {
			continue
		}
		switch e.Condition {
		case ConditionOnSuccess:
			if u.Status.IsTerminal() && u.Status != StatusCompleted {
				return true
			}
		case ConditionAlways:
			if u.Status == StatusCancelled {
				return true
			}
			if u.Status.IsTerminal() {
				continue
			}
			return false
		case ConditionOnFailure:
			if u.Status.IsTerminal() && u.Status != StatusFailed {
				return true
			}
			if u.Status == StatusFailed {
				continue
			}
			return false
		}
	}
	return false
}

// ReadyNodes returns the ids of nodes currently in StatusReady.
func (tc *TaskConstellation) ReadyNodes() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	var out []string
	for id, n := range tc.nodes {
		if n.Status == StatusReady {
			out = append(out, id)
		}
	}
	return out
}

// Node returns a clone of a single node, or nil if absent.
func (tc *TaskConstellation) Node(id string) *TaskStar {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	n, ok := tc.nodes[id]
	if !ok {
		return nil
	}
	return n.Clone()
}

// CreateNode is sugar over Batch for a single node insert.
func (tc *TaskConstellation) CreateNode(spec NodeSpec) (string, error) {
	var id string
	err := tc.Batch(func(h *Handle) error {
		var e error
		id, e = h.CreateNode(spec)
		return e
	})
	return id, err
}

// CreateEdge is sugar over Batch for a single edge insert.
func (tc *TaskConstellation) CreateEdge(from, to string, cond EdgeCondition) error {
	return tc.Batch(func(h *Handle) error { return h.CreateEdge(from, to, cond) })
}

// RemoveNode is sugar over Batch for a single node removal.
func (tc *TaskConstellation) RemoveNode(id string) error {
	return tc.Batch(func(h *Handle) error { return h.RemoveNode(id) })
}

// RemoveEdge is sugar over Batch for a single edge removal.
func (tc *TaskConstellation) RemoveEdge(from, to string) error {
	return tc.Batch(func(h *Handle) error { return h.RemoveEdge(from, to) })
}

// UpdateStatus is sugar over Batch for a single status transition.
func (tc *TaskConstellation) UpdateStatus(id string, status Status, result map[string]interface{}, taskErr *TaskError) error {
	return tc.Batch(func(h *Handle) error { return h.UpdateStatus(id, status, result, taskErr) })
}
