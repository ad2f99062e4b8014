// Package constellation implements the TaskConstellation DAG data
// model (§3, §4.1): TaskStar nodes, TaskStarLine edges, and the
// invariant-checked batch edit transaction that is the only way to
// mutate one. It is grounded in the teacher's scheduler node/model
// registries (pkg/scheduler/engine.go's map[string]*NodeInfo/*ModelInfo
// guarded by RWMutex) generalized from a flat registry to a graph.
package constellation

import "time"

// Kind distinguishes executable work from pure aggregation points.
type Kind string

const (
	KindTask       Kind = "task"
	KindDiagnostic Kind = "diagnostic"
	KindSentinel   Kind = "sentinel"
)

// Status is a TaskStar's position in the §4.1 lattice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether status cannot advance further on its own.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// EdgeCondition governs whether a TaskStarLine releases its successor.
type EdgeCondition string

const (
	ConditionAlways    EdgeCondition = "always"
	ConditionOnSuccess EdgeCondition = "on_success"
	ConditionOnFailure EdgeCondition = "on_failure"
)

// DeviceBinding is either a concrete device id or a capability
// predicate; exactly one of DeviceID or Capabilities/OS should be set.
type DeviceBinding struct {
	DeviceID     string   `json:"device_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	OS           string   `json:"os,omitempty"`
}

// IsEmpty reports whether the binding names neither a device nor any
// capability, which create_node rejects as InvalidSpec.
func (b DeviceBinding) IsEmpty() bool {
	return b.DeviceID == "" && len(b.Capabilities) == 0 && b.OS == ""
}

// TaskError is the structured error record a TaskStar carries on
// failure, populated from an AIP task_failed frame or a scheduler
// policy decision (timeout, device_lost).
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Timestamps tracks a TaskStar's lifecycle milestones.
type Timestamps struct {
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskStar is a single constellation node (§3.1).
type TaskStar struct {
	ID                string
	Intent            string
	Kind              Kind
	DeviceBinding     DeviceBinding
	Status            Status
	Attempt           int
	MaxAttempts       int
	Result            map[string]interface{}
	Error             *TaskError
	AssignedDeviceID  string
	TimeoutMS         int64
	Timestamps        Timestamps
}

// Clone returns a deep-enough copy that later mutations of the live
// graph never show through a snapshot holding it.
func (t *TaskStar) Clone() *TaskStar {
	c := *t
	if t.Result != nil {
		c.Result = make(map[string]interface{}, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	c.DeviceBinding.Capabilities = append([]string(nil), t.DeviceBinding.Capabilities...)
	return &c
}

// TaskStarLine is a directed dependency edge (§3.1).
type TaskStarLine struct {
	FromID    string
	ToID      string
	Condition EdgeCondition
}

// State is the TaskConstellation's overall lifecycle state (§3.3).
type State string

const (
	StateDraft     State = "draft"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// NodeSpec is the caller-supplied payload for create_node.
type NodeSpec struct {
	ID            string
	Intent        string
	Kind          Kind
	DeviceBinding DeviceBinding
	MaxAttempts   int
	TimeoutMS     int64
}
