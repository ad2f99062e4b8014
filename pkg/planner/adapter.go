// Package planner implements PlannerAdapter (§4.6): the thin boundary
// between the orchestration core and the external decomposer/editor.
// The adapter's job ends at serializing a request and deserializing a
// DAG/edit batch; prompt engineering, few-shot examples, and the
// planner's own reasoning are explicitly out of core scope (§2).
package planner

import (
	"context"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
)

// EdgeSpec is a planner-proposed edge for the initial DAG.
type EdgeSpec struct {
	FromID    string
	ToID      string
	Condition constellation.EdgeCondition
}

// DagSpec is create()'s return value: an initial DAG to install (§4.6).
type DagSpec struct {
	Nodes []constellation.NodeSpec
	Edges []EdgeSpec
}

// Trigger describes why edit() was invoked, so an LLM-backed adapter
// can explain the specific event it is replanning around.
type Trigger struct {
	Reason string // "task_failed" | "task_completed" | "periodic" | ...
	TaskID string
}

// Adapter is the public contract of §4.6.
type Adapter interface {
	Create(ctx context.Context, userRequest string, devices []device.Record) (DagSpec, error)
	Edit(ctx context.Context, snapshot constellation.Snapshot, trigger Trigger) (constellation.EditBatch, error)
}
