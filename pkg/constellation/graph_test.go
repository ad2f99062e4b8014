package constellation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaxycore/constellation/pkg/constellation"
)

func mustCreate(t *testing.T, tc *constellation.TaskConstellation, id string) string {
	t.Helper()
	nid, err := tc.CreateNode(constellation.NodeSpec{
		ID: id, Intent: "do " + id, Kind: constellation.KindTask,
		DeviceBinding: constellation.DeviceBinding{DeviceID: "d1"},
		MaxAttempts:   1,
	})
	require.NoError(t, err)
	return nid
}

func TestLinearChainReadiness(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	b := mustCreate(t, tc, "B")
	c := mustCreate(t, tc, "C")
	require.NoError(t, tc.CreateEdge(a, b, constellation.ConditionOnSuccess))
	require.NoError(t, tc.CreateEdge(b, c, constellation.ConditionOnSuccess))

	ready := tc.ReadyNodes()
	assert.ElementsMatch(t, []string{a}, ready)

	require.NoError(t, tc.UpdateStatus(a, constellation.StatusRunning, nil, nil))
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusCompleted, map[string]interface{}{"ok": true}, nil))

	ready = tc.ReadyNodes()
	assert.ElementsMatch(t, []string{b}, ready)
}

func TestCreateEdgeRejectsCycle(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	b := mustCreate(t, tc, "B")
	require.NoError(t, tc.CreateEdge(a, b, constellation.ConditionAlways))

	err := tc.CreateEdge(b, a, constellation.ConditionAlways)
	require.Error(t, err)
}

func TestCreateNodeRejectsEmptyBinding(t *testing.T) {
	tc := constellation.New("c1", nil)
	_, err := tc.CreateNode(constellation.NodeSpec{ID: "x", Intent: "x"})
	require.Error(t, err)
}

func TestDuplicateEdgeRejected(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	b := mustCreate(t, tc, "B")
	require.NoError(t, tc.CreateEdge(a, b, constellation.ConditionAlways))
	require.Error(t, tc.CreateEdge(a, b, constellation.ConditionAlways))
}

func TestRunningNodeCannotBeRemoved(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusRunning, nil, nil))
	err := tc.RemoveNode(a)
	require.Error(t, err)
}

func TestOnFailureFallback(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	b := mustCreate(t, tc, "B")
	bPrime := mustCreate(t, tc, "Bprime")
	require.NoError(t, tc.CreateEdge(a, b, constellation.ConditionOnSuccess))
	require.NoError(t, tc.CreateEdge(a, bPrime, constellation.ConditionOnFailure))

	require.NoError(t, tc.UpdateStatus(a, constellation.StatusRunning, nil, nil))
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusFailed, nil, &constellation.TaskError{Kind: "execution_error"}))

	assert.Equal(t, constellation.StatusSkipped, tc.Node(b).Status)
	assert.Equal(t, constellation.StatusReady, tc.Node(bPrime).Status)
}

func TestRetryEditBumpsAttempt(t *testing.T) {
	tc := constellation.New("c1", nil)
	a, err := tc.CreateNode(constellation.NodeSpec{
		ID: "A", Intent: "x", Kind: constellation.KindTask,
		DeviceBinding: constellation.DeviceBinding{DeviceID: "d1"}, MaxAttempts: 2,
	})
	require.NoError(t, err)
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusRunning, nil, nil))
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusFailed, nil, &constellation.TaskError{Kind: "timeout"}))

	require.NoError(t, tc.UpdateStatus(a, constellation.StatusPending, nil, nil))
	node := tc.Node(a)
	assert.Equal(t, 1, node.Attempt)
	assert.Equal(t, constellation.StatusReady, node.Status)
}

func TestEmptyBatchStillIncrementsRevision(t *testing.T) {
	tc := constellation.New("c1", nil)
	before := tc.Revision()
	require.NoError(t, tc.Batch(func(h *constellation.Handle) error { return nil }))
	assert.Equal(t, before+1, tc.Revision())
}

func TestApplyEditPreservesRunningState(t *testing.T) {
	tc := constellation.New("c1", nil)
	s1 := mustCreate(t, tc, "S1")
	tnode := mustCreate(t, tc, "T")
	require.NoError(t, tc.CreateEdge(s1, tnode, constellation.ConditionOnSuccess))
	require.NoError(t, tc.UpdateStatus(s1, constellation.StatusRunning, nil, nil))

	err := constellation.ApplyEdit(tc, constellation.EditBatch{
		UpsertNodes: []constellation.NodeEdit{
			{ID: s1, Intent: "renamed intent", DeviceBinding: constellation.DeviceBinding{DeviceID: "d1"}, MaxAttempts: 1},
		},
	})
	require.NoError(t, err)

	node := tc.Node(s1)
	assert.Equal(t, constellation.StatusRunning, node.Status)
	assert.Equal(t, "renamed intent", node.Intent)
}

func TestApplyEditRejectsRemovingRunningNode(t *testing.T) {
	tc := constellation.New("c1", nil)
	a := mustCreate(t, tc, "A")
	require.NoError(t, tc.UpdateStatus(a, constellation.StatusRunning, nil, nil))

	err := constellation.ApplyEdit(tc, constellation.EditBatch{RemoveNodeIDs: []string{a}})
	require.Error(t, err)
}

func TestEmptyDAGHasNothingToRun(t *testing.T) {
	tc := constellation.New("c1", nil)
	assert.Empty(t, tc.ReadyNodes())
	snap := tc.Snapshot()
	assert.Empty(t, snap.Nodes)
}
