package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/galaxycore/constellation/pkg/constellation"
	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/errs"
)

// chatMessage and chatRequest/chatResponse mirror the teacher's
// pkg/ollama/api ChatRequest/Message/ChatResponse types, narrowed to
// what this adapter needs.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// OllamaAdapter calls an Ollama-compatible /api/chat endpoint and
// expects the model to answer with a single JSON object matching
// dagWire or editWire, per the system prompt it is given. It is the
// one piece of the orchestration core that talks to the LLM-driven
// planner named but explicitly left unspecified by §2/§4.6.
type OllamaAdapter struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

// NewOllamaAdapter builds an adapter against baseURL (e.g.
// "http://localhost:11434") using model for every chat call.
func NewOllamaAdapter(baseURL, model string) *OllamaAdapter {
	return &OllamaAdapter{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type dagWireNode struct {
	ID            string                      `json:"id"`
	Intent        string                      `json:"intent"`
	Kind          string                      `json:"kind,omitempty"`
	DeviceBinding constellation.DeviceBinding `json:"device_binding"`
	MaxAttempts   int                         `json:"max_attempts,omitempty"`
	TimeoutMS     int64                       `json:"timeout_ms,omitempty"`
}

type dagWireEdge struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Condition string `json:"condition,omitempty"`
}

type dagWire struct {
	Nodes []dagWireNode `json:"nodes"`
	Edges []dagWireEdge `json:"edges"`
}

// Create implements PlannerAdapter.create (§4.6).
func (a *OllamaAdapter) Create(ctx context.Context, userRequest string, devices []device.Record) (DagSpec, error) {
	system := createSystemPrompt(devices)
	var wire dagWire
	if err := a.chatJSON(ctx, system, userRequest, &wire); err != nil {
		return DagSpec{}, err
	}
	return dagSpecFromWire(wire), nil
}

type editWireNode struct {
	ID            string                      `json:"id"`
	Intent        string                      `json:"intent"`
	DeviceBinding constellation.DeviceBinding `json:"device_binding"`
	MaxAttempts   int                         `json:"max_attempts,omitempty"`
	TimeoutMS     int64                       `json:"timeout_ms,omitempty"`
}

type editWire struct {
	UpsertNodes   []editWireNode `json:"upsert_nodes"`
	RemoveNodeIDs []string       `json:"remove_node_ids"`
	UpsertEdges   []dagWireEdge  `json:"upsert_edges"`
	RemoveEdges   []dagWireEdge  `json:"remove_edges"`
}

// Edit implements PlannerAdapter.edit (§4.6).
func (a *OllamaAdapter) Edit(ctx context.Context, snapshot constellation.Snapshot, trigger Trigger) (constellation.EditBatch, error) {
	system := editSystemPrompt(snapshot)
	user := fmt.Sprintf("trigger=%s task_id=%s", trigger.Reason, trigger.TaskID)
	var wire editWire
	if err := a.chatJSON(ctx, system, user, &wire); err != nil {
		return constellation.EditBatch{}, err
	}
	return editBatchFromWire(wire), nil
}

func (a *OllamaAdapter) chatJSON(ctx context.Context, system, user string, out interface{}) error {
	reqBody := chatRequest{
		Model:  a.Model,
		Stream: false,
		Format: "json",
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerInvalid, "chat", "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerUnavailable, "chat", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerTimeout, "chat", "planner call timed out", err)
		}
		return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerUnavailable, "chat", "planner unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.CategoryPlanner, errs.KindPlannerUnavailable, "chat", fmt.Sprintf("planner returned status %d", resp.StatusCode))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerInvalid, "chat", "malformed chat envelope", err)
	}
	if err := json.Unmarshal([]byte(cr.Message.Content), out); err != nil {
		return errs.Wrap(errs.CategoryPlanner, errs.KindPlannerInvalid, "chat", "planner content is not valid JSON for the expected shape", err)
	}
	return nil
}

func dagSpecFromWire(w dagWire) DagSpec {
	spec := DagSpec{Nodes: make([]constellation.NodeSpec, 0, len(w.Nodes)), Edges: make([]EdgeSpec, 0, len(w.Edges))}
	for _, n := range w.Nodes {
		kind := constellation.KindTask
		switch n.Kind {
		case string(constellation.KindDiagnostic):
			kind = constellation.KindDiagnostic
		case string(constellation.KindSentinel):
			kind = constellation.KindSentinel
		}
		spec.Nodes = append(spec.Nodes, constellation.NodeSpec{
			ID: n.ID, Intent: n.Intent, Kind: kind,
			DeviceBinding: n.DeviceBinding, MaxAttempts: n.MaxAttempts, TimeoutMS: n.TimeoutMS,
		})
	}
	for _, e := range w.Edges {
		spec.Edges = append(spec.Edges, EdgeSpec{FromID: e.FromID, ToID: e.ToID, Condition: edgeCondition(e.Condition)})
	}
	return spec
}

func editBatchFromWire(w editWire) constellation.EditBatch {
	batch := constellation.EditBatch{RemoveNodeIDs: w.RemoveNodeIDs}
	for _, n := range w.UpsertNodes {
		batch.UpsertNodes = append(batch.UpsertNodes, constellation.NodeEdit{
			ID: n.ID, Intent: n.Intent, DeviceBinding: n.DeviceBinding, MaxAttempts: n.MaxAttempts, TimeoutMS: n.TimeoutMS,
		})
	}
	for _, e := range w.UpsertEdges {
		batch.UpsertEdges = append(batch.UpsertEdges, constellation.EdgeEdit{FromID: e.FromID, ToID: e.ToID, Condition: edgeCondition(e.Condition)})
	}
	for _, e := range w.RemoveEdges {
		batch.RemoveEdges = append(batch.RemoveEdges, constellation.EdgeRef{FromID: e.FromID, ToID: e.ToID})
	}
	return batch
}

func edgeCondition(s string) constellation.EdgeCondition {
	switch s {
	case string(constellation.ConditionOnSuccess):
		return constellation.ConditionOnSuccess
	case string(constellation.ConditionOnFailure):
		return constellation.ConditionOnFailure
	default:
		return constellation.ConditionAlways
	}
}

func createSystemPrompt(devices []device.Record) string {
	return fmt.Sprintf("You are decomposing a user request into a task DAG for %d registered devices. Respond with a single JSON object: {\"nodes\":[...],\"edges\":[...]}.", len(devices))
}

func editSystemPrompt(snapshot constellation.Snapshot) string {
	return fmt.Sprintf("You are editing a running task DAG (constellation %s, revision %d, %d nodes). Respond with a single JSON object: {\"upsert_nodes\":[...],\"remove_node_ids\":[...],\"upsert_edges\":[...],\"remove_edges\":[...]}.", snapshot.ConstellationID, snapshot.Revision, len(snapshot.Nodes))
}
