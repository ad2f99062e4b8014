// Package device implements the Agent Interaction Protocol (AIP) wire
// format and the DeviceManager that owns every device's persistent
// session (§4.3, §6). The reader/writer/heartbeat session shape is
// grounded directly in the teacher's pkg/api/websocket.go WSConnection
// (readPump/writePump over gorilla/websocket), generalized from a
// dashboard broadcast hub to a typed, per-device duplex protocol.
package device

import "time"

// MessageType is the AIP frame's required `type` field (§6).
type MessageType string

const (
	MsgRegister      MessageType = "register"
	MsgRegisterAck   MessageType = "register_ack"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgTaskDispatch  MessageType = "task_dispatch"
	MsgTaskAccept    MessageType = "task_accept"
	MsgTaskProgress  MessageType = "task_progress"
	MsgTaskCompleted MessageType = "task_completed"
	MsgTaskFailed    MessageType = "task_failed"
	MsgTaskCancel    MessageType = "task_cancel"
	MsgTaskCancelled MessageType = "task_cancelled"
	MsgError         MessageType = "error"
)

// FrameError mirrors the `error{kind,message,detail?}` object carried
// by task_failed and error frames.
type FrameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Frame is the single JSON object sent per message over a session
// (§6). All AIP message types share this envelope; unused fields are
// omitted on the wire.
type Frame struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	MessageID string      `json:"message_id"`

	// register
	DeviceID     string            `json:"device_id,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	OS           string            `json:"os,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Token        string            `json:"token,omitempty"`

	// register_ack
	Accepted *bool  `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// heartbeat
	Load *float64 `json:"load,omitempty"`

	// task_dispatch / task_accept / task_progress / task_completed / task_failed / task_cancel / task_cancelled
	TaskID    string                 `json:"task_id,omitempty"`
	Intent    string                 `json:"intent,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TimeoutMS *int64                 `json:"timeout_ms,omitempty"`
	Progress  map[string]interface{} `json:"progress,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     *FrameError            `json:"error,omitempty"`

	// protocol-level error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NowMS returns the current time in the unix-millisecond unit §6 uses
// for the `timestamp` field.
func NowMS() int64 { return time.Now().UnixMilli() }
