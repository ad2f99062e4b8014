package eventbus

import "time"

// Kind tags the three event subtypes of §3.1.
type Kind string

const (
	KindTask          Kind = "task"
	KindConstellation Kind = "constellation"
	KindDevice        Kind = "device"
)

// TaskEventType enumerates TaskEvent's status field.
type TaskEventType string

const (
	TaskStarted   TaskEventType = "task_started"
	TaskCompleted TaskEventType = "task_completed"
	TaskFailed    TaskEventType = "task_failed"
)

// ConstellationEventType enumerates ConstellationEvent's status field.
type ConstellationEventType string

const (
	ConstellationCreated   ConstellationEventType = "constellation_created"
	ConstellationUpdated   ConstellationEventType = "constellation_updated"
	ConstellationCompleted ConstellationEventType = "constellation_completed"
	ConstellationFailed    ConstellationEventType = "constellation_failed"
	ConstellationCancelled ConstellationEventType = "constellation_cancelled"
)

// DeviceEventType enumerates DeviceEvent's status field.
type DeviceEventType string

const (
	DeviceConnected      DeviceEventType = "device_connected"
	DeviceDisconnected    DeviceEventType = "device_disconnected"
	DeviceStatusChanged   DeviceEventType = "device_status_changed"
	DeviceHeartbeat       DeviceEventType = "device_heartbeat"
	SubscriberLagging     DeviceEventType = "subscriber_lagging"
)

// Event is the tagged union published on the bus. Exactly one of the
// *Payload fields is set, matching Kind.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	SourceID  string

	Task          *TaskPayload
	Constellation *ConstellationPayload
	Device        *DevicePayload
}

// TaskPayload carries a TaskEvent's fields (§3.1).
type TaskPayload struct {
	TaskID string
	Status TaskEventType
	Result map[string]interface{}
	Error  *TaskErrorPayload
}

// TaskErrorPayload mirrors constellation.TaskError without importing
// package constellation, which would create an import cycle (package
// constellation imports eventbus to publish constellation_updated).
type TaskErrorPayload struct {
	Kind    string
	Message string
	Detail  string
}

// ConstellationPayload carries a ConstellationEvent's fields.
type ConstellationPayload struct {
	ConstellationID string
	Status          ConstellationEventType
	Revision        int64
	Reason          string
}

// DevicePayload carries a DeviceEvent's fields.
type DevicePayload struct {
	DeviceID string
	Status   DeviceEventType
	Load     float64
	Dropped  int64 // populated only for subscriber_lagging diagnostics
}

// NewTaskEvent builds a Kind=task Event.
func NewTaskEvent(sourceID, taskID string, status TaskEventType, result map[string]interface{}, taskErr *TaskErrorPayload) Event {
	return Event{
		Kind: KindTask, Timestamp: time.Now(), SourceID: sourceID,
		Task: &TaskPayload{TaskID: taskID, Status: status, Result: result, Error: taskErr},
	}
}

// NewConstellationEvent builds a Kind=constellation Event.
func NewConstellationEvent(sourceID string, status ConstellationEventType, revision int64, reason string) Event {
	return Event{
		Kind: KindConstellation, Timestamp: time.Now(), SourceID: sourceID,
		Constellation: &ConstellationPayload{ConstellationID: sourceID, Status: status, Revision: revision, Reason: reason},
	}
}

// NewDeviceEvent builds a Kind=device Event.
func NewDeviceEvent(sourceID string, status DeviceEventType, load float64) Event {
	return Event{
		Kind: KindDevice, Timestamp: time.Now(), SourceID: sourceID,
		Device: &DevicePayload{DeviceID: sourceID, Status: status, Load: load},
	}
}
