package device

import (
	"time"

	"github.com/galaxycore/constellation/pkg/eventbus"
)

// handleSessionLoss runs when a session's readPump exits without an
// explicit Disconnect (heartbeat expiry, transport error). Per §4.3, an
// in-flight task is not immediately failed: the device gets
// reconnect_delay to resume ownership of the same (device_id,
// task_id) pair before task_failed{reason=device_lost} is surfaced.
func (m *Manager) handleSessionLoss(rec *Record) {
	m.mu.Lock()
	delete(m.sessions, rec.DeviceID)
	m.mu.Unlock()

	rec.mu.Lock()
	rec.Status = StatusDisconnected
	taskID := rec.CurrentTaskID
	rec.mu.Unlock()

	m.publishDevice(rec.DeviceID, eventbus.DeviceDisconnected, 0)

	if taskID == "" {
		return
	}

	pl := &pendingLoss{taskID: taskID, resumeCh: make(chan struct{})}
	m.mu.Lock()
	m.pendingLoss[rec.DeviceID] = pl
	m.mu.Unlock()

	go func() {
		timer := time.NewTimer(m.cfg.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-pl.resumeCh:
			// Device reconnected within the window and still owns
			// taskID; bindSession already restored Status=busy.
			return
		case <-timer.C:
		}

		m.mu.Lock()
		current, stillPending := m.pendingLoss[rec.DeviceID]
		if stillPending && current == pl {
			delete(m.pendingLoss, rec.DeviceID)
		} else {
			m.mu.Unlock()
			return // superseded by a newer loss or already resumed
		}
		m.mu.Unlock()

		rec.mu.Lock()
		stillLost := rec.Status == StatusDisconnected && rec.CurrentTaskID == taskID
		rec.mu.Unlock()
		if !stillLost {
			return
		}
		m.finalizeTerminal(rec, taskID, eventbus.TaskFailed, nil, &eventbus.TaskErrorPayload{
			Kind:    "device_lost",
			Message: "device did not reconnect within the grace window",
		})
	}()
}

// clearPendingLoss removes and returns any pending-loss entry for
// deviceID so bindSession can signal the waiting goroutine that the
// device resumed ownership before the grace window elapsed.
func (m *Manager) clearPendingLoss(deviceID string) *pendingLoss {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.pendingLoss[deviceID]
	if !ok {
		return nil
	}
	delete(m.pendingLoss, deviceID)
	return pl
}
