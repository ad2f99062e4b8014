package device

import (
	"context"
	"sync"
	"time"

	"github.com/galaxycore/constellation/pkg/errs"
	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

// Dialer establishes the transport-level connection to a device's
// endpoint. Production code supplies a gorilla/websocket-backed
// implementation (see DialerWS in transport.go); tests supply an
// in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (FrameConn, error)
}

// Config bounds the manager's timing behavior (§6).
type Config struct {
	HeartbeatInterval time.Duration // default 10s
	ExpiryMultiplier  int           // default 3
	ReconnectDelay    time.Duration // default 5s
	CancelTimeout     time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ExpiryMultiplier <= 0 {
		c.ExpiryMultiplier = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	return c
}

type pendingLoss struct {
	taskID   string
	resumeCh chan struct{}
}

// Manager owns every DeviceRecord and its underlying session (§4.3,
// §3.3 Ownership). Operations on different devices are independent: a
// per-device lock (Record.mu) guards record state, while Manager's own
// mutex only protects the top-level maps.
type Manager struct {
	mu          sync.RWMutex
	records     map[string]*Record
	sessions    map[string]*session
	pendingLoss map[string]*pendingLoss
	finalized   map[string]bool        // (deviceID|taskID) already reported terminal, for idempotence
	cancelAcks  map[string]chan struct{} // (deviceID|taskID) -> closed when task_cancelled arrives

	dialer Dialer
	bus    eventbus.Publisher
	log    telemetry.Logger
	cfg    Config
}

// NewManager constructs a Manager. bus receives device_connected,
// device_disconnected, device_status_changed, device_heartbeat, and
// task_completed/task_failed events as sessions report them.
func NewManager(dialer Dialer, bus eventbus.Publisher, log telemetry.Logger, cfg Config) *Manager {
	return &Manager{
		records:     make(map[string]*Record),
		sessions:    make(map[string]*session),
		pendingLoss: make(map[string]*pendingLoss),
		finalized:   make(map[string]bool),
		cancelAcks:  make(map[string]chan struct{}),
		dialer:      dialer,
		bus:         bus,
		log:         log,
		cfg:         cfg.withDefaults(),
	}
}

// Register persists a DeviceRecord in `registered` (§4.3).
func (m *Manager) Register(spec Spec) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[spec.DeviceID]; exists {
		return nil, errs.New(errs.CategoryInvariant, errs.KindDuplicate, "register", "device already registered: "+spec.DeviceID)
	}
	rec := newRecord(spec)
	m.records[spec.DeviceID] = rec
	return rec, nil
}

// Get returns the record for deviceID, or nil.
func (m *Manager) Get(deviceID string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[deviceID]
}

// All returns a snapshot of every registered device.
func (m *Manager) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Snapshot())
	}
	return out
}

// Connect dials a device's endpoint with exponential backoff up to
// MaxRetries; on success it transitions to `connected` and emits
// device_connected (§4.3). On exhaustion it transitions to `failed`.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	rec := m.Get(deviceID)
	if rec == nil {
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "connect", "unknown device: "+deviceID)
	}

	rec.mu.Lock()
	rec.Status = StatusConnecting
	rec.mu.Unlock()

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= rec.MaxRetries; attempt++ {
		conn, err := m.dialer.Dial(ctx, rec.Endpoint)
		if err == nil {
			m.bindSession(rec, conn)
			return nil
		}
		lastErr = err
		rec.mu.Lock()
		rec.ReconnectAttempts++
		rec.mu.Unlock()

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rec.mu.Lock()
	rec.Status = StatusFailed
	rec.mu.Unlock()
	m.publishDevice(deviceID, eventbus.DeviceStatusChanged, 0)
	return errs.Wrap(errs.CategoryDevice, errs.KindConnectTimeout, "connect", "exhausted retries for "+deviceID, lastErr)
}

func (m *Manager) bindSession(rec *Record, conn FrameConn) {
	s := newSession(rec.DeviceID, conn, m.cfg.HeartbeatInterval, m.cfg.ExpiryMultiplier, m.bus, m.log)

	s.onRegister = func(f Frame) bool {
		rec.mu.Lock()
		secret := rec.AuthSecret
		rec.mu.Unlock()

		if secret != "" {
			if err := verifyRegisterToken(f.Token, secret, rec.DeviceID); err != nil {
				m.log.Warn().Err(err).Str("device_id", rec.DeviceID).Msg("register rejected: bad token")
				_ = s.Send(Frame{Type: MsgRegisterAck, Accepted: boolPtr(false), Reason: "auth_rejected"})
				m.handleSessionLoss(rec)
				return false
			}
		}

		rec.mu.Lock()
		if len(f.Capabilities) > 0 {
			rec.Capabilities = f.Capabilities
		}
		if f.OS != "" {
			rec.OS = f.OS
		}
		rec.mu.Unlock()
		_ = s.Send(Frame{Type: MsgRegisterAck, Accepted: boolPtr(true)})
		return true
	}
	s.onTerminalFrame = func(f Frame) { m.handleInbound(rec, f) }
	s.onExpired = func() {
		// Disconnect removes the session before closing it, so a read
		// error on a session that is no longer current is not a loss.
		m.mu.RLock()
		current := m.sessions[rec.DeviceID] == s
		m.mu.RUnlock()
		if current {
			m.handleSessionLoss(rec)
		}
	}

	m.mu.Lock()
	m.sessions[rec.DeviceID] = s
	m.mu.Unlock()

	rec.mu.Lock()
	rec.Status = StatusConnected
	rec.ReconnectAttempts = 0
	rec.mu.Unlock()

	if pl := m.clearPendingLoss(rec.DeviceID); pl != nil {
		close(pl.resumeCh)
		rec.mu.Lock()
		if rec.CurrentTaskID == pl.taskID {
			rec.Status = StatusBusy
		}
		rec.mu.Unlock()
	}

	m.publishDevice(rec.DeviceID, eventbus.DeviceConnected, 0)
	go s.Run()
}

func (m *Manager) handleInbound(rec *Record, f Frame) {
	switch f.Type {
	case MsgHeartbeat:
		rec.mu.Lock()
		rec.LastHeartbeatAt = time.Now()
		rec.mu.Unlock()
		load := 0.0
		if f.Load != nil {
			load = *f.Load
		}
		m.publishDevice(rec.DeviceID, eventbus.DeviceHeartbeat, load)
	case MsgTaskAccept:
		m.publishTask(rec.DeviceID, f.TaskID, eventbus.TaskStarted, nil, nil)
	case MsgTaskCompleted:
		m.finalizeTerminal(rec, f.TaskID, eventbus.TaskCompleted, f.Result, nil)
	case MsgTaskFailed:
		var fe *eventbus.TaskErrorPayload
		if f.Error != nil {
			fe = &eventbus.TaskErrorPayload{Kind: f.Error.Kind, Message: f.Error.Message, Detail: f.Error.Detail}
		}
		m.finalizeTerminal(rec, f.TaskID, eventbus.TaskFailed, nil, fe)
	case MsgTaskCancelled:
		// Releases a Cancel call blocked on this task's ack early
		// instead of always paying the full CancelTimeout; the
		// assignment itself is still released by finalizeTerminal,
		// which Cancel calls once it unblocks.
		m.signalCancelAck(rec.DeviceID + "|" + f.TaskID)
	case MsgError:
		// Protocol errors are logged only; the assignment lock is
		// released by finalizeTerminal or the caller's cancel-timeout
		// path, not here.
		m.log.Warn().Str("device_id", rec.DeviceID).Str("code", f.Code).Str("message", f.Message).Msg("protocol error frame from device")
	}
}

func (m *Manager) registerCancelAck(key string) chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	m.cancelAcks[key] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) clearCancelAck(key string) {
	m.mu.Lock()
	delete(m.cancelAcks, key)
	m.mu.Unlock()
}

// signalCancelAck releases a pending Cancel call the first time an ack
// arrives for key; a duplicate or unexpected task_cancelled frame (no
// Cancel waiting) is a no-op.
func (m *Manager) signalCancelAck(key string) {
	m.mu.Lock()
	ch, ok := m.cancelAcks[key]
	if ok {
		delete(m.cancelAcks, key)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

// assignment-locking terminal handling: acquires the record's own lock
// so a completion racing with a cancellation cannot leave
// CurrentTaskID inconsistent (§4.3 Assignment locking).
func (m *Manager) finalizeTerminal(rec *Record, taskID string, status eventbus.TaskEventType, result map[string]interface{}, taskErr *eventbus.TaskErrorPayload) {
	key := rec.DeviceID + "|" + taskID
	m.mu.Lock()
	if m.finalized[key] {
		m.mu.Unlock()
		return // duplicate inbound terminal event, §6 idempotence
	}
	m.finalized[key] = true
	m.mu.Unlock()

	rec.mu.Lock()
	if rec.CurrentTaskID == taskID {
		rec.CurrentTaskID = ""
		if rec.Status == StatusBusy {
			rec.Status = StatusConnected
		}
	}
	rec.mu.Unlock()

	m.publishTask(rec.DeviceID, taskID, status, result, taskErr)
}

func (m *Manager) publishDevice(deviceID string, status eventbus.DeviceEventType, load float64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.NewDeviceEvent(deviceID, status, load))
}

func (m *Manager) publishTask(deviceID, taskID string, status eventbus.TaskEventType, result map[string]interface{}, taskErr *eventbus.TaskErrorPayload) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.NewTaskEvent(deviceID, taskID, status, result, taskErr))
}

// Dispatch sends task_dispatch to deviceID (§4.3). It fails with
// DeviceBusy if the device already owns a task, DeviceNotConnected if
// it is not connected. On success it atomically marks the device busy
// before the frame leaves, so a concurrent Dispatch call cannot
// double-assign the same device (Assignment locking).
func (m *Manager) Dispatch(deviceID, taskID string, payload map[string]interface{}, timeoutMS int64) error {
	rec := m.Get(deviceID)
	if rec == nil {
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "dispatch", "unknown device: "+deviceID)
	}

	rec.mu.Lock()
	if rec.CurrentTaskID != "" {
		rec.mu.Unlock()
		return errs.New(errs.CategoryDevice, errs.KindDeviceBusy, "dispatch", "device busy: "+deviceID)
	}
	if rec.Status != StatusConnected {
		rec.mu.Unlock()
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "dispatch", "device not connected: "+deviceID)
	}
	rec.CurrentTaskID = taskID
	rec.Status = StatusBusy
	rec.tasksDispatched++
	rec.mu.Unlock()

	m.mu.RLock()
	sess := m.sessions[deviceID]
	m.mu.RUnlock()
	if sess == nil {
		m.rollbackDispatch(rec, taskID)
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "dispatch", "no active session for "+deviceID)
	}

	var tmo *int64
	if timeoutMS > 0 {
		tmo = &timeoutMS
	}
	if err := sess.Send(Frame{Type: MsgTaskDispatch, TaskID: taskID, Payload: payload, TimeoutMS: tmo}); err != nil {
		m.rollbackDispatch(rec, taskID)
		return errs.Wrap(errs.CategoryDevice, errs.KindDeviceNotConnected, "dispatch", "send failed for "+deviceID, err)
	}
	return nil
}

func (m *Manager) rollbackDispatch(rec *Record, taskID string) {
	rec.mu.Lock()
	if rec.CurrentTaskID == taskID {
		rec.CurrentTaskID = ""
		rec.Status = StatusConnected
	}
	rec.mu.Unlock()
}

// Cancel sends task_cancel and waits for a task_cancelled
// acknowledgment or Config.CancelTimeout, whichever comes first,
// before releasing the assignment (§4.3 cancel): an early ack from
// handleInbound's MsgTaskCancelled case unblocks this call immediately
// instead of always paying the full timeout.
func (m *Manager) Cancel(ctx context.Context, deviceID, taskID string) error {
	rec := m.Get(deviceID)
	if rec == nil {
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "cancel", "unknown device: "+deviceID)
	}
	m.mu.RLock()
	sess := m.sessions[deviceID]
	m.mu.RUnlock()

	key := deviceID + "|" + taskID
	ackCh := m.registerCancelAck(key)
	defer m.clearCancelAck(key)

	if sess != nil {
		_ = sess.Send(Frame{Type: MsgTaskCancel, TaskID: taskID})
	}

	timer := time.NewTimer(m.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-ackCh:
	}
	m.finalizeTerminal(rec, taskID, eventbus.TaskFailed, nil, &eventbus.TaskErrorPayload{Kind: string(errs.KindTaskCancelled), Message: "cancelled by caller"})
	return nil
}

// Disconnect voluntarily tears down a device's session (§4.3
// disconnect). Unlike handleSessionLoss, no reconnect window applies:
// the caller asked for this.
func (m *Manager) Disconnect(deviceID string) error {
	rec := m.Get(deviceID)
	if rec == nil {
		return errs.New(errs.CategoryDevice, errs.KindDeviceNotConnected, "disconnect", "unknown device: "+deviceID)
	}
	m.mu.Lock()
	sess := m.sessions[deviceID]
	delete(m.sessions, deviceID)
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	rec.mu.Lock()
	rec.Status = StatusDisconnected
	rec.CurrentTaskID = ""
	rec.mu.Unlock()
	m.publishDevice(deviceID, eventbus.DeviceDisconnected, 0)
	return nil
}

func boolPtr(b bool) *bool { return &b }
