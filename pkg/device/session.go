package device

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/telemetry"
)

// FrameConn is the narrow duplex-connection interface a session needs.
// *websocket.Conn satisfies it directly; tests use an in-memory fake.
// Matching the teacher's WSConnection, a session owns exactly one
// underlying connection for its lifetime — reconnection creates a new
// session, it does not rebind this one.
type FrameConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// ErrSessionClosed is returned by Send once a session has torn down.
var ErrSessionClosed = errors.New("device: session closed")

// session runs the three cooperative units §4.3 specifies per device:
// reader, writer, heartbeat. It is grounded in the teacher's
// WSConnection.readPump/writePump (pkg/api/websocket.go), with the
// dashboard-broadcast send queue replaced by a per-device outbound
// queue and the fixed 60s/54s timers replaced by configurable
// heartbeat_interval/expiry per §6.
type session struct {
	deviceID string
	conn     FrameConn
	send     chan Frame
	done     chan struct{}

	heartbeatInterval time.Duration
	expiryMultiplier  int

	bus eventbus.Publisher
	log telemetry.Logger

	onTerminalFrame func(f Frame)  // task_accept/progress/completed/failed/cancelled
	onExpired       func()         // no inbound frame within expiry window
	onRegister      func(f Frame) bool // returns accepted
}

func newSession(deviceID string, conn FrameConn, heartbeatInterval time.Duration, expiryMultiplier int, bus eventbus.Publisher, log telemetry.Logger) *session {
	if expiryMultiplier <= 0 {
		expiryMultiplier = 3
	}
	return &session{
		deviceID:          deviceID,
		conn:              conn,
		send:              make(chan Frame, 64),
		done:              make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
		expiryMultiplier:  expiryMultiplier,
		bus:               bus,
		log:               log,
	}
}

// Send enqueues an outbound frame. While the queue is full it blocks
// until the writer drains a slot or the session closes, in which case
// it returns ErrSessionClosed; the writer's 10s write deadline bounds
// how long a stuck write can keep the queue full.
func (s *session) Send(f Frame) error {
	if f.MessageID == "" {
		f.MessageID = telemetry.NewMessageID()
	}
	if f.Timestamp == 0 {
		f.Timestamp = NowMS()
	}
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *session) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}

// Run starts writer, reader, and heartbeat and blocks until the
// session ends (connection error, protocol error, or explicit Close).
func (s *session) Run() {
	go s.writePump()
	go s.heartbeatLoop()
	s.readPump() // blocks in the calling goroutine, as the teacher's readPump does
}

func (s *session) writePump() {
	for {
		select {
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(f); err != nil {
				s.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("write failed, closing session")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Send(Frame{Type: MsgHeartbeat})
		case <-s.done:
			return
		}
	}
}

func (s *session) readPump() {
	expiry := s.heartbeatInterval * time.Duration(s.expiryMultiplier)
	defer s.Close()
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(expiry))
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("malformed AIP frame, tearing down session")
			}
			if s.onExpired != nil {
				s.onExpired()
			}
			return
		}
		switch f.Type {
		case MsgRegister:
			if s.onRegister != nil && !s.onRegister(f) {
				return // rejected registration: ack already sent, tear down
			}
		case MsgHeartbeat, MsgTaskAccept, MsgTaskProgress, MsgTaskCompleted, MsgTaskFailed, MsgTaskCancelled, MsgError:
			if s.onTerminalFrame != nil {
				s.onTerminalFrame(f)
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}
