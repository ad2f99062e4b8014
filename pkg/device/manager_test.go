package device_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/eventbus"
	"github.com/galaxycore/constellation/pkg/telemetry"
	"github.com/rs/zerolog"
)

// fakeConn is an in-memory FrameConn: writes from the manager land on
// toDevice, and the test injects inbound frames on fromDevice.
type fakeConn struct {
	mu         sync.Mutex
	toDevice   []device.Frame
	fromDevice chan device.Frame
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{fromDevice: make(chan device.Frame, 16)}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	f, ok := <-c.fromDevice
	if !ok {
		return errClosed
	}
	*(v.(*device.Frame)) = f
	return nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toDevice = append(c.toDevice, *(v.(*device.Frame)))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.fromDevice)
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

var errClosed = &fakeErr{"fake conn closed"}

type fakeErr struct{ s string }

func (e *fakeErr) Error() string { return e.s }

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (device.FrameConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testLogger() telemetry.Logger {
	return telemetry.NewLogger(nil, zerolog.Disabled, false)
}

func TestDispatchRejectsWhenBusy(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()
	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Dispatch("d1", "t1", nil, 0); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := mgr.Dispatch("d1", "t2", nil, 0); err == nil {
		t.Fatal("expected DeviceBusy on second dispatch")
	}
}

func TestDispatchUnknownDeviceFails(t *testing.T) {
	mgr := device.NewManager(&fakeDialer{}, eventbus.New(), testLogger(), device.Config{})
	if err := mgr.Dispatch("ghost", "t1", nil, 0); err == nil {
		t.Fatal("expected error dispatching to unknown device")
	}
}

func TestTerminalFrameReleasesAssignment(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()

	var gotDone sync.WaitGroup
	gotDone.Add(1)
	unsubscribe := bus.Subscribe(eventbus.OfKind(eventbus.KindTask), func(e eventbus.Event) {
		if e.Task.Status == eventbus.TaskCompleted {
			gotDone.Done()
		}
	})
	defer unsubscribe()

	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Dispatch("d1", "t1", nil, 0); err != nil {
		t.Fatal(err)
	}

	conn.fromDevice <- device.Frame{Type: device.MsgTaskCompleted, TaskID: "t1", Result: map[string]interface{}{"ok": true}}

	done := make(chan struct{})
	go func() { gotDone.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_completed event")
	}

	if err := mgr.Dispatch("d1", "t2", nil, 0); err != nil {
		t.Fatalf("expected device free after terminal frame, got %v", err)
	}
}

func TestDuplicateTerminalFrameIgnored(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()

	var count int32
	var mu sync.Mutex
	unsubscribe := bus.Subscribe(eventbus.OfKind(eventbus.KindTask), func(e eventbus.Event) {
		if e.Task.Status == eventbus.TaskCompleted {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	defer unsubscribe()

	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"})
	mgr.Connect(context.Background(), "d1")
	mgr.Dispatch("d1", "t1", nil, 0)

	conn.fromDevice <- device.Frame{Type: device.MsgTaskCompleted, TaskID: "t1"}
	conn.fromDevice <- device.Frame{Type: device.MsgTaskCompleted, TaskID: "t1"}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one task_completed delivery, got %d", count)
	}
}
