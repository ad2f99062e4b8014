package device_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/eventbus"
)

func TestReconnectWithinWindowResumesTask(t *testing.T) {
	conn1 := newFakeConn()
	dialer := &fakeDialer{conn: conn1}
	bus := eventbus.New()

	var deviceLost int32
	unsub := bus.Subscribe(eventbus.OfKind(eventbus.KindTask), func(e eventbus.Event) {
		if e.Task.Status == eventbus.TaskFailed && e.Task.Error != nil && e.Task.Error.Kind == "device_lost" {
			atomic.AddInt32(&deviceLost, 1)
		}
	})
	defer unsub()

	mgr := device.NewManager(dialer, bus, testLogger(), device.Config{ReconnectDelay: 200 * time.Millisecond})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Dispatch("d1", "t1", nil, 0); err != nil {
		t.Fatal(err)
	}

	conn1.Close() // simulate transport loss: readPump errors out, triggers handleSessionLoss

	waitForStatus(t, mgr, "d1", device.StatusDisconnected, time.Second)

	conn2 := newFakeConn()
	dialer.conn = conn2
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, mgr, "d1", device.StatusBusy, time.Second)

	rec := findRecord(t, mgr, "d1")
	if rec.CurrentTaskID != "t1" {
		t.Fatalf("expected task t1 still owned after reconnect, got %q", rec.CurrentTaskID)
	}

	time.Sleep(300 * time.Millisecond) // past the original reconnect window
	if atomic.LoadInt32(&deviceLost) != 0 {
		t.Fatal("task was failed device_lost despite reconnecting within the window")
	}
}

func TestReconnectAfterWindowFailsTaskDeviceLost(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()

	done := make(chan eventbus.TaskErrorPayload, 1)
	unsub := bus.Subscribe(eventbus.OfKind(eventbus.KindTask), func(e eventbus.Event) {
		if e.Task.Status == eventbus.TaskFailed && e.Task.Error != nil {
			select {
			case done <- *e.Task.Error:
			default:
			}
		}
	})
	defer unsub()

	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{ReconnectDelay: 30 * time.Millisecond})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Dispatch("d1", "t1", nil, 0); err != nil {
		t.Fatal(err)
	}

	conn.Close()

	select {
	case errPayload := <-done:
		if errPayload.Kind != "device_lost" {
			t.Fatalf("expected device_lost, got %q", errPayload.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_failed{device_lost}")
	}

	rec := findRecord(t, mgr, "d1")
	if rec.CurrentTaskID != "" {
		t.Fatalf("expected assignment released after device_lost, got task %q", rec.CurrentTaskID)
	}
}

func findRecord(t *testing.T, mgr *device.Manager, deviceID string) device.Record {
	t.Helper()
	for _, r := range mgr.All() {
		if r.DeviceID == deviceID {
			return r
		}
	}
	t.Fatalf("no record for device %s", deviceID)
	return device.Record{}
}

func waitForStatus(t *testing.T, mgr *device.Manager, deviceID string, want device.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec := findRecord(t, mgr, deviceID)
		if rec.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("device %s did not reach status %s within %s", deviceID, want, timeout)
}
