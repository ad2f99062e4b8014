package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/galaxycore/constellation/pkg/device"
	"github.com/galaxycore/constellation/pkg/eventbus"
)

func lastAck(conn *fakeConn) (device.Frame, bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	for i := len(conn.toDevice) - 1; i >= 0; i-- {
		if conn.toDevice[i].Type == device.MsgRegisterAck {
			return conn.toDevice[i], true
		}
	}
	return device.Frame{}, false
}

func waitForAck(t *testing.T, conn *fakeConn, timeout time.Duration) device.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f, ok := lastAck(conn); ok {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for register_ack")
	return device.Frame{}
}

func TestRegisterAcceptsValidToken(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()
	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1", AuthSecret: "supersecret"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	token, err := device.SignRegisterToken("supersecret", "d1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	conn.fromDevice <- device.Frame{Type: device.MsgRegister, DeviceID: "d1", Token: token, OS: "linux"}

	ack := waitForAck(t, conn, time.Second)
	if ack.Accepted == nil || !*ack.Accepted {
		t.Fatalf("expected register accepted, got %+v", ack)
	}

	rec := findRecord(t, mgr, "d1")
	if rec.Status != device.StatusConnected {
		t.Fatalf("expected device to remain connected after a valid register token, got %s", rec.Status)
	}
}

func TestRegisterRejectsInvalidToken(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()
	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1", AuthSecret: "supersecret"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	token, err := device.SignRegisterToken("wrong-secret", "d1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	conn.fromDevice <- device.Frame{Type: device.MsgRegister, DeviceID: "d1", Token: token}

	ack := waitForAck(t, conn, time.Second)
	if ack.Accepted == nil || *ack.Accepted {
		t.Fatalf("expected register rejected, got %+v", ack)
	}
	if ack.Reason != "auth_rejected" {
		t.Fatalf("expected reason auth_rejected, got %q", ack.Reason)
	}

	waitForStatus(t, mgr, "d1", device.StatusDisconnected, time.Second)
}

func TestRegisterWithoutAuthSecretSkipsCheck(t *testing.T) {
	conn := newFakeConn()
	bus := eventbus.New()
	mgr := device.NewManager(&fakeDialer{conn: conn}, bus, testLogger(), device.Config{})
	if _, err := mgr.Register(device.Spec{DeviceID: "d1", Endpoint: "ws://d1"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Connect(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}

	conn.fromDevice <- device.Frame{Type: device.MsgRegister, DeviceID: "d1"}

	ack := waitForAck(t, conn, time.Second)
	if ack.Accepted == nil || !*ack.Accepted {
		t.Fatalf("expected register accepted with no AuthSecret configured, got %+v", ack)
	}
}
