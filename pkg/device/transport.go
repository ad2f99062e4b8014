package device

import (
	"context"

	"github.com/gorilla/websocket"
)

// DialerWS is the production Dialer, dialing a device's endpoint over
// gorilla/websocket exactly as the teacher's cluster client dials peer
// WSConnections (pkg/api/websocket.go).
type DialerWS struct {
	Inner *websocket.Dialer
}

// NewDialerWS returns a DialerWS using websocket.DefaultDialer.
func NewDialerWS() *DialerWS {
	return &DialerWS{Inner: websocket.DefaultDialer}
}

func (d *DialerWS) Dial(ctx context.Context, endpoint string) (FrameConn, error) {
	dialer := d.Inner
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
