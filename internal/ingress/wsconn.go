package ingress

import (
	"context"

	"github.com/coder/websocket"
)

// wsConn adapts a carrier WebSocket to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps a carrier WebSocket connection.
func NewWSConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "call ended")
}
