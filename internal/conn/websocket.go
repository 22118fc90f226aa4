package conn

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket is the production Transport, dialing the relay over a
// persistent websocket connection.
type WebSocket struct {
	Dialer *websocket.Dialer
}

func NewWebSocket() *WebSocket {
	return &WebSocket{Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (t *WebSocket) Dial(ctx context.Context, url string) (Conn, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	c, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

// wsConn serializes writes; gorilla connections allow only one concurrent
// writer.
type wsConn struct {
	writeMu sync.Mutex
	c       *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
