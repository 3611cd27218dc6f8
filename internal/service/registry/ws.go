package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSTransport adapts a gorilla websocket connection to the Transport
// interface. The mutex serializes writers: the read-loop goroutine, the
// heartbeat task and fan-out sends may all write concurrently.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (t *WSTransport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *WSTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	return t.conn.Close()
}
