package wsutils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ThreadSafeWriter struct {
	*websocket.Conn
	sync.Mutex
}

func (t *ThreadSafeWriter) WriteJSON(val interface{}) error {
	t.Lock()
	defer t.Unlock()

	return t.Conn.WriteJSON(val)
}

// Ping writes a control ping frame. Gorilla allows control frames to be
// written concurrently with other messages, so no lock is taken.
func (t *ThreadSafeWriter) Ping(deadline time.Time) error {
	return t.Conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *ThreadSafeWriter) Close() error {
	return t.Conn.Close()
}

func (t *ThreadSafeWriter) ReadJSON(val any) error {
	return t.Conn.ReadJSON(val)
}

func NewThreadSafeWriter(conn *websocket.Conn) *ThreadSafeWriter {
	return &ThreadSafeWriter{
		Conn: conn,
	}
}
