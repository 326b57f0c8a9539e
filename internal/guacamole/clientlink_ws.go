package guacamole

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsClientLink adapts a gorilla/websocket connection to the
// ClientLink interface. Guacamole frames travel as text messages, one
// instruction (or concatenated run of instructions) per message,
// matching guacamole-client's own JavaScript tunnel behavior.
type wsClientLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewWebSocketClientLink wraps an upgraded connection for use by a
// SessionBridge.
func NewWebSocketClientLink(conn *websocket.Conn) ClientLink {
	return &wsClientLink{conn: conn}
}

func (w *wsClientLink) Send(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	err := w.conn.WriteMessage(websocket.TextMessage, frame)
	if err != nil {
		w.closed.Store(true)
	}
	return err
}

func (w *wsClientLink) Receive() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed.Store(true)
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsClientLink) Close() error {
	w.closed.Store(true)
	return w.conn.Close()
}

func (w *wsClientLink) State() State {
	if w.closed.Load() {
		return StateClosed
	}
	return StateOpen
}
