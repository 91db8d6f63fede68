package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteDeadline bounds each outbound write so one stalled peer cannot
// block the sender forever.
const wsWriteDeadline = 10 * time.Second

// wsSender adapts a gorilla WebSocket connection to the registry's Sender
// interface. Writes are serialized through a mutex because gorilla allows at
// most one concurrent writer per connection.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSender(conn *websocket.Conn) *wsSender {
	return &wsSender{conn: conn}
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close control frame with the given reason and tears down the
// underlying connection.
func (s *wsSender) Close(reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	_ = s.conn.Close()
}
