package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pingEvery is the interval between transport-level ping frames.
	pingEvery = 30 * time.Second
	// pongGrace is how long a silent peer may go before the read loop's
	// deadline fires. Every pong pushes it forward.
	pongGrace = 2 * pingEvery
	// pingDeadline bounds the write of a single ping control frame.
	pingDeadline = 10 * time.Second
)

// keepalive drives WebSocket ping/pong on the sender's connection, so
// half-dead TCP sessions are detected even when the peer sends no
// application frames. Protocol-level heartbeats run on top of this and feed
// the eviction sweep; this layer only keeps the transport honest. The
// returned stop function ends the ping goroutine.
func (s *wsSender) keepalive() (stop func()) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongGrace))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongGrace))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.ping(time.Now().Add(pingDeadline)); err != nil {
					return
				}
			}
		}
	}()

	return func() { close(done) }
}

// ping writes a ping control frame under the shared write lock.
func (s *wsSender) ping(deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}
