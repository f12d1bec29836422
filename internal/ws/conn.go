// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/candorchat/candor/internal/chat"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the reader
	// gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings arrive in time.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound frames.
	maxFrameSize = 64 * 1024

	// sendQueueSize is the per-connection outbound buffer. A full queue
	// means the client is too slow and events are dropped.
	sendQueueSize = 64
)

// Conn wraps one WebSocket connection. Outbound events pass through a
// buffered queue drained by a single writer goroutine; Enqueue never blocks
// the broadcaster.
type Conn struct {
	id   ulid.ULID
	sock *websocket.Conn

	send chan chat.Outbound
	done chan struct{}

	closeOnce sync.Once
}

func newConn(sock *websocket.Conn) *Conn {
	c := &Conn{
		id:   chat.NewULID(),
		sock: sock,
		send: make(chan chat.Outbound, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ConnID returns the connection's transport identity.
func (c *Conn) ConnID() ulid.ULID { return c.id }

// Enqueue queues an event for delivery. It reports false when the queue is
// full or the connection is closing; the event is dropped in both cases.
func (c *Conn) Enqueue(ev chat.Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue onto the socket and keeps the connection
// alive with pings. It exits when Close is called or a write fails.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			if err := c.writeJSON(ev); err != nil {
				slog.Debug("write failed, closing connection",
					"conn_id", c.id.String(),
					"error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			// Best-effort close frame so well-behaved clients see a clean
			// shutdown instead of a dropped TCP connection.
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) writeJSON(ev chat.Outbound) error {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return c.sock.WriteJSON(ev)
}

// Close shuts the connection down. Safe to call more than once and from any
// goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}
