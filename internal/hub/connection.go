// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reef/pkg/broker"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Conn is one hub connection: the websocket, its identity, the outbound
// queue, and per-connection counters.
type Conn struct {
	hub    *Hub
	ws     *websocket.Conn
	role   Role
	id     string // entity id: worker/client/monitor id from the URL
	connID string // unique per connection
	log    *slog.Logger

	send      chan []byte
	closeOnce sync.Once

	received atomic.Int64
	sent     atomic.Int64

	// mu guards jobSubs (the job ids a client subscribed to with
	// subscribe_to_job_events) and the closed flag, which orders Send
	// against close so nothing writes to a closed send channel.
	mu      sync.Mutex
	closed  bool
	jobSubs map[string]bool
}

func newConn(h *Hub, ws *websocket.Conn, role Role, id string) *Conn {
	return &Conn{
		hub:     h,
		ws:      ws,
		role:    role,
		id:      id,
		connID:  uuid.NewString(),
		log:     h.log.With("role", string(role), "id", id),
		send:    make(chan []byte, sendBuffer),
		jobSubs: make(map[string]bool),
	}
}

// Send queues a message for delivery. A full queue means the peer is not
// draining; the connection is closed rather than blocking the sender.
func (c *Conn) Send(m Message) bool {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		c.log.Error("encode outbound message", "type", m.Type, "error", err)
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- raw:
		c.mu.Unlock()
		c.sent.Add(1)
		return true
	default:
		c.mu.Unlock()
		c.log.Warn("send queue full, dropping connection")
		c.close()
		return false
	}
}

// SendData marshals data into a message of the given type and queues it.
func (c *Conn) SendData(t MessageType, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Error("encode message data", "type", t, "error", err)
		return false
	}
	return c.Send(Message{Type: t, Data: raw})
}

// SendEvent delivers a lifecycle event, filtered for clients by their job
// subscriptions. Implements broadcast.Subscriber.
func (c *Conn) SendEvent(ev broker.Event) bool {
	if c.role == RoleClient {
		c.mu.Lock()
		want := c.jobSubs[ev.SubjectID]
		c.mu.Unlock()
		if !want {
			return true // filtered, not dropped
		}
	}
	return c.SendData(TypeEvent, ev)
}

func (c *Conn) subscribeJob(jobID string) {
	c.mu.Lock()
	c.jobSubs[jobID] = true
	c.mu.Unlock()
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump reads frames until the connection dies, feeding each one to the
// hub's dispatcher. Any inbound traffic, pongs included, counts as activity
// against the idle timeout.
func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.connTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.connTimeout))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("connection read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.connTimeout))
		c.received.Add(1)
		c.hub.dispatch(c, raw)
	}
}

// writePump drains the send queue and pings on the heartbeat interval.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
