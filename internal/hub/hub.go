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

// Package hub accepts the persistent worker, client, and monitor
// connections, enforces auth and the per-role message allowlists, and
// routes parsed messages into the broker. Monitors are read-only observers;
// the allowlist makes that boundary structural rather than advisory.
package hub

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"reef/internal/broadcast"
	"reef/internal/core"
	"reef/internal/metrics"
)

// Options carries the hub's connection policy.
type Options struct {
	AuthToken         string // empty disables auth
	MaxConnections    int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// Hub owns the connection tables. All mutations happen on the hub's
// accept/drop paths; handlers only read.
type Hub struct {
	broker *core.Broker
	bcast  *broadcast.Broadcaster
	log    *slog.Logger

	authToken   string
	maxConns    int
	heartbeat   time.Duration
	connTimeout time.Duration

	upgrader websocket.Upgrader

	reg *registry
}

// New builds a hub bound to the broker and broadcaster.
func New(b *core.Broker, bc *broadcast.Broadcaster, log *slog.Logger, opts Options) *Hub {
	return &Hub{
		broker:      b,
		bcast:       bc,
		log:         log,
		authToken:   opts.AuthToken,
		maxConns:    opts.MaxConnections,
		heartbeat:   opts.HeartbeatInterval,
		connTimeout: opts.ConnectionTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		reg: newRegistry(),
	}
}

// Router returns the hub's HTTP routes: the path form /ws/{role}/{id} and
// the query form /ws?type=&id=.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{role}/{id}", h.ServeWS)
	r.HandleFunc("/ws", h.ServeWS)
	return r
}

// ServeWS accepts one connection: resolves role and id, checks the auth
// token and the connection cap, upgrades, sends the welcome frame, and
// starts the pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := Role(vars["role"])
	id := vars["id"]
	if role == "" {
		role = Role(r.URL.Query().Get("type"))
		id = r.URL.Query().Get("id")
	}
	if !role.Valid() {
		http.Error(w, "unknown connection role", http.StatusBadRequest)
		return
	}
	if id == "" {
		http.Error(w, "connection id is required", http.StatusBadRequest)
		return
	}

	authorized := h.authorized(r)

	// The cap is checked before the upgrade so a refused connection costs
	// one HTTP response, not a socket.
	if h.maxConns > 0 && h.reg.total() >= h.maxConns {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !authorized {
		// Policy violation per the protocol: the close frame carries 1008.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid auth token")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	c := newConn(h, ws, role, id)
	h.reg.add(c)
	h.publishCounts()
	h.log.Info("connection accepted", "role", string(role), "id", id, "conn_id", c.connID)

	go c.writePump()

	c.SendData(TypeSystemStatus, SystemStatusData{
		ConnectionID: c.connID,
		Role:         string(role),
		ServerTime:   time.Now().UnixMilli(),
	})

	go c.readPump()
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

// drop unregisters a dead connection. A worker's disconnect additionally
// requeues its active jobs through the broker.
func (h *Hub) drop(c *Conn) {
	removed, ownsWorker := h.reg.remove(c)
	if !removed {
		return
	}
	c.close()
	h.bcast.Unsubscribe(c.connID)
	h.publishCounts()
	h.log.Info("connection closed", "role", string(c.role), "id", c.id,
		"received", c.received.Load(), "sent", c.sent.Load())

	if ownsWorker {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.broker.DisconnectWorker(ctx, c.id); err != nil {
			h.log.Error("worker disconnect cleanup failed", "worker_id", c.id, "error", err)
		}
	}
}

// CancelRequested pushes a cancel notice to the owning worker's connection.
// Implements core.CancelNotifier.
func (h *Hub) CancelRequested(workerID, jobID string) bool {
	c := h.reg.worker(workerID)
	if c == nil {
		return false
	}
	return c.SendData(TypeCancelNotice, JobRefData{JobID: jobID})
}

func (h *Hub) publishCounts() {
	byRole := h.reg.counts()
	for _, role := range []Role{RoleWorker, RoleClient, RoleMonitor} {
		metrics.SetConnections(string(role), byRole[role])
	}
}

// Close tears down every live connection. Used on shutdown.
func (h *Hub) Close() {
	for _, c := range h.reg.all() {
		c.close()
	}
}
