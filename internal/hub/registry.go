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

import "sync"

// registry is the hub's connection table: every live connection by
// connection id, plus a by-worker-id index for cancel delivery. A new
// connection for an already-connected worker replaces the old entry; the
// stale socket's drop is then a no-op.
type registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn // conn id -> conn
	workers map[string]*Conn // worker id -> conn
}

func newRegistry() *registry {
	return &registry{
		conns:   make(map[string]*Conn),
		workers: make(map[string]*Conn),
	}
}

func (r *registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.connID] = c
	if c.role == RoleWorker {
		r.workers[c.id] = c
	}
}

// remove deletes the connection. removed is false when the connection was
// already gone; ownsWorker is true when this connection was still the live
// one for its worker id, so the caller should run worker-disconnect
// cleanup. A superseded worker connection removes only itself.
func (r *registry) remove(c *Conn) (removed, ownsWorker bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.connID]; !ok {
		return false, false
	}
	delete(r.conns, c.connID)
	if c.role == RoleWorker {
		if cur, ok := r.workers[c.id]; ok && cur.connID == c.connID {
			delete(r.workers, c.id)
			ownsWorker = true
		}
	}
	return true, ownsWorker
}

func (r *registry) worker(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

func (r *registry) total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *registry) counts() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]int, 3)
	for _, c := range r.conns {
		out[c.role]++
	}
	return out
}

func (r *registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
