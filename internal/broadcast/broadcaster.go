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

// Package broadcast fans lifecycle events out to monitor connections and
// appends them to the durable stream. Monitors get best-effort at-most-once
// delivery with resync from a bounded ring buffer; the stream append is
// synchronous and ordered, so consumer groups see events in broker write
// order.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"reef/internal/metrics"
	"reef/internal/store"
	"reef/pkg/broker"
)

// DefaultRingSize bounds the resync buffer.
const DefaultRingSize = 1024

// Subscriber receives events. SendEvent must not block; it reports false
// when the event was dropped (connection backlogged or gone).
type Subscriber interface {
	SendEvent(ev broker.Event) bool
}

type subscription struct {
	sub     Subscriber
	topics  map[string]bool   // empty = all topics
	filters map[string]string // equality filters on subject/payload fields
}

func (s *subscription) wants(ev broker.Event) bool {
	if len(s.topics) > 0 && !s.topics[ev.Topic()] {
		return false
	}
	for k, want := range s.filters {
		switch k {
		case "subject_id":
			if ev.SubjectID != want {
				return false
			}
		case "event_type":
			if string(ev.Type) != want {
				return false
			}
		default:
			v, ok := ev.Payload[k]
			if !ok || fmt.Sprint(v) != want {
				return false
			}
		}
	}
	return true
}

// Broadcaster is the single event fan-out point. It implements the broker's
// event sink.
type Broadcaster struct {
	store *store.Store
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	ring   []broker.Event
	size   int
	lastTS int64

	now func() int64
}

// New builds a broadcaster with a ring buffer of ringSize events
// (DefaultRingSize when zero).
func New(st *store.Store, log *slog.Logger, ringSize int) *Broadcaster {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Broadcaster{
		store: st,
		log:   log,
		subs:  make(map[string]*subscription),
		size:  ringSize,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Tests only.
func (b *Broadcaster) SetClock(now func() int64) { b.now = now }

// Subscribe registers a monitor's topic and filter selection, replacing any
// previous subscription under the same id.
func (b *Broadcaster) Subscribe(id string, sub Subscriber, topics []string, filters map[string]string) {
	s := &subscription{sub: sub, topics: make(map[string]bool, len(topics)), filters: filters}
	for _, t := range topics {
		s.topics[t] = true
	}
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()
}

// Unsubscribe drops a monitor's subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emit timestamps the event, appends it to the durable stream and the
// resync buffer, and delivers it to matching subscribers. Buffer timestamps
// are strictly increasing so ResyncSince has an unambiguous cursor.
func (b *Broadcaster) Emit(ctx context.Context, t broker.EventType, subjectID string, payload map[string]any) {
	b.mu.Lock()
	ts := b.now()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts

	ev := broker.Event{Type: t, SubjectID: subjectID, Timestamp: ts, Payload: payload}

	// Durable append happens under the lock: the stream must see events in
	// the same order the buffer does.
	if _, err := b.store.AppendEvent(ctx, ev); err != nil {
		b.log.Error("event stream append failed", "event_type", t, "subject_id", subjectID, "error", err)
	} else {
		metrics.IncEventPublished(string(t))
	}

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.size {
		b.ring = b.ring[len(b.ring)-b.size:]
	}

	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev) {
			targets = append(targets, s.sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.SendEvent(ev) {
			b.log.Debug("event dropped for slow subscriber", "event_type", t, "subject_id", subjectID)
		}
	}
}

// ResyncSince returns buffered events newer than since, oldest first,
// capped at max (the full buffer when max <= 0).
func (b *Broadcaster) ResyncSince(since int64, max int) []broker.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if max <= 0 || max > b.size {
		max = b.size
	}
	out := make([]broker.Event, 0, max)
	for _, ev := range b.ring {
		if ev.Timestamp > since {
			out = append(out, ev)
			if len(out) == max {
				break
			}
		}
	}
	return out
}
