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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reef/pkg/broker"
)

// Groups is the set of consumer groups provisioned on the lifecycle stream.
// Each reads independently with at-least-once semantics.
var Groups = []string{"webhook", "orchestrator", "capacity", "billing", "monitoring"}

// StreamEvent is one record read from the lifecycle stream: the decoded
// event plus the record id needed for acknowledgment.
type StreamEvent struct {
	ID    string
	Event broker.Event
}

// EnsureGroup creates a consumer group on the lifecycle stream, starting at
// the beginning, creating the stream if needed. Idempotent.
func (s *Store) EnsureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, keyEvents, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ReadGroup blocks up to block for new lifecycle events on behalf of a
// consumer (block < 0 reads without blocking). Delivered records stay
// pending until acknowledged with Ack.
func (s *Store) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]StreamEvent, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{keyEvents, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamEvent
	for _, stream := range res {
		for _, msg := range stream.Messages {
			ev, err := decodeStreamEvent(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
	}
	return out, nil
}

// Ack acknowledges processed record ids for a group.
func (s *Store) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XAck(ctx, keyEvents, group, ids...).Err()
}

// Reclaim transfers records that have sat unacknowledged longer than minIdle
// to the calling consumer, so a crashed consumer's deliveries are retried.
func (s *Store) Reclaim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]StreamEvent, error) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   keyEvents,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeStreamEvent(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// EventHistory returns up to count lifecycle events from the stream, oldest
// first, without consuming them. Admin tooling uses this.
func (s *Store) EventHistory(ctx context.Context, count int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRangeN(ctx, keyEvents, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeStreamEvent(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeStreamEvent(msg redis.XMessage) (StreamEvent, error) {
	ev := StreamEvent{ID: msg.ID}
	if v, ok := msg.Values["event_type"].(string); ok {
		ev.Event.Type = broker.EventType(v)
	}
	if v, ok := msg.Values["subject_id"].(string); ok {
		ev.Event.SubjectID = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return ev, fmt.Errorf("stream record %s timestamp: %w", msg.ID, err)
		}
		ev.Event.Timestamp = ts
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		if err := json.Unmarshal([]byte(v), &ev.Event.Payload); err != nil {
			return ev, fmt.Errorf("stream record %s payload: %w", msg.ID, err)
		}
	}
	return ev, nil
}
