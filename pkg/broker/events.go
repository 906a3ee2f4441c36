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

package broker

// EventType names a lifecycle event emitted by the core.
type EventType string

const (
	EventJobSubmitted        EventType = "job.submitted"
	EventJobAssigned         EventType = "job.assigned"
	EventJobProgress         EventType = "job.progress"
	EventJobCompleted        EventType = "job.completed"
	EventJobFailed           EventType = "job.failed"
	EventJobCancelled        EventType = "job.cancelled"
	EventJobRequeued         EventType = "job.requeued"
	EventWorkerRegistered    EventType = "worker.registered"
	EventWorkerDisconnected  EventType = "worker.disconnected"
	EventWorkerStatusChanged EventType = "worker.status_changed"
)

// Event is one record on the durable lifecycle stream and the unit the
// broadcaster fans out to monitors. Timestamps are milliseconds and, within
// the broadcaster's ring buffer, strictly increasing so monitors can resync
// from a point in time.
type Event struct {
	Type      EventType      `json:"event_type"`
	SubjectID string         `json:"subject_id"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Topic returns the coarse subscription topic for the event ("job" or
// "worker"), the prefix before the first dot.
func (e Event) Topic() string {
	for i := 0; i < len(e.Type); i++ {
		if e.Type[i] == '.' {
			return string(e.Type[:i])
		}
	}
	return string(e.Type)
}
