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

	"reef/pkg/broker"
)

// Role classifies a connection: workers execute jobs, clients submit them,
// monitors observe.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleClient  Role = "client"
	RoleMonitor Role = "monitor"
)

// Valid reports whether the role is recognized.
func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RoleClient, RoleMonitor:
		return true
	default:
		return false
	}
}

// MessageType enumerates the wire protocol's message types.
type MessageType string

const (
	// Worker-initiated.
	TypeRegisterWorker MessageType = "register_worker"
	TypeClaimJob       MessageType = "claim_job"
	TypeProgress       MessageType = "progress"
	TypeCompletion     MessageType = "completion"
	TypeFailure        MessageType = "failure"
	TypeStatusChange   MessageType = "status_change"

	// Client-initiated.
	TypeSubmitJob          MessageType = "submit_job"
	TypeCancelJob          MessageType = "cancel_job"
	TypeSyncJob            MessageType = "sync_job"
	TypeSubscribeJobEvents MessageType = "subscribe_to_job_events"

	// Monitor-initiated.
	TypeMonitorConnect MessageType = "monitor_connect"
	TypeSubscribe      MessageType = "subscribe"
	TypeResyncRequest  MessageType = "resync_request"

	// Any role.
	TypeHeartbeat MessageType = "heartbeat"

	// Server-emitted.
	TypeSystemStatus MessageType = "system_status"
	TypeAssignedJob  MessageType = "assigned_job"
	TypeNoMatch      MessageType = "no_match"
	TypeJobSubmitted MessageType = "job_submitted"
	TypeJobState     MessageType = "job_state"
	TypeCancelNotice MessageType = "cancel_requested"
	TypeEvent        MessageType = "event"
	TypeSnapshot     MessageType = "full_state_snapshot"
	TypeError        MessageType = "error"
)

// Message is one wire frame: a unique id, a type, an integer millisecond
// timestamp, and a type-specific data object.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// knownTypes is every type a connection may legally send in some role.
var knownTypes = map[MessageType]bool{
	TypeRegisterWorker: true, TypeClaimJob: true, TypeProgress: true,
	TypeCompletion: true, TypeFailure: true, TypeStatusChange: true,
	TypeSubmitJob: true, TypeCancelJob: true, TypeSyncJob: true,
	TypeSubscribeJobEvents: true,
	TypeMonitorConnect:     true, TypeSubscribe: true, TypeResyncRequest: true,
	TypeHeartbeat: true,
}

// allowed is the per-role allowlist. Monitors are strictly read-only:
// nothing outside their four types is dispatched, no matter what the
// payload claims.
var allowed = map[Role]map[MessageType]bool{
	RoleWorker: {
		TypeRegisterWorker: true, TypeClaimJob: true, TypeProgress: true,
		TypeCompletion: true, TypeFailure: true, TypeHeartbeat: true,
		TypeStatusChange: true,
	},
	RoleClient: {
		TypeSubmitJob: true, TypeCancelJob: true, TypeSyncJob: true,
		TypeSubscribeJobEvents: true, TypeHeartbeat: true,
	},
	RoleMonitor: {
		TypeMonitorConnect: true, TypeSubscribe: true, TypeHeartbeat: true,
		TypeResyncRequest: true,
	},
}

const monitorRejection = "monitor connections can only send: monitor_connect, subscribe, heartbeat, resync_request"

// RegisterWorkerData carries a worker's capability declaration.
type RegisterWorkerData struct {
	Capabilities broker.WorkerCapabilities `json:"capabilities"`
}

// ClaimJobData is a worker's claim request. Capabilities, when present,
// override the registered record for this call.
type ClaimJobData struct {
	MaxJobs        int                        `json:"max_jobs,omitempty"`
	PreferredTypes []string                   `json:"preferred_types,omitempty"`
	Capabilities   *broker.WorkerCapabilities `json:"capabilities,omitempty"`
}

// ProgressData is a worker's progress report.
type ProgressData struct {
	JobID               string  `json:"job_id"`
	Progress            float64 `json:"progress"`
	Message             string  `json:"message,omitempty"`
	CurrentStep         int     `json:"current_step,omitempty"`
	TotalSteps          int     `json:"total_steps,omitempty"`
	EstimatedCompletion string  `json:"estimated_completion,omitempty"`
}

// CompletionData is a worker's terminal success report.
type CompletionData struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// FailureData is a worker's terminal failure report.
type FailureData struct {
	JobID     string `json:"job_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// StatusChangeData is a worker-announced status transition.
type StatusChangeData struct {
	Status string `json:"status"`
}

// JobRefData carries a bare job reference (cancel_job, sync_job,
// subscribe_to_job_events).
type JobRefData struct {
	JobID string `json:"job_id"`
}

// JobSubmittedData acknowledges a submission.
type JobSubmittedData struct {
	JobID string `json:"job_id"`
}

// MonitorConnectData opens a monitor session.
type MonitorConnectData struct {
	RequestFullState bool `json:"request_full_state,omitempty"`
}

// SubscribeData selects event topics and equality filters for a monitor.
type SubscribeData struct {
	Topics  []string          `json:"topics,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ResyncRequestData asks for buffered events newer than a timestamp.
type ResyncRequestData struct {
	SinceTimestamp int64 `json:"since_timestamp"`
	MaxEvents      int   `json:"max_events,omitempty"`
}

// SystemStatusData is the welcome frame sent on accept.
type SystemStatusData struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	ServerTime   int64  `json:"server_time"`
}

// ErrorData reports a failure with a stable kind.
type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AssignedJobData delivers a claimed job to its worker.
type AssignedJobData struct {
	Job *broker.Job `json:"job"`
}

// JobStateData returns a reconciled job record (sync_job response).
type JobStateData struct {
	Job *broker.Job `json:"job"`
}
