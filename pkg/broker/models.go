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

// Package broker contains the shared data model used by the state store,
// the job broker, the connection hub, and tests: jobs and their lifecycle,
// worker capability records, the requirement predicate, lifecycle events,
// and the error kinds the wire protocol reports.
//
// All timestamps in this package are integer milliseconds since the Unix
// epoch. The wire protocol frames timestamps that way, and the matcher
// script compares them numerically inside the store.
package broker

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job.
// Transitions: pending → assigned → processing → {completed|failed|cancelled},
// with failed → pending allowed while retry_count < max_retries.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusAssigned   JobStatus = "assigned"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusAssigned, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal
// (completed, failed, or cancelled).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// DefaultMaxRetries applies when a submission leaves max_retries unset.
const DefaultMaxRetries = 3

// Job represents a single unit of work and its lifecycle. The broker is
// the only writer of job records; workers report back through broker
// operations bound to their connection identity.
type Job struct {
	ID              string          `json:"id"`
	ServiceRequired string          `json:"service_required"`
	JobType         string          `json:"job_type,omitempty"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    *Requirements   `json:"requirements,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`

	// Workflow ordering. WorkflowPriority, when set, overrides Priority as
	// the primary ordering key; WorkflowDatetime (RFC3339) overrides the
	// submission time as the FIFO tie-break.
	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority *int   `json:"workflow_priority,omitempty"`
	WorkflowDatetime string `json:"workflow_datetime,omitempty"`
	StepNumber       *int   `json:"step_number,omitempty"`

	// Composite ordering key, frozen at submission so a requeue preserves
	// the job's position relative to its peers. EffectivePriority is the
	// pending-index score; OrderTS breaks ties, older first.
	EffectivePriority int   `json:"effective_priority"`
	OrderTS           int64 `json:"order_ts"`

	Status   JobStatus `json:"status"`
	WorkerID string    `json:"worker_id,omitempty"`

	CreatedAt         int64 `json:"created_at"`
	AssignedAt        int64 `json:"assigned_at,omitempty"`
	StartedAt         int64 `json:"started_at,omitempty"`
	CompletedAt       int64 `json:"completed_at,omitempty"`
	FailedAt          int64 `json:"failed_at,omitempty"`
	CancelRequestedAt int64 `json:"cancel_requested_at,omitempty"`

	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	LastFailedWorker string `json:"last_failed_worker,omitempty"`
	LastProgress     float64 `json:"last_progress,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ComputeOrdering freezes the composite ordering key. The primary key is
// workflow_priority when set, else the job's own priority; the tie-break
// is workflow_datetime when set (and parseable), else created_at.
func (j *Job) ComputeOrdering() {
	if j.WorkflowPriority != nil {
		j.EffectivePriority = *j.WorkflowPriority
	} else {
		j.EffectivePriority = j.Priority
	}
	j.OrderTS = j.CreatedAt
	if j.WorkflowDatetime != "" {
		if t, err := time.Parse(time.RFC3339, j.WorkflowDatetime); err == nil {
			j.OrderTS = t.UnixMilli()
		}
	}
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusDisconnected WorkerStatus = "disconnected"
)

// String returns the string value of the WorkerStatus.
func (s WorkerStatus) String() string { return string(s) }

// IsolationLevel names a customer-isolation policy.
const (
	IsolationNone   = "none"
	IsolationLoose  = "loose"
	IsolationStrict = "strict"
)

// CustomerAccess declares which customers a worker may serve.
type CustomerAccess struct {
	Isolation        string   `json:"isolation,omitempty"`
	AllowedCustomers []string `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string `json:"denied_customers,omitempty"`
}

// WorkerCapabilities is the capability bag a worker declares at
// registration. Unknown keys are folded into Custom and matched with the
// generic comparison rules; the named fields carry the keys the matcher
// treats specially.
type WorkerCapabilities struct {
	WorkerID       string              `json:"worker_id"`
	MachineID      string              `json:"machine_id,omitempty"`
	Services       []string            `json:"services"`
	Hardware       map[string]float64  `json:"hardware,omitempty"`
	Models         map[string][]string `json:"models,omitempty"`
	CustomerAccess *CustomerAccess     `json:"customer_access,omitempty"`

	// WorkflowID, when non-empty, restricts this worker to jobs of that
	// workflow. Empty means unrestricted.
	WorkflowID string `json:"workflow_id,omitempty"`

	Custom CapabilityMap `json:"custom,omitempty"`
}

// workerCapsKnown lists the top-level keys that are not custom capabilities.
var workerCapsKnown = map[string]bool{
	"worker_id": true, "machine_id": true, "services": true,
	"hardware": true, "models": true, "customer_access": true,
	"workflow_id": true, "custom": true,
}

// UnmarshalJSON folds unrecognized top-level keys into Custom so a worker
// can declare arbitrary capabilities inline, the way jobs declare arbitrary
// requirement keys.
func (c *WorkerCapabilities) UnmarshalJSON(data []byte) error {
	type plain WorkerCapabilities
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if workerCapsKnown[k] {
			continue
		}
		var val Capability
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if p.Custom == nil {
			p.Custom = CapabilityMap{}
		}
		p.Custom[k] = val
	}
	*c = WorkerCapabilities(p)
	return nil
}

// Worker is a registered worker's runtime record: capabilities plus the
// mutable state the broker and recovery loop maintain.
type Worker struct {
	Capabilities WorkerCapabilities `json:"capabilities"`
	Status       WorkerStatus       `json:"status"`
	CurrentJobID string             `json:"current_job_id,omitempty"`
	ConnectedAt  int64              `json:"connected_at"`
	LastActivity int64              `json:"last_activity"`
}

// ID returns the worker id from the capability record.
func (w *Worker) ID() string { return w.Capabilities.WorkerID }

// Progress is one record on a job's append-only progress stream.
type Progress struct {
	JobID      string  `json:"job_id"`
	WorkerID   string  `json:"worker_id,omitempty"`
	Progress   float64 `json:"progress"`
	Message    string  `json:"message,omitempty"`
	Step       int     `json:"current_step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
	Timestamp  int64   `json:"timestamp"`

	// Note annotates accepted-but-suspect reports, e.g. non-monotonic
	// progress or clamped values.
	Note string `json:"note,omitempty"`
}

// ClampProgress forces a progress percentage into [0, 100] and reports
// whether clamping occurred.
func ClampProgress(p float64) (float64, bool) {
	switch {
	case p < 0:
		return 0, true
	case p > 100:
		return 100, true
	default:
		return p, false
	}
}
