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
	"context"
	"encoding/json"
	"errors"
	"time"

	"reef/internal/store"
	"reef/pkg/broker"
)

const handleTimeout = 30 * time.Second

// dispatch parses one inbound frame, enforces the role allowlist and
// worker-id provenance, and routes to the matching broker operation.
func (h *Hub) dispatch(c *Conn, raw []byte) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		c.SendData(TypeError, ErrorData{
			Kind:    string(broker.KindValidation),
			Message: "malformed message frame: " + err.Error(),
		})
		return
	}

	if !knownTypes[m.Type] {
		c.SendData(TypeError, ErrorData{
			Kind:    string(broker.KindValidation),
			Message: "unknown message type: " + string(m.Type),
		})
		return
	}
	if !allowed[c.role][m.Type] {
		msg := "role " + string(c.role) + " may not send " + string(m.Type)
		if c.role == RoleMonitor {
			msg = monitorRejection
		}
		c.SendData(TypeError, ErrorData{
			Kind:    string(broker.KindValidation),
			Message: msg,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var err error
	switch m.Type {
	case TypeHeartbeat:
		err = h.handleHeartbeat(ctx, c)
	case TypeRegisterWorker:
		err = h.handleRegisterWorker(ctx, c, m.Data)
	case TypeClaimJob:
		err = h.handleClaimJob(ctx, c, m.Data)
	case TypeProgress:
		err = h.handleProgress(ctx, c, m.Data)
	case TypeCompletion:
		err = h.handleCompletion(ctx, c, m.Data)
	case TypeFailure:
		err = h.handleFailure(ctx, c, m.Data)
	case TypeStatusChange:
		err = h.handleStatusChange(ctx, c, m.Data)
	case TypeSubmitJob:
		err = h.handleSubmitJob(ctx, c, m.Data)
	case TypeCancelJob:
		err = h.handleCancelJob(ctx, c, m.Data)
	case TypeSyncJob:
		err = h.handleSyncJob(ctx, c, m.Data)
	case TypeSubscribeJobEvents:
		err = h.handleSubscribeJobEvents(c, m.Data)
	case TypeMonitorConnect:
		err = h.handleMonitorConnect(ctx, c, m.Data)
	case TypeSubscribe:
		err = h.handleSubscribe(c, m.Data)
	case TypeResyncRequest:
		err = h.handleResync(c, m.Data)
	}
	if err != nil {
		c.SendData(TypeError, ErrorData{
			Kind:    string(broker.KindOf(err)),
			Message: err.Error(),
		})
	}
}

func decode[T any](data json.RawMessage) (*T, error) {
	var v T
	if len(data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, broker.Errorf(broker.KindValidation, "malformed message data: %v", err)
	}
	return &v, nil
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Conn) error {
	if c.role == RoleWorker {
		return h.broker.Heartbeat(ctx, c.id)
	}
	return nil // read deadline already refreshed by the pump
}

func (h *Hub) handleRegisterWorker(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[RegisterWorkerData](data)
	if err != nil {
		return err
	}
	if d.Capabilities.WorkerID == "" {
		d.Capabilities.WorkerID = c.id
	}
	if err := h.checkProvenance(c, d.Capabilities.WorkerID); err != nil {
		return err
	}
	_, err = h.broker.RegisterWorker(ctx, &d.Capabilities)
	return err
}

func (h *Hub) handleClaimJob(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[ClaimJobData](data)
	if err != nil {
		return err
	}
	caps := d.Capabilities
	if caps != nil {
		if caps.WorkerID == "" {
			caps.WorkerID = c.id
		}
		if err := h.checkProvenance(c, caps.WorkerID); err != nil {
			return err
		}
	} else {
		w, err := h.broker.Store().GetWorker(ctx, c.id)
		if errors.Is(err, store.ErrNotFound) {
			return broker.Errorf(broker.KindValidation, "worker %s must register before claiming", c.id)
		}
		if err != nil {
			return broker.StorageError("get worker", err)
		}
		caps = &w.Capabilities
	}

	job, err := h.broker.Claim(ctx, caps)
	if err != nil {
		return err
	}
	if job == nil {
		c.Send(Message{Type: TypeNoMatch})
		return nil
	}
	c.SendData(TypeAssignedJob, AssignedJobData{Job: job})
	return nil
}

func (h *Hub) handleProgress(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[ProgressData](data)
	if err != nil {
		return err
	}
	return h.broker.Progress(ctx, d.JobID, c.id, d.Progress, d.Message, d.CurrentStep, d.TotalSteps)
}

func (h *Hub) handleCompletion(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[CompletionData](data)
	if err != nil {
		return err
	}
	return h.broker.Complete(ctx, d.JobID, c.id, d.Result)
}

func (h *Hub) handleFailure(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[FailureData](data)
	if err != nil {
		return err
	}
	return h.broker.Fail(ctx, d.JobID, c.id, d.Error, d.Retryable)
}

func (h *Hub) handleStatusChange(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[StatusChangeData](data)
	if err != nil {
		return err
	}
	status := broker.WorkerStatus(d.Status)
	switch status {
	case broker.WorkerStatusIdle, broker.WorkerStatusBusy:
		return h.broker.WorkerStatusChange(ctx, c.id, status)
	default:
		return broker.Errorf(broker.KindValidation, "worker may not announce status %q", d.Status)
	}
}

func (h *Hub) handleSubmitJob(ctx context.Context, c *Conn, data json.RawMessage) error {
	job, err := decode[broker.Job](data)
	if err != nil {
		return err
	}
	submitted, err := h.broker.Submit(ctx, job)
	if err != nil {
		return err
	}
	c.SendData(TypeJobSubmitted, JobSubmittedData{JobID: submitted.ID})
	return nil
}

func (h *Hub) handleCancelJob(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[JobRefData](data)
	if err != nil {
		return err
	}
	if d.JobID == "" {
		return broker.Errorf(broker.KindValidation, "job_id is required")
	}
	return h.broker.Cancel(ctx, d.JobID)
}

func (h *Hub) handleSyncJob(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[JobRefData](data)
	if err != nil {
		return err
	}
	if d.JobID == "" {
		return broker.Errorf(broker.KindValidation, "job_id is required")
	}
	job, err := h.broker.Sync(ctx, d.JobID)
	if err != nil {
		return err
	}
	c.SendData(TypeJobState, JobStateData{Job: job})
	return nil
}

func (h *Hub) handleSubscribeJobEvents(c *Conn, data json.RawMessage) error {
	d, err := decode[JobRefData](data)
	if err != nil {
		return err
	}
	if d.JobID == "" {
		return broker.Errorf(broker.KindValidation, "job_id is required")
	}
	c.subscribeJob(d.JobID)
	// Client subscriptions ride the broadcaster's job topic; the connection
	// filters to its own job ids in SendEvent.
	h.bcast.Subscribe(c.connID, c, []string{"job"}, nil)
	return nil
}

func (h *Hub) handleMonitorConnect(ctx context.Context, c *Conn, data json.RawMessage) error {
	d, err := decode[MonitorConnectData](data)
	if err != nil {
		return err
	}
	h.bcast.Subscribe(c.connID, c, nil, nil)
	if d.RequestFullState {
		snap, err := h.broker.Snapshot(ctx)
		if err != nil {
			return err
		}
		c.SendData(TypeSnapshot, snap)
	}
	return nil
}

func (h *Hub) handleSubscribe(c *Conn, data json.RawMessage) error {
	d, err := decode[SubscribeData](data)
	if err != nil {
		return err
	}
	h.bcast.Subscribe(c.connID, c, d.Topics, d.Filters)
	return nil
}

func (h *Hub) handleResync(c *Conn, data json.RawMessage) error {
	d, err := decode[ResyncRequestData](data)
	if err != nil {
		return err
	}
	for _, ev := range h.bcast.ResyncSince(d.SinceTimestamp, d.MaxEvents) {
		if !c.SendData(TypeEvent, ev) {
			break
		}
	}
	return nil
}

// checkProvenance rejects messages whose stated worker id differs from the
// identity bound to the connection at accept time.
func (h *Hub) checkProvenance(c *Conn, workerID string) error {
	if workerID != c.id {
		return broker.Errorf(broker.KindAuth,
			"worker_id %s does not match connection identity %s", workerID, c.id)
	}
	return nil
}
