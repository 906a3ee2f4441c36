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

// Package core implements the job broker: submission, the claim path,
// progress and terminal transitions, cancellation, reconciliation, and
// archival. Every state mutation goes through this package so the store's
// invariants hold no matter which surface (hub, admin tool, recovery loop)
// drives it.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reef/internal/metrics"
	"reef/internal/store"
	"reef/pkg/broker"
)

// EventSink receives lifecycle events for fan-out and durable append. The
// sink assigns event timestamps so they are strictly increasing within the
// process.
type EventSink interface {
	Emit(ctx context.Context, t broker.EventType, subjectID string, payload map[string]any)
}

// CancelNotifier delivers a soft cancel signal to the worker owning a job.
// Returns false when the worker has no live connection; the recovery loop
// escalates in that case.
type CancelNotifier interface {
	CancelRequested(workerID, jobID string) bool
}

// Broker coordinates all job and worker state transitions.
type Broker struct {
	store    *store.Store
	events   EventSink
	notifier CancelNotifier
	log      *slog.Logger
	maxScan  int

	now func() int64 // ms clock, swappable in tests
}

// New builds a broker. sink may be nil (events dropped); the notifier is
// attached later once the hub exists.
func New(st *store.Store, sink EventSink, log *slog.Logger, maxScan int) *Broker {
	return &Broker{
		store:   st,
		events:  sink,
		log:     log,
		maxScan: maxScan,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNotifier attaches the cancel-notification path. Called once at startup
// after the hub is constructed.
func (b *Broker) SetNotifier(n CancelNotifier) { b.notifier = n }

// SetClock overrides the millisecond clock. Tests only.
func (b *Broker) SetClock(now func() int64) { b.now = now }

// Store exposes the underlying state store for read-side surfaces
// (snapshots, admin tooling).
func (b *Broker) Store() *store.Store { return b.store }

func (b *Broker) emit(ctx context.Context, t broker.EventType, subjectID string, payload map[string]any) {
	metrics.IncJobEvent(string(t))
	if b.events != nil {
		b.events.Emit(ctx, t, subjectID, payload)
	}
}

// Submit validates and persists a new job, inserts it into the pending
// index with its frozen composite ordering key, and emits job.submitted.
func (b *Broker) Submit(ctx context.Context, job *broker.Job) (*broker.Job, error) {
	if job.ServiceRequired == "" {
		return nil, broker.Errorf(broker.KindValidation, "service_required is required")
	}
	if job.Status != "" && job.Status != broker.JobStatusPending {
		return nil, broker.Errorf(broker.KindValidation, "submitted job may not carry status %q", job.Status)
	}
	if job.MaxRetries < 0 {
		return nil, broker.Errorf(broker.KindValidation, "max_retries must not be negative")
	}
	if job.WorkflowDatetime != "" {
		if _, err := time.Parse(time.RFC3339, job.WorkflowDatetime); err != nil {
			return nil, broker.Errorf(broker.KindValidation, "workflow_datetime is not RFC3339: %v", err)
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = broker.DefaultMaxRetries
	}
	job.Status = broker.JobStatusPending
	job.WorkerID = ""
	job.CreatedAt = b.now()
	job.ComputeOrdering()

	if err := b.store.PutJob(ctx, job); err != nil {
		return nil, broker.StorageError("put job", err)
	}
	if err := b.store.EnqueuePending(ctx, job); err != nil {
		return nil, broker.StorageError("enqueue pending", err)
	}
	b.emit(ctx, broker.EventJobSubmitted, job.ID, map[string]any{
		"service_required": job.ServiceRequired,
		"priority":         job.EffectivePriority,
	})
	b.log.Info("job submitted", "job_id", job.ID, "service", job.ServiceRequired,
		"priority", job.EffectivePriority)
	return job, nil
}

// Claim runs the atomic matcher for a worker and returns the claimed job,
// or nil when nothing within the scan window matches. A claim carrying
// inline capabilities may arrive before register_worker; the worker is
// registered first so the registry set covers every claimant and the
// recovery loop's staleness sweep can reclaim its jobs.
func (b *Broker) Claim(ctx context.Context, caps *broker.WorkerCapabilities) (*broker.Job, error) {
	if _, err := b.store.GetWorker(ctx, caps.WorkerID); errors.Is(err, store.ErrNotFound) {
		if _, err := b.RegisterWorker(ctx, caps); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, broker.StorageError("get worker", err)
	}
	start := time.Now()
	job, err := b.store.ClaimJob(ctx, caps, b.maxScan, b.now())
	if err != nil {
		metrics.ObserveClaim(metrics.ClaimError, time.Since(start))
		return nil, broker.StorageError("claim", err)
	}
	if job == nil {
		metrics.ObserveClaim(metrics.ClaimNoMatch, time.Since(start))
		return nil, nil
	}
	metrics.ObserveClaim(metrics.ClaimMatched, time.Since(start))
	b.emit(ctx, broker.EventJobAssigned, job.ID, map[string]any{
		"worker_id": job.WorkerID,
	})
	b.log.Info("job assigned", "job_id", job.ID, "worker_id", job.WorkerID)
	return job, nil
}

// owned loads a job and verifies the calling worker owns it in a live
// (non-terminal) state.
func (b *Broker) owned(ctx context.Context, jobID, workerID string) (*broker.Job, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, broker.Errorf(broker.KindNotFound, "job %s does not exist", jobID)
	}
	if err != nil {
		return nil, broker.StorageError("get job", err)
	}
	if job.Status.IsTerminal() {
		return nil, broker.Errorf(broker.KindStateConflict, "job %s is already %s", jobID, job.Status)
	}
	if job.WorkerID != workerID {
		return nil, broker.Errorf(broker.KindNotOwner, "job %s is not assigned to worker %s", jobID, workerID)
	}
	return job, nil
}

// Progress records a progress report from the owning worker. The first
// report moves the job from assigned to processing. Out-of-range values are
// clamped and non-monotonic reports accepted but annotated.
func (b *Broker) Progress(ctx context.Context, jobID, workerID string, value float64, message string, step, total int) error {
	job, err := b.owned(ctx, jobID, workerID)
	if err != nil {
		return err
	}
	now := b.now()
	clamped, wasClamped := broker.ClampProgress(value)

	rec := broker.Progress{
		JobID:      jobID,
		WorkerID:   workerID,
		Progress:   clamped,
		Message:    message,
		Step:       step,
		TotalSteps: total,
		Timestamp:  now,
	}
	switch {
	case wasClamped:
		rec.Note = "clamped"
	case clamped < job.LastProgress:
		rec.Note = "non-monotonic"
	}

	if job.Status == broker.JobStatusAssigned {
		job.Status = broker.JobStatusProcessing
		job.StartedAt = now
	}
	job.LastProgress = clamped
	if err := b.store.PutJob(ctx, job); err != nil {
		return broker.StorageError("put job", err)
	}
	if err := b.store.AppendProgress(ctx, rec); err != nil {
		return broker.StorageError("append progress", err)
	}
	if err := b.store.PublishProgress(ctx, rec); err != nil {
		return broker.StorageError("publish progress", err)
	}
	b.emit(ctx, broker.EventJobProgress, jobID, map[string]any{
		"worker_id": workerID,
		"progress":  clamped,
		"message":   message,
	})
	return nil
}

// Complete records a successful result from the owning worker, moves the
// job to the completed map, and idles the worker.
func (b *Broker) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	job, err := b.owned(ctx, jobID, workerID)
	if err != nil {
		return err
	}
	now := b.now()
	job.Status = broker.JobStatusCompleted
	job.CompletedAt = now
	job.Result = result
	job.WorkerID = "" // terminal records carry no assignment

	if err := b.store.PutJob(ctx, job); err != nil {
		return broker.StorageError("put job", err)
	}
	if err := b.store.RemoveActive(ctx, workerID, jobID); err != nil {
		return broker.StorageError("remove active", err)
	}
	if err := b.store.MarkCompleted(ctx, jobID, now); err != nil {
		return broker.StorageError("mark completed", err)
	}
	if err := b.store.SetWorkerStatus(ctx, workerID, broker.WorkerStatusIdle, "", now); err != nil {
		return broker.StorageError("set worker status", err)
	}
	terminal := broker.Progress{
		JobID: jobID, WorkerID: workerID, Progress: 100,
		Message: "completed", Timestamp: now,
	}
	if err := b.store.AppendProgress(ctx, terminal); err != nil {
		return broker.StorageError("append progress", err)
	}
	if err := b.store.PublishProgress(ctx, terminal); err != nil {
		return broker.StorageError("publish progress", err)
	}
	b.emit(ctx, broker.EventJobCompleted, jobID, map[string]any{
		"worker_id": workerID,
	})
	b.log.Info("job completed", "job_id", jobID, "worker_id", workerID)
	return nil
}

// Fail records a failure from the owning worker. Retryable failures with
// retries remaining requeue the job with its original composite ordering;
// otherwise the job moves to the failed map.
func (b *Broker) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool) error {
	job, err := b.owned(ctx, jobID, workerID)
	if err != nil {
		return err
	}
	if err := b.store.RemoveActive(ctx, workerID, jobID); err != nil {
		return broker.StorageError("remove active", err)
	}
	if err := b.store.SetWorkerStatus(ctx, workerID, broker.WorkerStatusIdle, "", b.now()); err != nil {
		return broker.StorageError("set worker status", err)
	}
	return b.retire(ctx, job, errMsg, retryable)
}

// retire increments the retry count and either requeues the job or moves it
// to the failed map. The job's ordering key is left untouched so a requeued
// job keeps its position relative to peers.
func (b *Broker) retire(ctx context.Context, job *broker.Job, errMsg string, retryable bool) error {
	now := b.now()
	job.RetryCount++
	job.LastFailedWorker = job.WorkerID

	if retryable && job.RetryCount < job.MaxRetries {
		job.Status = broker.JobStatusPending
		job.WorkerID = ""
		job.Error = errMsg
		if err := b.store.PutJob(ctx, job); err != nil {
			return broker.StorageError("put job", err)
		}
		if err := b.store.EnqueuePending(ctx, job); err != nil {
			return broker.StorageError("enqueue pending", err)
		}
		b.emit(ctx, broker.EventJobRequeued, job.ID, map[string]any{
			"worker_id":   job.LastFailedWorker,
			"retry_count": job.RetryCount,
			"error":       errMsg,
		})
		b.log.Warn("job requeued", "job_id", job.ID, "retry_count", job.RetryCount,
			"worker_id", job.LastFailedWorker, "error", errMsg)
		return nil
	}

	job.Status = broker.JobStatusFailed
	job.FailedAt = now
	job.Error = errMsg
	job.WorkerID = ""
	if err := b.store.PutJob(ctx, job); err != nil {
		return broker.StorageError("put job", err)
	}
	if err := b.store.MarkFailed(ctx, job.ID, now); err != nil {
		return broker.StorageError("mark failed", err)
	}
	b.emit(ctx, broker.EventJobFailed, job.ID, map[string]any{
		"worker_id":   job.LastFailedWorker,
		"retry_count": job.RetryCount,
		"error":       errMsg,
	})
	b.log.Warn("job failed", "job_id", job.ID, "retry_count", job.RetryCount, "error", errMsg)
	return nil
}

// Cancel cancels a job. Pending jobs leave the index immediately; assigned
// or processing jobs get a soft cancel signal to the owning worker, with
// the recovery loop escalating if the worker does not react. Terminal jobs
// are ignored.
func (b *Broker) Cancel(ctx context.Context, jobID string) error {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return broker.Errorf(broker.KindNotFound, "job %s does not exist", jobID)
	}
	if err != nil {
		return broker.StorageError("get job", err)
	}
	switch {
	case job.Status.IsTerminal():
		return nil
	case job.Status == broker.JobStatusPending:
		if _, err := b.store.RemovePending(ctx, jobID); err != nil {
			return broker.StorageError("remove pending", err)
		}
		return b.finalizeCancel(ctx, job)
	default: // assigned or processing
		job.CancelRequestedAt = b.now()
		if err := b.store.PutJob(ctx, job); err != nil {
			return broker.StorageError("put job", err)
		}
		delivered := false
		if b.notifier != nil {
			delivered = b.notifier.CancelRequested(job.WorkerID, jobID)
		}
		b.log.Info("cancel requested", "job_id", jobID, "worker_id", job.WorkerID,
			"delivered", delivered)
		return nil
	}
}

// FinalizeCancel forces a job into the cancelled state. Used for pending
// cancellations and by the recovery loop when a cancel request goes
// unanswered. Cancelled jobs live in the failed map for snapshot and
// archival purposes.
func (b *Broker) FinalizeCancel(ctx context.Context, jobID string) error {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return broker.Errorf(broker.KindNotFound, "job %s does not exist", jobID)
	}
	if err != nil {
		return broker.StorageError("get job", err)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status == broker.JobStatusPending {
		if _, err := b.store.RemovePending(ctx, jobID); err != nil {
			return broker.StorageError("remove pending", err)
		}
	}
	if job.WorkerID != "" {
		if err := b.store.RemoveActive(ctx, job.WorkerID, jobID); err != nil {
			return broker.StorageError("remove active", err)
		}
		if err := b.store.SetWorkerStatus(ctx, job.WorkerID, broker.WorkerStatusIdle, "", b.now()); err != nil {
			return broker.StorageError("set worker status", err)
		}
	}
	return b.finalizeCancel(ctx, job)
}

func (b *Broker) finalizeCancel(ctx context.Context, job *broker.Job) error {
	now := b.now()
	worker := job.WorkerID
	job.Status = broker.JobStatusCancelled
	job.WorkerID = ""
	job.FailedAt = now
	if err := b.store.PutJob(ctx, job); err != nil {
		return broker.StorageError("put job", err)
	}
	if err := b.store.MarkFailed(ctx, job.ID, now); err != nil {
		return broker.StorageError("mark failed", err)
	}
	b.emit(ctx, broker.EventJobCancelled, job.ID, map[string]any{
		"worker_id": worker,
	})
	b.log.Info("job cancelled", "job_id", job.ID)
	return nil
}

// Requeue applies the fail-retryable rules to a job without an owning
// worker call: the recovery loop and reconciliation use it for orphans.
func (b *Broker) Requeue(ctx context.Context, job *broker.Job, reason string) error {
	if job.WorkerID != "" {
		if err := b.store.RemoveActive(ctx, job.WorkerID, job.ID); err != nil {
			return broker.StorageError("remove active", err)
		}
	}
	return b.retire(ctx, job, reason, true)
}

// Sync reconciles one job record against the pending index and worker
// active maps, returning the reconciled record. Admin tooling calls this.
func (b *Broker) Sync(ctx context.Context, jobID string) (*broker.Job, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, broker.Errorf(broker.KindNotFound, "job %s does not exist", jobID)
	}
	if err != nil {
		return nil, broker.StorageError("get job", err)
	}

	switch job.Status {
	case broker.JobStatusPending:
		// A pending job must sit in the index and nowhere else.
		if err := b.store.EnqueuePending(ctx, job); err != nil {
			return nil, broker.StorageError("enqueue pending", err)
		}
	case broker.JobStatusAssigned, broker.JobStatusProcessing:
		ok, err := b.ownedByLiveWorker(ctx, job)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := b.Requeue(ctx, job, "reconcile: worker lost job"); err != nil {
				return nil, err
			}
		}
	default: // terminal
		if _, err := b.store.RemovePending(ctx, jobID); err != nil {
			return nil, broker.StorageError("remove pending", err)
		}
	}
	return b.store.GetJob(ctx, jobID)
}

// ownedByLiveWorker reports whether the job's worker is registered and has
// the job in its active map.
func (b *Broker) ownedByLiveWorker(ctx context.Context, job *broker.Job) (bool, error) {
	if job.WorkerID == "" {
		return false, nil
	}
	w, err := b.store.GetWorker(ctx, job.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, broker.StorageError("get worker", err)
	}
	if w.Status == broker.WorkerStatusDisconnected {
		return false, nil
	}
	in, err := b.store.InActiveMap(ctx, job.WorkerID, job.ID)
	if err != nil {
		return false, broker.StorageError("active map", err)
	}
	return in, nil
}

// RegisterWorker upserts a worker's capability record as idle and emits
// worker.registered.
func (b *Broker) RegisterWorker(ctx context.Context, caps *broker.WorkerCapabilities) (*broker.Worker, error) {
	if caps.WorkerID == "" {
		return nil, broker.Errorf(broker.KindValidation, "worker_id is required")
	}
	if len(caps.Services) == 0 {
		return nil, broker.Errorf(broker.KindValidation, "worker %s declares no services", caps.WorkerID)
	}
	now := b.now()
	w := &broker.Worker{
		Capabilities: *caps,
		Status:       broker.WorkerStatusIdle,
		ConnectedAt:  now,
		LastActivity: now,
	}
	// A reconnecting worker may still hold a job; keep the busy state so the
	// registry record and the active map agree.
	active, err := b.store.ActiveJobs(ctx, caps.WorkerID)
	if err != nil {
		return nil, broker.StorageError("active jobs", err)
	}
	if len(active) > 0 {
		w.Status = broker.WorkerStatusBusy
		if prev, err := b.store.GetWorker(ctx, caps.WorkerID); err == nil {
			w.CurrentJobID = prev.CurrentJobID
		}
		if _, ok := active[w.CurrentJobID]; !ok {
			for id := range active {
				w.CurrentJobID = id
				break
			}
		}
	}
	if err := b.store.RegisterWorker(ctx, w); err != nil {
		return nil, broker.StorageError("register worker", err)
	}
	b.emit(ctx, broker.EventWorkerRegistered, caps.WorkerID, map[string]any{
		"services": caps.Services,
	})
	b.log.Info("worker registered", "worker_id", caps.WorkerID, "services", caps.Services)
	return w, nil
}

// Heartbeat refreshes a worker's activity timestamp.
func (b *Broker) Heartbeat(ctx context.Context, workerID string) error {
	if err := b.store.TouchWorker(ctx, workerID, b.now()); err != nil {
		return broker.StorageError("touch worker", err)
	}
	return nil
}

// WorkerStatusChange records a worker-reported status transition and emits
// worker.status_changed.
func (b *Broker) WorkerStatusChange(ctx context.Context, workerID string, status broker.WorkerStatus) error {
	w, err := b.store.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrNotFound) {
		return broker.Errorf(broker.KindNotFound, "worker %s is not registered", workerID)
	}
	if err != nil {
		return broker.StorageError("get worker", err)
	}
	if err := b.store.SetWorkerStatus(ctx, workerID, status, w.CurrentJobID, b.now()); err != nil {
		return broker.StorageError("set worker status", err)
	}
	b.emit(ctx, broker.EventWorkerStatusChanged, workerID, map[string]any{
		"status": string(status),
	})
	return nil
}

// DisconnectWorker marks a worker disconnected and requeues (or fails)
// every job in its active map. Both the hub's close path and the recovery
// loop's staleness sweep land here.
func (b *Broker) DisconnectWorker(ctx context.Context, workerID string) error {
	active, err := b.store.ActiveJobs(ctx, workerID)
	if err != nil {
		return broker.StorageError("active jobs", err)
	}
	for jobID := range active {
		job, err := b.store.GetJob(ctx, jobID)
		if errors.Is(err, store.ErrNotFound) {
			if err := b.store.RemoveActive(ctx, workerID, jobID); err != nil {
				return broker.StorageError("remove active", err)
			}
			continue
		}
		if err != nil {
			return broker.StorageError("get job", err)
		}
		if err := b.Requeue(ctx, job, "worker disconnected"); err != nil {
			return err
		}
	}
	if err := b.store.SetWorkerStatus(ctx, workerID, broker.WorkerStatusDisconnected, "", b.now()); err != nil {
		return broker.StorageError("set worker status", err)
	}
	b.emit(ctx, broker.EventWorkerDisconnected, workerID, map[string]any{
		"requeued": len(active),
	})
	b.log.Info("worker disconnected", "worker_id", workerID, "requeued", len(active))
	return nil
}
