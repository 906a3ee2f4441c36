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

// Package recovery runs the periodic sweep that returns the system to a
// consistent state after worker crashes and missed messages: stale workers
// are disconnected, orphaned jobs requeued, the pending index reconciled,
// and unanswered cancel requests escalated. Every mutation goes through
// broker primitives, so a tick is idempotent and safe to run alongside
// normal traffic.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"reef/internal/core"
	"reef/internal/metrics"
	"reef/internal/store"
	"reef/pkg/broker"
)

// Loop is the recovery sweeper.
type Loop struct {
	broker       *core.Broker
	store        *store.Store
	log          *slog.Logger
	interval     time.Duration
	workerGrace  time.Duration
	cancelWindow time.Duration

	now func() int64 // ms clock, swappable in tests
}

// New builds a recovery loop. workerGrace is the last-activity age past
// which a worker counts as gone; cancelWindow is how long a cancel request
// may go unanswered before escalation.
func New(b *core.Broker, log *slog.Logger, interval, workerGrace, cancelWindow time.Duration) *Loop {
	return &Loop{
		broker:       b,
		store:        b.Store(),
		log:          log,
		interval:     interval,
		workerGrace:  workerGrace,
		cancelWindow: cancelWindow,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Tests only.
func (l *Loop) SetClock(now func() int64) { l.now = now }

// Run ticks until the context ends. A failed tick is logged and retried on
// the next interval.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.log.Error("recovery tick failed", "error", err)
			}
		}
	}
}

// Tick runs one full sweep.
func (l *Loop) Tick(ctx context.Context) error {
	if err := l.sweepStaleWorkers(ctx); err != nil {
		return err
	}
	if err := l.sweepJobs(ctx); err != nil {
		return err
	}
	return l.reconcilePendingIndex(ctx)
}

// sweepStaleWorkers disconnects workers whose last activity is older than
// the grace threshold, requeueing their active jobs.
func (l *Loop) sweepStaleWorkers(ctx context.Context) error {
	workers, err := l.store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	cutoff := l.now() - l.workerGrace.Milliseconds()
	for _, w := range workers {
		if w.Status == broker.WorkerStatusDisconnected || w.LastActivity > cutoff {
			continue
		}
		l.log.Warn("worker stale, disconnecting", "worker_id", w.ID(),
			"last_activity", w.LastActivity)
		if err := l.broker.DisconnectWorker(ctx, w.ID()); err != nil {
			return err
		}
		metrics.IncRecovery("worker_disconnect")
	}
	return nil
}

// sweepJobs scans all job records for orphaned assignments and overdue
// cancel requests.
func (l *Loop) sweepJobs(ctx context.Context) error {
	now := l.now()
	return l.store.ScanJobs(ctx, func(job *broker.Job) error {
		if job.Status != broker.JobStatusAssigned && job.Status != broker.JobStatusProcessing {
			return nil
		}
		if job.CancelRequestedAt > 0 && now-job.CancelRequestedAt > l.cancelWindow.Milliseconds() {
			l.log.Warn("cancel request unanswered, escalating", "job_id", job.ID,
				"worker_id", job.WorkerID)
			if err := l.broker.FinalizeCancel(ctx, job.ID); err != nil {
				return err
			}
			metrics.IncRecovery("cancel_escalation")
			return nil
		}
		synced, err := l.broker.Sync(ctx, job.ID)
		if err != nil {
			return err
		}
		if synced.Status != job.Status && synced.Status == broker.JobStatusPending {
			metrics.IncRecovery("requeue")
		} else if synced.Status == broker.JobStatusFailed && job.Status != broker.JobStatusFailed {
			metrics.IncRecovery("fail")
		}
		return nil
	})
}

// reconcilePendingIndex drops index entries whose records are missing or no
// longer pending.
func (l *Loop) reconcilePendingIndex(ctx context.Context) error {
	ids, err := l.store.PendingIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := l.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			if _, err := l.store.RemovePending(ctx, id); err != nil {
				return err
			}
			metrics.IncRecovery("index_repair")
			continue
		}
		if err != nil {
			return err
		}
		if job.Status == broker.JobStatusPending {
			continue
		}
		if job.Status.IsTerminal() {
			if _, err := l.store.RemovePending(ctx, id); err != nil {
				return err
			}
			metrics.IncRecovery("index_repair")
			continue
		}
		// Assigned or processing but still indexed: the record wins; drop
		// the entry and let the orphan sweep decide the job's fate.
		if _, err := l.store.RemovePending(ctx, id); err != nil {
			return err
		}
		metrics.IncRecovery("index_repair")
		if _, err := l.broker.Sync(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
