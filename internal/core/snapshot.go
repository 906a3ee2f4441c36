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

package core

import (
	"context"
	"errors"

	"reef/internal/store"
	"reef/pkg/broker"
)

// Snapshot is the full-state view the hub sends to monitors on request.
type Snapshot struct {
	Timestamp int64            `json:"timestamp"`
	Workers   []*broker.Worker `json:"workers"`
	Jobs      SnapshotJobs     `json:"jobs"`
	Counts    map[string]int   `json:"counts"`
}

// SnapshotJobs partitions jobs by lifecycle phase. Cancelled jobs appear
// under Failed, mirroring the terminal maps.
type SnapshotJobs struct {
	Pending   []*broker.Job `json:"pending"`
	Active    []*broker.Job `json:"active"`
	Completed []*broker.Job `json:"completed"`
	Failed    []*broker.Job `json:"failed"`
}

// Snapshot assembles the current workers, partitioned jobs, and aggregate
// counts. It reads without locking; the view is consistent per key, not
// across keys, which is all monitors need.
func (b *Broker) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Timestamp: b.now(), Counts: map[string]int{}}

	workers, err := b.store.ListWorkers(ctx)
	if err != nil {
		return nil, broker.StorageError("list workers", err)
	}
	snap.Workers = workers

	pendingIDs, err := b.store.PendingIDs(ctx)
	if err != nil {
		return nil, broker.StorageError("pending ids", err)
	}
	snap.Jobs.Pending, err = b.loadJobs(ctx, pendingIDs)
	if err != nil {
		return nil, err
	}

	for _, w := range workers {
		active, err := b.store.ActiveJobs(ctx, w.ID())
		if err != nil {
			return nil, broker.StorageError("active jobs", err)
		}
		ids := make([]string, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		jobs, err := b.loadJobs(ctx, ids)
		if err != nil {
			return nil, err
		}
		snap.Jobs.Active = append(snap.Jobs.Active, jobs...)
	}

	completed, err := b.store.CompletedJobs(ctx)
	if err != nil {
		return nil, broker.StorageError("completed jobs", err)
	}
	snap.Jobs.Completed, err = b.loadJobs(ctx, keysOf(completed))
	if err != nil {
		return nil, err
	}

	failed, err := b.store.FailedJobs(ctx)
	if err != nil {
		return nil, broker.StorageError("failed jobs", err)
	}
	snap.Jobs.Failed, err = b.loadJobs(ctx, keysOf(failed))
	if err != nil {
		return nil, err
	}

	snap.Counts["workers"] = len(snap.Workers)
	snap.Counts["pending"] = len(snap.Jobs.Pending)
	snap.Counts["active"] = len(snap.Jobs.Active)
	snap.Counts["completed"] = len(snap.Jobs.Completed)
	snap.Counts["failed"] = len(snap.Jobs.Failed)
	return snap, nil
}

func (b *Broker) loadJobs(ctx context.Context, ids []string) ([]*broker.Job, error) {
	jobs := make([]*broker.Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue // index ahead of a deletion
		}
		if err != nil {
			return nil, broker.StorageError("get job", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func keysOf(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
