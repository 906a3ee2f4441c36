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

// Package store provides the Redis-backed state store for the broker:
// job records, the priority-ordered pending index, per-worker active maps,
// the worker registry, per-job progress streams, the durable lifecycle
// event stream, and the atomic claim script.
//
// Key scheme:
//
//	job:{id}            STRING  JSON job record
//	jobs:pending        ZSET    score = effective priority, member = job id
//	jobs:active:{w}     HASH    job id -> assigned_at (ms)
//	jobs:completed      HASH    job id -> completed_at (ms)
//	jobs:failed         HASH    job id -> failed_at (ms)
//	workers             SET     registered worker ids
//	worker:{id}         HASH    capabilities (JSON), status, current_job_id,
//	                            connected_at, last_activity
//	progress:{job_id}   STREAM  one JSON record per entry
//	events:lifecycle    STREAM  durable lifecycle events
//	progress:updates    PUBSUB  external progress notifications
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"reef/pkg/broker"
)

const (
	keyPending   = "jobs:pending"
	keyCompleted = "jobs:completed"
	keyFailed    = "jobs:failed"
	keyWorkers   = "workers"
	keyEvents    = "events:lifecycle"

	// ChannelProgress is the pub/sub channel downstream delivery listens on.
	ChannelProgress = "progress:updates"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

func jobKey(id string) string      { return "job:" + id }
func activeKey(w string) string    { return "jobs:active:" + w }
func workerKey(id string) string   { return "worker:" + id }
func progressKey(id string) string { return "progress:" + id }

// Store wraps a Redis client and provides typed accessors for the broker's
// state. All writes are single-key atomic except the claim script, which
// Redis serializes.
type Store struct {
	rdb *redis.Client
}

// Open connects to the store at url (redis://host:port/db) and verifies the
// connection with a ping.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// New wraps an existing client. Used by tests running against miniredis.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Ping verifies store liveness, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PutJob writes the full job record.
func (s *Store) PutJob(ctx context.Context, job *broker.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), raw, 0).Err()
}

// GetJob reads one job record, returning ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*broker.Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job broker.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// DeleteJob removes a job record. Used by archival after the copy succeeds.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, jobKey(id)).Err()
}

// ScanJobs visits every stored job record. The recovery loop uses this to
// find orphaned assigned/processing jobs.
func (s *Store) ScanJobs(ctx context.Context, fn func(*broker.Job) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "job:*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted mid-scan
			}
			if err != nil {
				return err
			}
			var job broker.Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if err := fn(&job); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// EnqueuePending inserts the job id into the pending index with its frozen
// effective priority as the score. Ties are broken by the matcher, not the
// score, so requeues keep their original position.
func (s *Store) EnqueuePending(ctx context.Context, job *broker.Job) error {
	return s.rdb.ZAdd(ctx, keyPending, redis.Z{
		Score:  float64(job.EffectivePriority),
		Member: job.ID,
	}).Err()
}

// RemovePending removes a job id from the pending index, reporting whether
// it was present.
func (s *Store) RemovePending(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyPending, id).Result()
	return n > 0, err
}

// PendingIDs returns all pending job ids in descending priority order.
func (s *Store) PendingIDs(ctx context.Context) ([]string, error) {
	return s.rdb.ZRevRange(ctx, keyPending, 0, -1).Result()
}

// PendingCount returns the size of the pending index.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, keyPending).Result()
}

// AddActive records a job in a worker's active map.
func (s *Store) AddActive(ctx context.Context, workerID, jobID string, assignedAt int64) error {
	return s.rdb.HSet(ctx, activeKey(workerID), jobID, assignedAt).Err()
}

// RemoveActive removes a job from a worker's active map.
func (s *Store) RemoveActive(ctx context.Context, workerID, jobID string) error {
	return s.rdb.HDel(ctx, activeKey(workerID), jobID).Err()
}

// ActiveJobs returns the contents of a worker's active map
// (job id -> assigned_at ms).
func (s *Store) ActiveJobs(ctx context.Context, workerID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, activeKey(workerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("active map %s entry %s: %w", workerID, id, err)
		}
		out[id] = ts
	}
	return out, nil
}

// InActiveMap reports whether a worker's active map contains the job.
func (s *Store) InActiveMap(ctx context.Context, workerID, jobID string) (bool, error) {
	return s.rdb.HExists(ctx, activeKey(workerID), jobID).Result()
}

// MarkCompleted records a job in the completed map.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, completedAt int64) error {
	return s.rdb.HSet(ctx, keyCompleted, jobID, completedAt).Err()
}

// MarkFailed records a job in the failed map.
func (s *Store) MarkFailed(ctx context.Context, jobID string, failedAt int64) error {
	return s.rdb.HSet(ctx, keyFailed, jobID, failedAt).Err()
}

// RemoveTerminal clears a job from both terminal maps. Archival calls this
// after the copy; requeue paths call it when a failed job re-enters pending.
func (s *Store) RemoveTerminal(ctx context.Context, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, keyCompleted, jobID)
	pipe.HDel(ctx, keyFailed, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// CompletedJobs returns the completed map (job id -> completed_at ms).
func (s *Store) CompletedJobs(ctx context.Context) (map[string]int64, error) {
	return s.terminalMap(ctx, keyCompleted)
}

// FailedJobs returns the failed map (job id -> failed_at ms).
func (s *Store) FailedJobs(ctx context.Context) (map[string]int64, error) {
	return s.terminalMap(ctx, keyFailed)
}

func (s *Store) terminalMap(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s entry %s: %w", key, id, err)
		}
		out[id] = ts
	}
	return out, nil
}

// RegisterWorker writes the full worker record and adds it to the registry
// index. Registration is an upsert: a reconnecting worker replaces its
// previous capability record.
func (s *Store) RegisterWorker(ctx context.Context, w *broker.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities %s: %w", w.ID(), err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, workerKey(w.ID()),
		"capabilities", caps,
		"status", string(w.Status),
		"current_job_id", w.CurrentJobID,
		"connected_at", w.ConnectedAt,
		"last_activity", w.LastActivity,
	)
	pipe.SAdd(ctx, keyWorkers, w.ID())
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorker reads one worker record, returning ErrNotFound when absent.
func (s *Store) GetWorker(ctx context.Context, id string) (*broker.Worker, error) {
	raw, err := s.rdb.HGetAll(ctx, workerKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return decodeWorker(id, raw)
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]*broker.Worker, error) {
	ids, err := s.rdb.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, err
	}
	workers := make([]*broker.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // registry index ahead of a removal
		}
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// TouchWorker refreshes a worker's last-activity timestamp.
func (s *Store) TouchWorker(ctx context.Context, id string, now int64) error {
	return s.rdb.HSet(ctx, workerKey(id), "last_activity", now).Err()
}

// SetWorkerStatus updates a worker's status, current job, and activity
// timestamp in one write.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status broker.WorkerStatus, currentJobID string, now int64) error {
	return s.rdb.HSet(ctx, workerKey(id),
		"status", string(status),
		"current_job_id", currentJobID,
		"last_activity", now,
	).Err()
}

// RemoveWorker deletes the worker record and its registry entry. The
// worker's active map is left for the recovery loop or the disconnect path
// to drain first.
func (s *Store) RemoveWorker(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, workerKey(id))
	pipe.SRem(ctx, keyWorkers, id)
	_, err := pipe.Exec(ctx)
	return err
}

func decodeWorker(id string, raw map[string]string) (*broker.Worker, error) {
	var w broker.Worker
	if caps := raw["capabilities"]; caps != "" {
		if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities %s: %w", id, err)
		}
	}
	if w.Capabilities.WorkerID == "" {
		w.Capabilities.WorkerID = id
	}
	w.Status = broker.WorkerStatus(raw["status"])
	w.CurrentJobID = raw["current_job_id"]
	var err error
	if v := raw["connected_at"]; v != "" {
		if w.ConnectedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("worker %s connected_at: %w", id, err)
		}
	}
	if v := raw["last_activity"]; v != "" {
		if w.LastActivity, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("worker %s last_activity: %w", id, err)
		}
	}
	return &w, nil
}

// AppendProgress appends one record to the job's progress stream.
func (s *Store) AppendProgress(ctx context.Context, p broker.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", p.JobID, err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: progressKey(p.JobID),
		Values: map[string]any{"record": raw},
	}).Err()
}

// ProgressEntries returns up to count records from a job's progress stream,
// oldest first.
func (s *Store) ProgressEntries(ctx context.Context, jobID string, count int64) ([]broker.Progress, error) {
	msgs, err := s.rdb.XRangeN(ctx, progressKey(jobID), "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]broker.Progress, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			continue
		}
		var p broker.Progress
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode progress %s entry %s: %w", jobID, m.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// DeleteProgress drops a job's progress stream. Called during archival.
func (s *Store) DeleteProgress(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, progressKey(jobID)).Err()
}

// PublishProgress publishes a record on the external progress channel.
func (s *Store) PublishProgress(ctx context.Context, p broker.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", p.JobID, err)
	}
	return s.rdb.Publish(ctx, ChannelProgress, raw).Err()
}

// AppendEvent appends one lifecycle event to the durable stream and returns
// the stream record id.
func (s *Store) AppendEvent(ctx context.Context, ev broker.Event) (string, error) {
	values := map[string]any{
		"event_type": string(ev.Type),
		"subject_id": ev.SubjectID,
		"timestamp":  ev.Timestamp,
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return "", fmt.Errorf("encode event payload: %w", err)
		}
		values["payload"] = raw
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: keyEvents,
		Values: values,
	}).Result()
}
