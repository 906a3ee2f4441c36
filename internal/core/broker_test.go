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
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"reef/internal/logging"
	"reef/internal/store"
	"reef/pkg/broker"
)

// sinkRecorder captures emitted events in order.
type sinkRecorder struct {
	mu     sync.Mutex
	events []broker.Event
}

func (s *sinkRecorder) Emit(_ context.Context, t broker.EventType, subjectID string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, broker.Event{Type: t, SubjectID: subjectID, Payload: payload})
}

func (s *sinkRecorder) types(subjectID string) []broker.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []broker.EventType
	for _, ev := range s.events {
		if subjectID == "" || ev.SubjectID == subjectID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][2]string
	ok    bool
}

func (f *fakeNotifier) CancelRequested(workerID, jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{workerID, jobID})
	return f.ok
}

type testClock struct {
	mu sync.Mutex
	ts int64
}

func (c *testClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

func (c *testClock) set(ts int64) {
	c.mu.Lock()
	c.ts = ts
	c.mu.Unlock()
}

func newTestBroker(t *testing.T) (*Broker, *store.Store, *sinkRecorder, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st := store.New(rdb)
	sink := &sinkRecorder{}
	clock := &testClock{ts: 1_800_000_000_000}
	b := New(st, sink, logging.New("error"), 100)
	b.SetClock(clock.now)
	return b, st, sink, clock
}

func submitSim(t *testing.T, b *Broker, id string, priority int) *broker.Job {
	t.Helper()
	job, err := b.Submit(context.Background(), &broker.Job{
		ID:              id,
		ServiceRequired: "sim",
		Priority:        priority,
	})
	require.NoError(t, err)
	return job
}

func registerSim(t *testing.T, b *Broker, id string) *broker.WorkerCapabilities {
	t.Helper()
	caps := &broker.WorkerCapabilities{
		WorkerID: id,
		Services: []string{"sim"},
		Hardware: map[string]float64{"gpu_memory_gb": 8},
	}
	_, err := b.RegisterWorker(context.Background(), caps)
	require.NoError(t, err)
	return caps
}

func TestSubmitValidation(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Submit(ctx, &broker.Job{Priority: 10})
	require.Error(t, err)
	require.Equal(t, broker.KindValidation, broker.KindOf(err))

	_, err = b.Submit(ctx, &broker.Job{ServiceRequired: "sim", Status: broker.JobStatusCompleted})
	require.Error(t, err)

	_, err = b.Submit(ctx, &broker.Job{ServiceRequired: "sim", WorkflowDatetime: "not a date"})
	require.Error(t, err)
	require.Equal(t, broker.KindValidation, broker.KindOf(err))
}

func TestSubmitDefaults(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	job, err := b.Submit(ctx, &broker.Job{ServiceRequired: "sim", Priority: 50})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, broker.JobStatusPending, job.Status)
	require.Equal(t, broker.DefaultMaxRetries, job.MaxRetries)
	require.Equal(t, 50, job.EffectivePriority)
	require.Equal(t, job.CreatedAt, job.OrderTS)

	ids, err := st.PendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, ids)

	require.Equal(t, []broker.EventType{broker.EventJobSubmitted}, sink.types(job.ID))
}

func TestHappyPathEventOrder(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")

	job, err := b.Claim(ctx, caps)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, broker.JobStatusAssigned, job.Status)

	for _, p := range []float64{25, 50, 75} {
		require.NoError(t, b.Progress(ctx, "j1", "w1", p, "step", 0, 0))
	}
	require.NoError(t, b.Complete(ctx, "j1", "w1", []byte(`{"ok":true}`)))

	want := []broker.EventType{
		broker.EventJobSubmitted,
		broker.EventJobAssigned,
		broker.EventJobProgress,
		broker.EventJobProgress,
		broker.EventJobProgress,
		broker.EventJobCompleted,
	}
	require.Equal(t, want, sink.types("j1"))

	completed, err := st.CompletedJobs(ctx)
	require.NoError(t, err)
	require.Contains(t, completed, "j1")

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, broker.WorkerStatusIdle, w.Status)
	require.Empty(t, w.CurrentJobID)

	final, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusCompleted, final.Status)
	require.Empty(t, final.WorkerID, "terminal records carry no assignment")
	require.JSONEq(t, `{"ok":true}`, string(final.Result))
}

func TestClaimRegistersUnknownWorker(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)

	// A claim with inline capabilities, no register_worker beforehand.
	caps := &broker.WorkerCapabilities{WorkerID: "w1", Services: []string{"sim"}}
	job, err := b.Claim(ctx, caps)
	require.NoError(t, err)
	require.NotNil(t, job)

	// The claimant must land in the registry set, not just the worker hash,
	// or the staleness sweep can never see it.
	workers, err := st.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w1", workers[0].ID())
	require.Equal(t, broker.WorkerStatusBusy, workers[0].Status)

	require.Contains(t, sink.types("w1"), broker.EventWorkerRegistered)
}

func TestReregisterWhileBusyKeepsAssignment(t *testing.T) {
	b, st, _, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	// Reconnect while still holding the job: the upsert must not report the
	// worker idle while its active map says otherwise.
	_, err = b.RegisterWorker(ctx, caps)
	require.NoError(t, err)

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, broker.WorkerStatusBusy, w.Status)
	require.Equal(t, "j1", w.CurrentJobID)

	// The assignment itself is untouched.
	job, err := b.Sync(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusAssigned, job.Status)
	require.Equal(t, "w1", job.WorkerID)
}

func TestProgressOwnershipAndAnnotations(t *testing.T) {
	b, st, _, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	err = b.Progress(ctx, "j1", "intruder", 10, "", 0, 0)
	require.Error(t, err)
	require.Equal(t, broker.KindNotOwner, broker.KindOf(err))

	err = b.Progress(ctx, "missing", "w1", 10, "", 0, 0)
	require.Error(t, err)
	require.Equal(t, broker.KindNotFound, broker.KindOf(err))

	// First report moves assigned -> processing.
	require.NoError(t, b.Progress(ctx, "j1", "w1", 150, "", 0, 0))
	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusProcessing, job.Status)
	require.NotZero(t, job.StartedAt)
	require.Equal(t, float64(100), job.LastProgress) // clamped

	require.NoError(t, b.Progress(ctx, "j1", "w1", 40, "", 0, 0))

	entries, err := st.ProgressEntries(ctx, "j1", 10)
	require.NoError(t, err)
	// Entry 0 is the matcher's zero-progress record.
	require.Len(t, entries, 3)
	require.Equal(t, "clamped", entries[1].Note)
	require.Equal(t, "non-monotonic", entries[2].Note)
}

func TestFailRetrySemantics(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")

	// Default max_retries is 3: two requeues, then failed.
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := b.Claim(ctx, caps)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d found no job", attempt)
		require.NoError(t, b.Fail(ctx, "j1", "w1", "gpu oom", true))

		stored, err := st.GetJob(ctx, "j1")
		require.NoError(t, err)
		require.Equal(t, attempt, stored.RetryCount)
		require.Equal(t, "w1", stored.LastFailedWorker)
		if attempt < 3 {
			require.Equal(t, broker.JobStatusPending, stored.Status)
			require.Empty(t, stored.WorkerID)
		} else {
			require.Equal(t, broker.JobStatusFailed, stored.Status)
		}
	}

	want := []broker.EventType{
		broker.EventJobSubmitted,
		broker.EventJobAssigned, broker.EventJobRequeued,
		broker.EventJobAssigned, broker.EventJobRequeued,
		broker.EventJobAssigned, broker.EventJobFailed,
	}
	require.Equal(t, want, sink.types("j1"))

	failed, err := st.FailedJobs(ctx)
	require.NoError(t, err)
	require.Contains(t, failed, "j1")

	// Terminal transitions refuse to repeat.
	err = b.Fail(ctx, "j1", "w1", "again", true)
	require.Error(t, err)
	require.Equal(t, broker.KindStateConflict, broker.KindOf(err))
}

func TestFailNonRetryable(t *testing.T) {
	b, st, _, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	require.NoError(t, b.Fail(ctx, "j1", "w1", "bad payload", false))
	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.RetryCount)
}

func TestCancelPending(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	require.NoError(t, b.Cancel(ctx, "j1"))

	n, err := st.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusCancelled, job.Status)

	require.Equal(t, []broker.EventType{
		broker.EventJobSubmitted, broker.EventJobCancelled,
	}, sink.types("j1"))

	// Terminal: a repeat cancel is a silent no-op.
	require.NoError(t, b.Cancel(ctx, "j1"))
	require.Len(t, sink.types("j1"), 2)
}

func TestCancelAssignedNotifiesWorker(t *testing.T) {
	b, st, _, _ := newTestBroker(t)
	ctx := context.Background()

	notifier := &fakeNotifier{ok: true}
	b.SetNotifier(notifier)

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	require.NoError(t, b.Cancel(ctx, "j1"))

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusAssigned, job.Status, "soft cancel must not change status")
	require.NotZero(t, job.CancelRequestedAt)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Equal(t, [][2]string{{"w1", "j1"}}, notifier.calls)
}

func TestSyncRequeuesOrphan(t *testing.T) {
	b, st, _, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	// Simulate a vanished worker: registry record and active map gone.
	require.NoError(t, st.RemoveActive(ctx, "w1", "j1"))
	require.NoError(t, st.RemoveWorker(ctx, "w1"))

	job, err := b.Sync(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusPending, job.Status)
	require.Equal(t, "w1", job.LastFailedWorker)

	ids, err := st.PendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, ids)
}

func TestSyncHealthyAssignedIsNoOp(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	job, err := b.Sync(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusAssigned, job.Status)
	require.Equal(t, "w1", job.WorkerID)
}

func TestDisconnectWorkerRequeuesActives(t *testing.T) {
	b, st, sink, _ := newTestBroker(t)
	ctx := context.Background()

	submitSim(t, b, "j1", 50)
	caps := registerSim(t, b, "w1")
	_, err := b.Claim(ctx, caps)
	require.NoError(t, err)

	require.NoError(t, b.DisconnectWorker(ctx, "w1"))

	job, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, broker.JobStatusPending, job.Status)

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, broker.WorkerStatusDisconnected, w.Status)

	require.Contains(t, sink.types("w1"), broker.EventWorkerDisconnected)
}
