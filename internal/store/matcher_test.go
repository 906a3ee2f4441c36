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
	"testing"

	"reef/pkg/broker"
)

const testNow int64 = 1_800_000_000_000

func enqueue(t *testing.T, st *Store, jobs ...*broker.Job) {
	t.Helper()
	ctx := context.Background()
	for _, j := range jobs {
		if err := st.PutJob(ctx, j); err != nil {
			t.Fatalf("PutJob(%s): %v", j.ID, err)
		}
		if err := st.EnqueuePending(ctx, j); err != nil {
			t.Fatalf("EnqueuePending(%s): %v", j.ID, err)
		}
	}
}

func simWorker(id string, gpuGB float64) *broker.WorkerCapabilities {
	return &broker.WorkerCapabilities{
		WorkerID: id,
		Services: []string{"sim"},
		Hardware: map[string]float64{"gpu_memory_gb": gpuGB},
	}
}

func TestClaimHappyPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, pendingJob("j1", 50, 1000))

	job, err := st.ClaimJob(ctx, simWorker("w1", 8), 100, testNow)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claim, got no match")
	}
	if job.ID != "j1" || job.Status != broker.JobStatusAssigned || job.WorkerID != "w1" || job.AssignedAt != testNow {
		t.Errorf("claimed job = %+v", job)
	}

	// The claim protocol's side effects, all in one script run.
	if n, _ := st.PendingCount(ctx); n != 0 {
		t.Errorf("pending index not drained: %d", n)
	}
	stored, err := st.GetJob(ctx, "j1")
	if err != nil || stored.Status != broker.JobStatusAssigned {
		t.Errorf("stored record = %+v, %v", stored, err)
	}
	active, err := st.ActiveJobs(ctx, "w1")
	if err != nil || active["j1"] != testNow {
		t.Errorf("active map = %v, %v", active, err)
	}
	w, err := st.GetWorker(ctx, "w1")
	if err != nil || w.Status != broker.WorkerStatusBusy || w.CurrentJobID != "j1" {
		t.Errorf("worker registry = %+v, %v", w, err)
	}
	entries, err := st.ProgressEntries(ctx, "j1", 10)
	if err != nil || len(entries) != 1 || entries[0].Progress != 0 || entries[0].Message != "assigned" {
		t.Errorf("progress stream = %+v, %v", entries, err)
	}
}

func TestClaimOnlyOneWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, pendingJob("j1", 50, 1000))

	first, err := st.ClaimJob(ctx, simWorker("w1", 8), 100, testNow)
	if err != nil || first == nil {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := st.ClaimJob(ctx, simWorker("w2", 8), 100, testNow)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Errorf("job claimed twice: %+v", second)
	}
}

func TestClaimHardwareRequirement(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j2", 80, 1000)
	j.ServiceRequired = "gpu"
	j.Requirements = &broker.Requirements{
		Positive: broker.CapabilityMap{
			"hardware": {Kind: broker.KindMap, Map: broker.CapabilityMap{
				"gpu_memory_gb": broker.Num(24),
			}},
		},
	}
	enqueue(t, st, j)

	small := &broker.WorkerCapabilities{
		WorkerID: "w_small", Services: []string{"gpu"},
		Hardware: map[string]float64{"gpu_memory_gb": 16},
	}
	big := &broker.WorkerCapabilities{
		WorkerID: "w_big", Services: []string{"gpu"},
		Hardware: map[string]float64{"gpu_memory_gb": 48},
	}

	got, err := st.ClaimJob(ctx, small, 100, testNow)
	if err != nil || got != nil {
		t.Fatalf("undersized worker claimed the job: %v, %v", got, err)
	}
	got, err = st.ClaimJob(ctx, big, 100, testNow)
	if err != nil || got == nil {
		t.Fatalf("qualified worker got no match: %v", err)
	}
	if got.WorkerID != "w_big" {
		t.Errorf("assigned to %s", got.WorkerID)
	}
}

func TestClaimHardwareAllWaives(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j1", 50, 1000)
	j.Requirements = &broker.Requirements{
		Positive: broker.CapabilityMap{
			"hardware": {Kind: broker.KindMap, Map: broker.CapabilityMap{
				"gpu_memory_gb": broker.Str("all"),
			}},
		},
	}
	enqueue(t, st, j)

	// Worker declares no gpu_memory_gb at all; "all" waives the check.
	caps := &broker.WorkerCapabilities{WorkerID: "w1", Services: []string{"sim"}}
	got, err := st.ClaimJob(ctx, caps, 100, testNow)
	if err != nil || got == nil {
		t.Fatalf("\"all\" requirement should waive the hardware check: %v", err)
	}
}

func TestClaimCompositeOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	wp := 90
	workflow := pendingJob("wf", 10, 3000)
	workflow.WorkflowPriority = &wp
	workflow.ComputeOrdering()

	older := pendingJob("older", 50, 1000)
	newer := pendingJob("newer", 50, 2000)
	enqueue(t, st, newer, older, workflow)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := st.ClaimJob(ctx, simWorker("w1", 8), 100, testNow)
		if err != nil || job == nil {
			t.Fatalf("claim %d = %v, %v", i, job, err)
		}
		order = append(order, job.ID)
	}
	want := []string{"wf", "older", "newer"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order = %v, want %v", order, want)
		}
	}
}

func TestClaimSkipsHigherPriorityNonMatch(t *testing.T) {
	// A matching lower-priority job is claimed even when a non-matching
	// higher-priority one heads the queue.
	st := newTestStore(t)
	ctx := context.Background()

	gpu := pendingJob("gpu_job", 90, 1000)
	gpu.ServiceRequired = "gpu"
	sim := pendingJob("sim_job", 10, 2000)
	enqueue(t, st, gpu, sim)

	job, err := st.ClaimJob(ctx, simWorker("w1", 8), 100, testNow)
	if err != nil || job == nil {
		t.Fatalf("claim = %v, %v", job, err)
	}
	if job.ID != "sim_job" {
		t.Errorf("claimed %s, want sim_job", job.ID)
	}
}

func TestClaimMaxScanZero(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, pendingJob("j1", 50, 1000))

	job, err := st.ClaimJob(ctx, simWorker("w1", 8), 0, testNow)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if job != nil {
		t.Errorf("max_scan=0 must always be a no-match, got %+v", job)
	}
}

func TestClaimWorkflowRestriction(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	plain := pendingJob("plain", 90, 1000)
	wf := pendingJob("wf_job", 10, 2000)
	wf.WorkflowID = "wf-7"
	enqueue(t, st, plain, wf)

	restricted := simWorker("w_restricted", 8)
	restricted.WorkflowID = "wf-7"
	job, err := st.ClaimJob(ctx, restricted, 100, testNow)
	if err != nil || job == nil {
		t.Fatalf("restricted claim = %v, %v", job, err)
	}
	if job.ID != "wf_job" {
		t.Errorf("restricted worker claimed %s", job.ID)
	}

	// Unrestricted workers may take anything, including workflow jobs.
	unrestricted := simWorker("w_any", 8)
	job, err = st.ClaimJob(ctx, unrestricted, 100, testNow)
	if err != nil || job == nil {
		t.Fatalf("unrestricted claim = %v, %v", job, err)
	}
	if job.ID != "plain" {
		t.Errorf("unrestricted worker claimed %s", job.ID)
	}
}

func TestClaimStrictIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j6", 50, 1000)
	j.CustomerID = "A"
	j.Requirements = &broker.Requirements{
		Positive: broker.CapabilityMap{
			"customer_isolation": broker.Str("strict"),
		},
	}
	enqueue(t, st, j)

	loose := simWorker("w_loose", 8)
	loose.CustomerAccess = &broker.CustomerAccess{Isolation: "loose"}
	job, err := st.ClaimJob(ctx, loose, 100, testNow)
	if err != nil || job != nil {
		t.Fatalf("loose worker claimed a strict job: %v, %v", job, err)
	}

	strict := simWorker("w_strict", 8)
	strict.CustomerAccess = &broker.CustomerAccess{
		Isolation:        "strict",
		AllowedCustomers: []string{"A"},
	}
	job, err = st.ClaimJob(ctx, strict, 100, testNow)
	if err != nil || job == nil {
		t.Fatalf("strict worker got no match: %v", err)
	}
	if job.WorkerID != "w_strict" {
		t.Errorf("assigned to %s", job.WorkerID)
	}
}

func TestClaimCustomerLists(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j1", 50, 1000)
	j.CustomerID = "B"
	enqueue(t, st, j)

	denied := simWorker("w_denied", 8)
	denied.CustomerAccess = &broker.CustomerAccess{DeniedCustomers: []string{"B"}}
	if job, err := st.ClaimJob(ctx, denied, 100, testNow); err != nil || job != nil {
		t.Fatalf("denied worker claimed the job: %v, %v", job, err)
	}

	wrongAllow := simWorker("w_wrong", 8)
	wrongAllow.CustomerAccess = &broker.CustomerAccess{AllowedCustomers: []string{"A"}}
	if job, err := st.ClaimJob(ctx, wrongAllow, 100, testNow); err != nil || job != nil {
		t.Fatalf("non-allowed worker claimed the job: %v, %v", job, err)
	}

	allowed := simWorker("w_ok", 8)
	allowed.CustomerAccess = &broker.CustomerAccess{AllowedCustomers: []string{"B"}}
	if job, err := st.ClaimJob(ctx, allowed, 100, testNow); err != nil || job == nil {
		t.Fatalf("allowed worker got no match: %v", err)
	}
}

func TestClaimModels(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j1", 50, 1000)
	j.Requirements = &broker.Requirements{
		Positive: broker.CapabilityMap{
			"models": {Kind: broker.KindMap, Map: broker.CapabilityMap{
				"sim": broker.ListOf(broker.Str("physx-3")),
			}},
		},
	}
	enqueue(t, st, j)

	without := simWorker("w_none", 8)
	if job, err := st.ClaimJob(ctx, without, 100, testNow); err != nil || job != nil {
		t.Fatalf("worker without model claimed: %v, %v", job, err)
	}

	with := simWorker("w_model", 8)
	with.Models = map[string][]string{"sim": {"physx-3", "physx-2"}}
	if job, err := st.ClaimJob(ctx, with, 100, testNow); err != nil || job == nil {
		t.Fatalf("model-equipped worker got no match: %v", err)
	}
}

func TestClaimCustomCapabilities(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j1", 50, 1000)
	j.Requirements = &broker.Requirements{
		Positive: broker.CapabilityMap{
			"regions":        broker.ListOf(broker.Str("eu")),
			"driver_version": broker.Str("535.104"),
		},
	}
	enqueue(t, st, j)

	missing := simWorker("w_missing", 8)
	missing.Custom = broker.CapabilityMap{"regions": broker.ListOf(broker.Str("eu"))}
	if job, err := st.ClaimJob(ctx, missing, 100, testNow); err != nil || job != nil {
		t.Fatalf("worker missing a custom key claimed: %v, %v", job, err)
	}

	full := simWorker("w_full", 8)
	full.Custom = broker.CapabilityMap{
		"regions":        broker.ListOf(broker.Str("eu"), broker.Str("us")),
		"driver_version": broker.Str("535.104"),
	}
	if job, err := st.ClaimJob(ctx, full, 100, testNow); err != nil || job == nil {
		t.Fatalf("fully-equipped worker got no match: %v", err)
	}
}

func TestClaimNegativeRequirements(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := pendingJob("j1", 50, 1000)
	j.Requirements = &broker.Requirements{
		Negative: broker.CapabilityMap{
			"hardware": {Kind: broker.KindMap, Map: broker.CapabilityMap{
				"gpu_memory_gb": broker.Num(40),
			}},
			"spot_instance": broker.Bool(true),
		},
	}
	enqueue(t, st, j)

	// Meets the negative hardware bar: rejected.
	tooBig := simWorker("w_big", 48)
	if job, err := st.ClaimJob(ctx, tooBig, 100, testNow); err != nil || job != nil {
		t.Fatalf("worker meeting a hardware negative claimed: %v, %v", job, err)
	}

	// Matching custom negative: rejected.
	spot := simWorker("w_spot", 8)
	spot.Custom = broker.CapabilityMap{"spot_instance": broker.Bool(true)}
	if job, err := st.ClaimJob(ctx, spot, 100, testNow); err != nil || job != nil {
		t.Fatalf("worker matching a custom negative claimed: %v, %v", job, err)
	}

	// Missing negative keys are safe.
	safe := simWorker("w_safe", 8)
	if job, err := st.ClaimJob(ctx, safe, 100, testNow); err != nil || job == nil {
		t.Fatalf("safe worker got no match: %v", err)
	}
}

func TestClaimRequeuePreservesOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := pendingJob("first", 50, 1000)
	second := pendingJob("second", 50, 2000)
	enqueue(t, st, first, second)

	job, err := st.ClaimJob(ctx, simWorker("w1", 8), 100, testNow)
	if err != nil || job == nil || job.ID != "first" {
		t.Fatalf("claim = %v, %v", job, err)
	}

	// Requeue without recomputing the ordering key.
	job.Status = broker.JobStatusPending
	job.WorkerID = ""
	job.RetryCount = 1
	if err := st.PutJob(ctx, job); err != nil {
		t.Fatalf("PutJob: %v", err)
	}
	if err := st.EnqueuePending(ctx, job); err != nil {
		t.Fatalf("EnqueuePending: %v", err)
	}
	if err := st.RemoveActive(ctx, "w1", "first"); err != nil {
		t.Fatalf("RemoveActive: %v", err)
	}

	// The requeued job still precedes its same-priority, newer peer.
	job, err = st.ClaimJob(ctx, simWorker("w2", 8), 100, testNow)
	if err != nil || job == nil || job.ID != "first" {
		t.Fatalf("requeued job lost its position: %v, %v", job, err)
	}
}
