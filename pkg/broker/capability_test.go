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

import (
	"encoding/json"
	"testing"

	"pgregory.net/rapid"
)

func TestSatisfies(t *testing.T) {
	cases := []struct {
		name     string
		worker   *Capability
		required Capability
		want     bool
	}{
		{"equal strings", ptr(Str("cuda")), Str("cuda"), true},
		{"unequal strings", ptr(Str("rocm")), Str("cuda"), false},
		{"number at least", ptr(Num(24)), Num(16), true},
		{"number below", ptr(Num(8)), Num(16), false},
		{"number exact", ptr(Num(16)), Num(16), true},
		{"bool equal", ptr(Bool(true)), Bool(true), true},
		{"bool unequal", ptr(Bool(false)), Bool(true), false},
		{"required list subset", ptr(ListOf(Str("a"), Str("b"), Str("c"))), ListOf(Str("a"), Str("c")), true},
		{"required list missing item", ptr(ListOf(Str("a"))), ListOf(Str("a"), Str("c")), false},
		{"required list against scalar worker", ptr(Str("a")), ListOf(Str("a")), false},
		{"worker list contains scalar", ptr(ListOf(Str("x"), Str("y"))), Str("y"), true},
		{"worker list missing scalar", ptr(ListOf(Str("x"))), Str("y"), false},
		{"missing worker value", nil, Str("anything"), false},
		{"null worker value", ptr(Capability{Kind: KindNull}), Str("anything"), false},
		{"number against string", ptr(Str("16")), Num(16), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Satisfies(tc.worker, tc.required); got != tc.want {
				t.Errorf("Satisfies() = %v, want %v", got, tc.want)
			}
		})
	}
}

func ptr(c Capability) *Capability { return &c }

func TestCapabilityJSONRoundTrip(t *testing.T) {
	raw := []byte(`{"gpu_memory_gb":24,"region":"eu-west","zones":["a","b"],"spot":true,"nested":{"k":"v"}}`)
	var m CapabilityMap
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["gpu_memory_gb"].Kind != KindNumber || m["gpu_memory_gb"].Num != 24 {
		t.Errorf("gpu_memory_gb = %+v", m["gpu_memory_gb"])
	}
	if m["zones"].Kind != KindList || len(m["zones"].List) != 2 {
		t.Errorf("zones = %+v", m["zones"])
	}
	if m["nested"].Kind != KindMap || m["nested"].Map["k"].Str != "v" {
		t.Errorf("nested = %+v", m["nested"])
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back CapabilityMap
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	for k, v := range m {
		if !back[k].Equal(v) {
			t.Errorf("round trip changed %s: %+v vs %+v", k, v, back[k])
		}
	}
}

func TestWorkerCapabilitiesFoldsUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"worker_id": "w1",
		"services": ["sim"],
		"hardware": {"gpu_memory_gb": 48},
		"driver_version": "535.104",
		"regions": ["eu", "us"]
	}`)
	var caps WorkerCapabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if caps.WorkerID != "w1" {
		t.Errorf("worker_id = %q", caps.WorkerID)
	}
	if caps.Hardware["gpu_memory_gb"] != 48 {
		t.Errorf("hardware = %+v", caps.Hardware)
	}
	if got := caps.Custom["driver_version"]; got.Str != "535.104" {
		t.Errorf("custom driver_version = %+v", got)
	}
	if got := caps.Custom["regions"]; got.Kind != KindList || len(got.List) != 2 {
		t.Errorf("custom regions = %+v", got)
	}
	if _, ok := caps.Custom["services"]; ok {
		t.Error("known key services leaked into custom bag")
	}
}

func TestComputeOrdering(t *testing.T) {
	wp := 90
	j := Job{Priority: 50, CreatedAt: 1_700_000_000_000}
	j.ComputeOrdering()
	if j.EffectivePriority != 50 || j.OrderTS != 1_700_000_000_000 {
		t.Errorf("plain job ordering = (%d, %d)", j.EffectivePriority, j.OrderTS)
	}

	wf := Job{
		Priority:         50,
		WorkflowPriority: &wp,
		WorkflowDatetime: "2025-01-02T03:04:05Z",
		CreatedAt:        1_700_000_000_000,
	}
	wf.ComputeOrdering()
	if wf.EffectivePriority != 90 {
		t.Errorf("workflow priority not applied: %d", wf.EffectivePriority)
	}
	if wf.OrderTS == wf.CreatedAt {
		t.Error("workflow_datetime did not override order_ts")
	}

	bad := Job{Priority: 10, WorkflowDatetime: "not a date", CreatedAt: 42}
	bad.ComputeOrdering()
	if bad.OrderTS != 42 {
		t.Errorf("unparseable workflow_datetime should fall back to created_at, got %d", bad.OrderTS)
	}
}

func TestClampProgress(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.Float64Range(-1000, 1000).Draw(t, "p")
		got, clamped := ClampProgress(p)
		if got < 0 || got > 100 {
			t.Fatalf("clamped value %v out of range", got)
		}
		if clamped != (p < 0 || p > 100) {
			t.Fatalf("clamped flag %v wrong for %v", clamped, p)
		}
		if !clamped && got != p {
			t.Fatalf("in-range value changed: %v -> %v", p, got)
		}
	})
}

func TestOrderingIsStableUnderRequeue(t *testing.T) {
	// Requeue never recomputes the key, so two jobs keep their relative
	// order no matter how often either fails and re-enters the queue.
	rapid.Check(t, func(t *rapid.T) {
		mkJob := func(label string) Job {
			j := Job{
				Priority:  rapid.IntRange(-1_000_000, 1_000_000).Draw(t, label+"_prio"),
				CreatedAt: rapid.Int64Range(1, 1<<50).Draw(t, label+"_ts"),
			}
			if rapid.Bool().Draw(t, label+"_has_wp") {
				wp := rapid.IntRange(-1_000_000, 1_000_000).Draw(t, label+"_wp")
				j.WorkflowPriority = &wp
			}
			j.ComputeOrdering()
			return j
		}
		a, b := mkJob("a"), mkJob("b")
		before := aheadOf(a, b)
		// Simulate a requeue cycle: status churn without ComputeOrdering.
		a.RetryCount++
		a.Status = JobStatusPending
		if aheadOf(a, b) != before {
			t.Fatalf("requeue changed relative order")
		}
	})
}

// aheadOf mirrors the matcher's window ordering.
func aheadOf(a, b Job) bool {
	if a.EffectivePriority != b.EffectivePriority {
		return a.EffectivePriority > b.EffectivePriority
	}
	if a.OrderTS != b.OrderTS {
		return a.OrderTS < b.OrderTS
	}
	return a.ID < b.ID
}
