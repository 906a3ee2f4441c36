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

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobEvents       *prometheus.CounterVec
	claimRequests   *prometheus.CounterVec
	claimDuration   prometheus.Histogram
	connections     *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	recoveryActions *prometheus.CounterVec
	archivedJobs    prometheus.Counter
)

const (
	ClaimMatched = "matched"
	ClaimNoMatch = "no_match"
	ClaimError   = "error"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobEvent counts one lifecycle event by type (job.submitted, ...).
func IncJobEvent(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobEvents != nil {
		jobEvents.WithLabelValues(eventType).Inc()
	}
}

// ObserveClaim records one claim call outcome and its duration.
func ObserveClaim(result string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if claimRequests != nil {
		claimRequests.WithLabelValues(result).Inc()
	}
	if claimDuration != nil && d > 0 {
		claimDuration.Observe(d.Seconds())
	}
}

// SetConnections sets the current connection count for a role.
func SetConnections(role string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	if connections != nil {
		connections.WithLabelValues(role).Set(float64(n))
	}
}

// IncEventPublished counts one event fanned out on the lifecycle stream.
func IncEventPublished(eventType string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsPublished != nil {
		eventsPublished.WithLabelValues(eventType).Inc()
	}
}

// IncRecovery counts one recovery-loop action ("requeue", "fail",
// "worker_disconnect", "index_repair", "cancel_escalation").
func IncRecovery(action string) {
	mu.RLock()
	defer mu.RUnlock()
	if recoveryActions != nil {
		recoveryActions.WithLabelValues(action).Inc()
	}
}

// AddArchived counts jobs moved to archive storage.
func AddArchived(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if archivedJobs != nil && n > 0 {
		archivedJobs.Add(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "broker",
		Name:      "job_events_total",
		Help:      "Lifecycle events emitted by the broker, by event type.",
	}, []string{"event_type"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "broker",
		Name:      "claim_requests_total",
		Help:      "Worker claim calls by result (matched, no_match, error).",
	}, []string{"result"})

	claimHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reef",
		Subsystem: "broker",
		Name:      "claim_duration_seconds",
		Help:      "Duration of matcher script executions.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	conns := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reef",
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Open hub connections by role.",
	}, []string{"role"})

	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "broadcast",
		Name:      "events_published_total",
		Help:      "Events appended to the durable lifecycle stream, by type.",
	}, []string{"event_type"})

	recovery := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "recovery",
		Name:      "actions_total",
		Help:      "Recovery-loop actions by kind.",
	}, []string{"action"})

	archived := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reef",
		Subsystem: "broker",
		Name:      "archived_jobs_total",
		Help:      "Terminal jobs moved to archive storage.",
	})

	registry.MustRegister(events, claims, claimHist, conns, published, recovery, archived)

	reg = registry
	jobEvents = events
	claimRequests = claims
	claimDuration = claimHist
	connections = conns
	eventsPublished = published
	recoveryActions = recovery
	archivedJobs = archived
}
