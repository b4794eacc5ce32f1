// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for catalog operation
// counts and latencies, and for the metadaemon's worker table, in the
// package-level-vars-plus-init idiom used throughout the retrieval pack's
// metrics packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpsTotal counts every dispatched catalog operation by op name and
	// outcome ("ok" or the wire.Result string on failure).
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnidd_catalog_ops_total",
			Help: "Total number of catalog operations by op and result",
		},
		[]string{"op", "result"},
	)

	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnidd_catalog_op_duration_seconds",
			Help:    "Catalog operation duration in seconds by op",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// RecordsTotal tracks the live record count per open volume catalog.
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnidd_catalog_records_total",
			Help: "Number of records currently stored per volume catalog",
		},
		[]string{"volume"},
	)

	// Worker-table metrics (internal/metadaemon).
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnidd_metad_workers_running",
			Help: "Number of live cnid_dbd worker processes",
		},
	)

	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnidd_metad_worker_spawns_total",
			Help: "Total number of worker spawn attempts by outcome",
		},
		[]string{"result"},
	)

	WorkerExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnidd_metad_worker_exits_total",
			Help: "Total number of worker processes that have exited",
		},
	)

	// ConnectionsTotal and ConnectionDuration track client connections
	// accepted by a cnid_dbd worker.
	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cnidd_dbd_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	ConnectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnidd_dbd_connection_duration_seconds",
			Help:    "Lifetime of a client connection in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal)
	prometheus.MustRegister(OpDuration)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(WorkerSpawnsTotal)
	prometheus.MustRegister(WorkerExitsTotal)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionDuration)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation from construction to an Observe* call.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time against one label combination of
// a histogram vec, e.g. OpDuration.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// RecordOp is the single place a dispatched catalog operation reports
// itself: bump OpsTotal and observe OpDuration in one call.
func RecordOp(op, result string, t *Timer) {
	OpsTotal.WithLabelValues(op, result).Inc()
	t.ObserveDurationVec(OpDuration, op)
}
