// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry owns every Prometheus collector the pipeline exports.
// Metric names are an external contract; the label sets are kept low
// cardinality (protocol, reason, asset type, never raw IPs except the
// exporter address, whose population is bounded by the router fleet).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowlens"

var (
	// FlowsReceived counts flow records accepted off the wire.
	FlowsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_received_total",
		Help:      "Flow records received, by wire protocol and exporter address",
	}, []string{"protocol", "exporter"})

	// FlowsParsed counts successfully decoded flow records.
	FlowsParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_parsed_total",
		Help:      "Flow records successfully parsed, by wire protocol",
	}, []string{"protocol"})

	// FlowsParseErrors counts datagrams dropped at the parser with a reason tag.
	FlowsParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_parse_errors_total",
		Help:      "Datagrams dropped by the parsers, by protocol and error type",
	}, []string{"protocol", "error_type"})

	// FlowsDropped counts records shed after parsing (backpressure, retry budget).
	FlowsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_dropped_total",
		Help:      "Parsed flow records dropped before persistence, by reason",
	}, []string{"reason"})

	// FlowsSampled counts records shed by the SAMPLING queue regime.
	FlowsSampled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flows_sampled_total",
		Help:      "Flow records shed while the ingestion queue was sampling",
	})

	// QueueSize is the instantaneous depth of the ingestion queue.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingestion_queue_size",
		Help:      "Current number of flow records buffered in the ingestion queue",
	})

	// QueueState is the backpressure regime: 0=normal, 1=sampling, 2=dropping.
	QueueState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingestion_queue_state",
		Help:      "Backpressure state of the ingestion queue (0=normal 1=sampling 2=dropping)",
	})

	// BatchSize observes the number of records per persisted batch.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingestion_batch_size",
		Help:      "Distribution of flow records per persisted batch",
		Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	// BatchLatency observes the wall time of each bulk insert.
	BatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingestion_latency_seconds",
		Help:      "Wall time of each flow batch bulk insert",
		Buckets:   prometheus.DefBuckets,
	})

	// DependenciesCreated counts new current dependency edges.
	DependenciesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dependencies_created_total",
		Help:      "Current dependency edges created",
	})

	// DependenciesUpdated counts counter/last-seen updates to existing edges.
	DependenciesUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dependencies_updated_total",
		Help:      "Updates applied to existing current dependency edges",
	})

	// AssetsDiscovered counts assets created by the mapper, by assigned type.
	AssetsDiscovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assets_discovered_total",
		Help:      "Assets created on first observation, by initial asset type",
	}, []string{"asset_type"})

	// AggregationWindowDuration observes how long each tumbling window took
	// to aggregate.
	AggregationWindowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_window_duration_seconds",
		Help:      "Wall time to aggregate one tumbling window of raw flows",
		Buckets:   prometheus.DefBuckets,
	})

	// GraphTraversalDuration observes graph analytics latency per operation.
	GraphTraversalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "graph_traversal_duration_seconds",
		Help:      "Latency of graph analytic operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CacheHits / CacheMisses cover the topology TTL cache.
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "TTL cache hits, by key prefix",
	}, []string{"prefix"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "TTL cache misses, by key prefix",
	}, []string{"prefix"})

	// ChangeEvents counts emitted change events by type.
	ChangeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_events_total",
		Help:      "Change events emitted, by change type",
	}, []string{"change_type"})

	// AlertsCreated counts alerts produced by the alert engine, by severity.
	AlertsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_created_total",
		Help:      "Alerts created by the alert engine, by severity",
	}, []string{"severity"})

	// AlertsSuppressed counts alerts absorbed by maintenance windows.
	AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_suppressed_total",
		Help:      "Alerts suppressed by active maintenance windows",
	})

	// InvariantViolations counts bugs surfaced at runtime (duplicate current
	// edges, self-loops reaching the store). Non-zero trips the health flag.
	InvariantViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invariant_violations_total",
		Help:      "Data integrity invariant violations detected at runtime",
	})

	// Healthy is 1 while no invariant violation has been observed.
	Healthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "healthy",
		Help:      "1 while the process has observed no invariant violations",
	})
)

func init() {
	prometheus.MustRegister(
		FlowsReceived, FlowsParsed, FlowsParseErrors, FlowsDropped, FlowsSampled,
		QueueSize, QueueState, BatchSize, BatchLatency,
		DependenciesCreated, DependenciesUpdated, AssetsDiscovered,
		AggregationWindowDuration, GraphTraversalDuration,
		CacheHits, CacheMisses, ChangeEvents, AlertsCreated, AlertsSuppressed,
		InvariantViolations, Healthy,
	)
	Healthy.Set(1)
}

// RecordInvariantViolation bumps the violation counter and clears the health
// flag. It is intentionally coarse: any violation marks the process degraded
// until restart.
func RecordInvariantViolation() {
	InvariantViolations.Inc()
	Healthy.Set(0)
}

// Handler returns the /metrics HTTP handler. Callers that already expose
// Prometheus elsewhere can ignore it and rely on the default registry.
func Handler() http.Handler { return promhttp.Handler() }
