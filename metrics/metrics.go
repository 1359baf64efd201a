// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "restaurant_sync"

// Label names
const (
	LabelMethod  = "method"
	LabelPath    = "path"
	LabelStatus  = "status"
	LabelAction  = "action"
	LabelTable   = "table"
	LabelResult  = "result"
	LabelClass   = "class"
	LabelOutcome = "outcome"
)

// Entry results reported by the synchronizer.
const (
	ResultSynced   = "synced"
	ResultFailed   = "failed"
	ResultDeferred = "deferred"
	ResultConflict = "conflict"
	ResultDead     = "dead"
)

// Cache outcomes.
const (
	OutcomeNetwork     = "network"
	OutcomeHit         = "hit"
	OutcomeStale       = "stale"
	OutcomePlaceholder = "placeholder"
	OutcomeError       = "error"
)

var HTTPLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{LabelMethod, LabelPath, LabelStatus},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   HTTPLatencyBuckets,
		},
		[]string{LabelMethod, LabelPath},
	)
)

// Sync
var (
	QueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Mutations written to the sync queue",
		},
		[]string{LabelTable, LabelAction},
	)

	EntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entries_processed_total",
			Help:      "Queue entries handled by drain passes, by result",
		},
		[]string{LabelTable, LabelResult},
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_drain_duration_seconds",
			Help:      "Duration of a full drain pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	PendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_pending_entries",
			Help:      "Queue entries still waiting for the remote service",
		},
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the remote service is reachable",
		},
	)
)

// Cache
var (
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Requests handled by the cache worker, by class and outcome",
		},
		[]string{LabelClass, LabelOutcome},
	)
)
