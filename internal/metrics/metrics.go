// Package metrics provides Prometheus collectors for the feature pipeline and
// the serving API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ctrfeat"

var (
	// Dictionary metrics
	CodesAssigned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dictionary",
			Name:      "codes_assigned_total",
			Help:      "Total categorical codes assigned",
		},
		[]string{"feature"},
	)

	DictionarySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dictionary",
			Name:      "size",
			Help:      "Codes in the latest dictionary snapshot",
		},
		[]string{"feature"},
	)

	// Pipeline metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Daily pipeline runs by outcome",
		},
		[]string{"status"},
	)

	RowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rows_written_total",
			Help:      "Training rows written to partitions",
		},
	)

	DuplicateInteractions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duplicate_interactions_total",
			Help:      "Interactions collapsed by (user, item, trace) dedup",
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"stage"},
	)

	// Serving metrics
	LookupRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "lookup_requests_total",
			Help:      "Categorical lookups served",
		},
		[]string{"result"},
	)

	BucketRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "bucket_requests_total",
			Help:      "Bucket computations served",
		},
		[]string{"kind"},
	)
)

// ObserveStage records the time since start under stage.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
