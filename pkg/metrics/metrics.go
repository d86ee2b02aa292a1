// Package metrics holds the Prometheus collectors of the scoring pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "txguard"

var (
	Predictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "predictions_total",
			Help:      "Total number of scored transactions by status.",
		},
		[]string{"status"},
	)

	BatchRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "rows_total",
			Help:      "Rows seen by batch scoring, received vs scored after sampling.",
		},
		[]string{"stage"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "validation_failures_total",
			Help:      "Requests or uploads rejected before scoring.",
		},
		[]string{"source"},
	)

	ScoringDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "duration_seconds",
			Help:      "Time spent normalizing and scoring.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"mode"},
	)
)

const (
	StageReceived = "received"
	StageScored   = "scored"

	SourcePredict = "predict"
	SourceUpload  = "upload"

	ModeSingle = "single"
	ModeBatch  = "batch"
)

func init() {
	_ = prometheus.Register(Predictions)
	_ = prometheus.Register(BatchRows)
	_ = prometheus.Register(ValidationFailures)
	_ = prometheus.Register(ScoringDuration)
}
