package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgrid_samples_recorded_total",
			Help: "Total number of metric samples recorded per stream",
		},
		[]string{"stream"},
	)

	sourcePollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgrid_source_poll_failures_total",
			Help: "Total number of failed metric source polls",
		},
		[]string{"source", "reason"},
	)

	sourcePollsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgrid_source_polls_skipped_total",
			Help: "Ticks skipped because the source's previous poll was still in flight",
		},
		[]string{"source"},
	)

	sourcePollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loadgrid_source_poll_duration_seconds",
			Help:    "Metric source poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	bufferedSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadgrid_buffered_samples",
			Help: "Number of samples currently held per stream buffer",
		},
		[]string{"stream"},
	)
)
