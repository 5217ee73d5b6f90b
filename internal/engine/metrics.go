package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/reel/internal/model"
	"github.com/seantiz/reel/internal/veo"
)

// errorKindNone labels outcomes that did not fail.
const errorKindNone = "none"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_generations_total",
			Help: "Total number of finished generations by outcome.",
		},
		[]string{"status", "error_kind"},
	)

	activeGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reel_active_generations",
			Help: "Number of generations currently being driven by this process.",
		},
	)

	pollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reel_generation_poll_attempts",
			Help:    "Number of status refreshes before an operation finished.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 60},
		},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reel_generation_duration_seconds",
			Help:    "Time from submission to downloaded video, in seconds.",
			Buckets: []float64{10, 30, 60, 90, 120, 180, 300, 600},
		},
	)

	artifactBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reel_artifact_bytes",
			Help:    "Size of downloaded videos in bytes.",
			Buckets: prometheus.ExponentialBuckets(256<<10, 2, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal)
	prometheus.MustRegister(activeGenerations)
	prometheus.MustRegister(pollAttempts)
	prometheus.MustRegister(generationDuration)
	prometheus.MustRegister(artifactBytes)

	// Pre-initialize outcome label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	generationsTotal.WithLabelValues(model.StatusFetched, errorKindNone)
	for _, k := range []veo.ErrorKind{
		veo.KindSubmission, veo.KindPoll, veo.KindNoResult,
		veo.KindDownload, veo.KindTimeout, veo.KindCanceled,
	} {
		generationsTotal.WithLabelValues(model.StatusFailed, k.String())
	}
}
