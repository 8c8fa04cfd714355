// Package metrics holds the Prometheus instruments the pipeline service
// exports. Everything registers on the default registry so the API binary
// only has to mount promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "videopipe_build_info",
		Help: "Build information for the running binary.",
	}, []string{"version"})

	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videopipe_runs_started_total",
		Help: "Pipeline runs accepted for execution.",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videopipe_runs_active",
		Help: "Pipeline runs currently executing.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "videopipe_run_duration_seconds",
		Help:    "Wall time of finished pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	FramesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videopipe_frames_submitted_total",
		Help: "Frames handed to the pipeline, by source feed.",
	}, []string{"source"})

	ResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "videopipe_results_total",
		Help: "Terminal frame results, by outcome.",
	}, []string{"status"})

	FaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "videopipe_faults_total",
		Help: "Stage faults surfaced on the error stream.",
	})

	StreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "videopipe_stream_sessions_active",
		Help: "Simulated live feeds currently registered.",
	})
)
