package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsos_videos_processed_total",
		Help: "Total number of analysis runs reaching a terminal state, by status",
	}, []string{"status"})

	TasksInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsos_videos_in_progress",
		Help: "Number of analysis runs currently in flight",
	})

	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsos_processing_duration_seconds",
		Help:    "Duration of the analysis pipeline",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsos_frames_sampled_total",
		Help: "Total number of motion frames sampled across all runs",
	})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsos_provider_calls_total",
		Help: "Total number of provider describe calls, by outcome",
	}, []string{"outcome"})

	ProviderRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsos_provider_retries_total",
		Help: "Total number of provider call retries",
	})
)
