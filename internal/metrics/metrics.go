// Package metrics holds the Prometheus collectors shared by the pipeline,
// the scheduler and the HTTP boundary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facecollect_jobs_submitted_total",
		Help: "Extraction job submissions, by result (accepted, queue_full, duplicate, stopped)",
	}, []string{"result"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facecollect_jobs_completed_total",
		Help: "Extraction jobs finished, by status",
	}, []string{"status"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facecollect_job_duration_seconds",
		Help:    "Wall time of one extraction job",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facecollect_queue_depth",
		Help: "Extraction jobs waiting for a worker",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facecollect_active_workers",
		Help: "Workers currently running an extraction job",
	})

	FacesSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facecollect_faces_saved_total",
		Help: "Face tiles written across all jobs",
	})

	FramesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facecollect_frames_skipped_total",
		Help: "Sampled frames skipped, by reason",
	}, []string{"reason"})

	DetectorLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facecollect_detector_loads_total",
		Help: "Detector selections per extraction run, by variant",
	}, []string{"variant"})

	DetectorFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facecollect_detector_fallbacks_total",
		Help: "Runs that fell back to the classical detector after the learned one failed to load",
	})

	TranscodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facecollect_transcodes_total",
		Help: "Transcode invocations, by status",
	}, []string{"status"})

	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facecollect_transcode_duration_seconds",
		Help:    "Wall time of one transcode",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)
