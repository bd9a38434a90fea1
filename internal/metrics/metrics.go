// Package metrics holds the agent's Prometheus collectors. Exposed on
// /metrics by the admin HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_frames_captured_total",
		Help: "Frames read from the camera and offered to the pipeline.",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_frames_dropped_total",
		Help: "Frames evicted from the full pipeline queue (drop-oldest policy).",
	})

	ResultsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_results_emitted_total",
		Help: "Detection results persisted to the local store.",
	})

	ResultsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_results_filtered_total",
		Help: "Results discarded because no box survived the confidence threshold.",
	})

	Stage2Failures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_stage2_failures_total",
		Help: "Segmenter inference failures that produced degraded results.",
	})

	BatchCommits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_batch_commits_total",
		Help: "Upload batches committed to the platform.",
	})

	BatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_batch_failures_total",
		Help: "Upload batches that exhausted their commit retries.",
	})

	StatusPushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_agent_status_push_retries_total",
		Help: "Status push attempts beyond the first, including failovers.",
	})

	ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_agent_service_restarts_total",
		Help: "Restarts triggered by the service orchestrator, per service.",
	}, []string{"service"})
)
