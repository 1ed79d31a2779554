package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	WorkerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_worker_starts_total",
			Help: "Worker process launches by worker type and status",
		},
		[]string{"worker_type", "status"},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "integration_workers_active",
			Help: "Worker processes currently tracked by this supervisor",
		},
	)
	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_tool_calls_total",
			Help: "Tool invocations by integration type and outcome",
		},
		[]string{"integration_type", "outcome"},
	)
	ToolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integration_tool_call_duration_seconds",
			Help:    "Duration of tool invocations in seconds, including refresh and worker start",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"integration_type"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_token_refreshes_total",
			Help: "OAuth token refreshes by integration type and status",
		},
		[]string{"integration_type", "status"},
	)
	PermissionCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integration_credential_permission_corrections_total",
			Help: "Credential directories whose permissions had drifted and were corrected",
		},
	)
)

func InitMetrics() {
	collectors := map[string]prometheus.Collector{
		"WorkerStarts":          WorkerStarts,
		"ActiveWorkers":         ActiveWorkers,
		"ToolCalls":             ToolCalls,
		"ToolCallDuration":      ToolCallDuration,
		"TokenRefreshes":        TokenRefreshes,
		"PermissionCorrections": PermissionCorrections,
	}
	for name, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}
