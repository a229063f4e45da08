package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FleetMetrics tracks fleet-domain counters: resolution, drift detection,
// deployment execution and agent health.
type FleetMetrics struct {
	// ResolutionsTotal counts policy resolutions, by config type and outcome.
	ResolutionsTotal *prometheus.CounterVec

	// ResolutionDuration is how long a resolve pass took (seconds).
	ResolutionDuration prometheus.Histogram

	// DriftScansTotal counts drift scans, by outcome.
	DriftScansTotal *prometheus.CounterVec

	// DriftFindingsTotal counts individual drift findings, by classification.
	DriftFindingsTotal *prometheus.CounterVec

	// DeploymentsTotal counts deployments entering each terminal state.
	DeploymentsTotal *prometheus.CounterVec

	// DeploymentDuration is the time from PLANNED to a terminal state (seconds).
	DeploymentDuration *prometheus.HistogramVec

	// AgentHeartbeatsTotal counts heartbeat results, by host and outcome.
	AgentHeartbeatsTotal *prometheus.CounterVec

	// AgentsUnreachable is the current number of hosts in UNREACHABLE state.
	AgentsUnreachable prometheus.Gauge
}

// NewFleetMetrics creates a new FleetMetrics instance registered under namespace.
func NewFleetMetrics(namespace string) *FleetMetrics {
	return &FleetMetrics{
		ResolutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "resolutions_total",
			Help:      "Total number of policy resolutions, by config type and outcome",
		}, []string{"config_type", "outcome"}),

		ResolutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of a policy resolution pass (seconds)",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),

		DriftScansTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "drift_scans_total",
			Help:      "Total number of drift scans, by outcome",
		}, []string{"outcome"}),

		DriftFindingsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "drift_findings_total",
			Help:      "Total number of drift findings, by classification",
		}, []string{"classification"}),

		DeploymentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "deployments_total",
			Help:      "Total number of deployments reaching a terminal state, by state",
		}, []string{"state"}),

		DeploymentDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "deployment_duration_seconds",
			Help:      "Duration from PLANNED to a terminal state (seconds), by state",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"state"}),

		AgentHeartbeatsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "agent_heartbeats_total",
			Help:      "Total number of agent heartbeat attempts, by host and outcome",
		}, []string{"host", "outcome"}),

		AgentsUnreachable: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "agents_unreachable",
			Help:      "Current number of hosts in the UNREACHABLE state",
		}),
	}
}
