// Package metrics provides centralized metrics management for the fleet controller.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Fleet metrics: policy resolution, drift detection, deployment execution, agent health
//   - Infrastructure metrics: database, cache, repositories
//
// All metrics follow the naming convention:
// fleetctl_<category>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Fleet().DeploymentsTotal.WithLabelValues("COMPLETED").Inc()
//	registry.Infra().DB.ConnectionsActive.Set(42)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryFleet represents fleet-domain metrics (resolution, drift, deployment, agents)
	CategoryFleet MetricCategory = "fleet"

	// CategoryInfra represents infrastructure metrics (database, cache, repositories)
	CategoryInfra MetricCategory = "infra"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Fleet, Infra).
//
// This is a simplified registry design (vs. full validation/map approach)
// for better maintainability and performance.
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//	registry.Fleet().DriftFindingsTotal.WithLabelValues("UNEXPECTED_DRIFT").Inc()
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	// Category managers (lazy-initialized)
	fleet *FleetMetrics
	infra *InfraMetrics

	// Separate sync.Once for each category for true lazy initialization
	fleetOnce sync.Once
	infraOnce sync.Once
}

var (
	// Global singleton registry instance
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().DB.ConnectionsActive.Set(10)
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("fleetctl")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
//
// Parameters:
//   - namespace: The Prometheus namespace for all metrics (typically "fleetctl")
//
// Returns:
//   - *MetricsRegistry: A new registry instance
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "fleetctl"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Fleet returns the Fleet metrics manager.
// Lazy-initialized on first access.
//
// Fleet metrics include:
//   - Policy resolution (resolutions, duration)
//   - Drift detection (scans, findings by classification)
//   - Deployment execution (terminal states, duration)
//   - Agent health (heartbeats, unreachable count)
//
// Example:
//
//	registry.Fleet().ResolutionsTotal.WithLabelValues("config.yml", "success").Inc()
//	registry.Fleet().AgentsUnreachable.Set(2)
func (r *MetricsRegistry) Fleet() *FleetMetrics {
	r.fleetOnce.Do(func() {
		r.fleet = NewFleetMetrics(r.namespace)
	})
	return r.fleet
}

// Infra returns the Infrastructure metrics manager.
// Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Database (connections, queries, errors)
//   - Cache (hits, misses, evictions)
//   - Repository (query duration, errors, results)
//
// Example:
//
//	registry.Infra().DB.ConnectionsActive.Set(42)
//	registry.Infra().Repository.QueryDurationSeconds.WithLabelValues("GetRules", "success").Observe(0.05)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
//
// Returns:
//   - string: The Prometheus namespace (e.g., "fleetctl")
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

// ValidateMetricName validates a metric name against naming conventions.
// Currently a placeholder for future validation logic.
//
// Naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
//
// Examples:
// ✅ fleetctl_fleet_deployments_total
// ✅ fleetctl_infra_db_connections_active
// ❌ deployments_total (missing namespace)
// ❌ fleetctl_deployments (missing category/subsystem)
//
// Parameters:
//   - name: The metric name to validate
//
// Returns:
//   - error: nil if valid, error describing the problem otherwise
func (r *MetricsRegistry) ValidateMetricName(name string) error {
	// Placeholder for future validation
	// Could check:
	// 1. Starts with namespace
	// 2. Contains category (fleet/infra)
	// 3. Follows snake_case
	// 4. Has appropriate unit suffix (_total, _seconds, etc.)
	return nil
}
