// Package postgres provides PostgreSQL database connection pooling with Prometheus metrics export.
package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gameops/fleetctl/pkg/metrics"
)

// PoolStatsProvider is the subset of *PostgresPool the exporter depends on,
// so it can be driven by a fake in tests without a real database.
type PoolStatsProvider interface {
	Stats() PoolStats
}

// PrometheusExporter periodically reads PoolMetrics (fast, lock-free atomics
// kept hot on the query path) and pushes them into the Prometheus
// counters/gauges/histograms exposed on controllerd's /metrics endpoint.
//
// Since PoolStats carries cumulative counters (ConnectionsCreated,
// TotalQueries, ConnectionErrors, …) but Prometheus Counters must only ever
// move forward by the amount actually observed since the last export, the
// exporter tracks the last snapshot's values and exports deltas rather than
// re-adding the running totals on every tick.
//
// Example:
//
//	pool := NewPostgresPool(config, logger)
//	dbMetrics := metrics.DefaultRegistry().Infra().DB
//	exporter := NewPrometheusExporter(pool, dbMetrics)
//	exporter.Start(context.Background(), 10*time.Second)
type PrometheusExporter struct {
	pool       PoolStatsProvider
	dbMetrics  *metrics.DatabaseMetrics
	logger     *slog.Logger
	cancelFunc context.CancelFunc

	mu   sync.Mutex
	prev PoolStats
}

// NewPrometheusExporter creates a new Prometheus exporter for rule store
// pool metrics.
func NewPrometheusExporter(pool PoolStatsProvider, dbMetrics *metrics.DatabaseMetrics) *PrometheusExporter {
	return &PrometheusExporter{
		pool:      pool,
		dbMetrics: dbMetrics,
		logger:    slog.Default(),
	}
}

// Start begins periodic export of rule store pool metrics to Prometheus, in
// its own goroutine. Call Stop to end it.
func (e *PrometheusExporter) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.exportMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.exportMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the periodic export loop and performs one final export.
func (e *PrometheusExporter) Stop() {
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.exportMetrics()
}

// exportMetrics reads the current pool stats and exports them to
// Prometheus, diffing cumulative counters against the previous export so
// Counter.Add always receives a non-negative delta.
func (e *PrometheusExporter) exportMetrics() {
	if e.pool == nil || e.dbMetrics == nil {
		e.logger.Warn("rule store prometheus exporter not fully initialized, skipping export")
		return
	}

	stats := e.pool.Stats()

	e.mu.Lock()
	prev := e.prev
	e.prev = stats
	e.mu.Unlock()

	e.dbMetrics.ConnectionsActive.Set(float64(stats.ActiveConnections))
	e.dbMetrics.ConnectionsIdle.Set(float64(stats.IdleConnections))
	e.dbMetrics.RulesActive.Set(float64(stats.ActiveRuleCount))

	if delta := stats.ConnectionsCreated - prev.ConnectionsCreated; delta > 0 {
		e.dbMetrics.ConnectionsTotal.Add(float64(delta))
	}

	if delta := stats.TotalQueries - prev.TotalQueries; delta > 0 {
		e.dbMetrics.QueriesTotal.WithLabelValues("all", "success").Add(float64(delta))
		if stats.TotalQueries > 0 {
			avgQueryDuration := stats.QueryExecutionTime.Seconds() / float64(stats.TotalQueries)
			e.dbMetrics.QueryDurationSeconds.WithLabelValues("all").Observe(avgQueryDuration)
		}
	}

	if delta := stats.ConnectionErrors - prev.ConnectionErrors; delta > 0 {
		e.dbMetrics.ErrorsTotal.WithLabelValues("connection").Add(float64(delta))
	}
	if delta := stats.QueryErrors - prev.QueryErrors; delta > 0 {
		e.dbMetrics.ErrorsTotal.WithLabelValues("query").Add(float64(delta))
	}
	if delta := stats.TimeoutErrors - prev.TimeoutErrors; delta > 0 {
		e.dbMetrics.ErrorsTotal.WithLabelValues("timeout").Add(float64(delta))
	}
	if delta := stats.RuleWriteConflicts - prev.RuleWriteConflicts; delta > 0 {
		e.dbMetrics.ErrorsTotal.WithLabelValues("constraint").Add(float64(delta))
	}
}

// RecordConnectionWait records the time spent waiting for a connection from
// the pool. PostgresPool.Connect records its own wait in PoolMetrics and
// does not call this method.
func (e *PrometheusExporter) RecordConnectionWait(duration time.Duration) {
	e.dbMetrics.ConnectionWaitDurationSeconds.Observe(duration.Seconds())
}

// RecordQuery records a single query's operation type, duration, and
// success, for callers that want per-operation labels finer than
// exportMetrics' "all" bucket.
func (e *PrometheusExporter) RecordQuery(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	e.dbMetrics.QueryDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	e.dbMetrics.QueriesTotal.WithLabelValues(operation, status).Inc()
}
