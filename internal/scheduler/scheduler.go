// Package scheduler drives the controller's three periodic fleet tasks:
// instance discovery, drift scanning, and agent heartbeats.
// Each task runs on its own cron-style interval and never overlaps itself -
// a slow run simply absorbs the next tick rather than stacking goroutines.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gameops/fleetctl/internal/controller"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/pkg/metrics"
)

// Scheduler owns the cron loop and the on-demand drift-scan trigger.
type Scheduler struct {
	ctrl    *controller.Controller
	metrics *metrics.FleetMetrics
	logger  *slog.Logger

	discoveryInterval time.Duration
	driftScanInterval time.Duration
	heartbeatInterval time.Duration

	cron *cron.Cron

	driftTrigger chan struct{}
	driftMu      sync.Mutex
	driftRunning bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Scheduler for ctrl. Intervals of zero fall back to the
// defaults (60s discovery, 1h drift scan, 30s heartbeat). fm may be nil, in
// which case the scheduler runs without recording Prometheus metrics.
func New(ctrl *controller.Controller, fm *metrics.FleetMetrics, discoveryInterval, driftScanInterval, heartbeatInterval time.Duration, logger *slog.Logger) *Scheduler {
	if discoveryInterval <= 0 {
		discoveryInterval = 60 * time.Second
	}
	if driftScanInterval <= 0 {
		driftScanInterval = time.Hour
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ctrl:              ctrl,
		metrics:           fm,
		logger:            logger.With("component", "scheduler"),
		discoveryInterval: discoveryInterval,
		driftScanInterval: driftScanInterval,
		heartbeatInterval: heartbeatInterval,
		driftTrigger:      make(chan struct{}, 1),
	}
}

// cronLogger adapts slog to cron.Logger so SkipIfStillRunning/Recover can
// report without a second logging dependency.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Info(msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, kv...)...)
}

// Start registers and launches the three periodic jobs, plus the
// on-demand drift-scan listener. It returns once the cron loop and the
// listener goroutine are running; call Stop to shut both down.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := s.cron.AddFunc(everySpec(s.discoveryInterval), func() { s.runDiscovery(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.driftScanInterval), func() { s.runDriftScan(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.heartbeatInterval), func() { s.runHeartbeat(ctx) }); err != nil {
		return err
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.driftTriggerLoop(ctx)

	s.logger.Info("scheduler started",
		"discovery_interval", s.discoveryInterval,
		"drift_scan_interval", s.driftScanInterval,
		"heartbeat_interval", s.heartbeatInterval)
	return nil
}

// Stop cancels the on-demand listener and waits for the cron scheduler to
// drain any in-flight job, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerDriftScan requests an out-of-band drift scan (e.g. after an
// operator pushes a new rule). Repeated triggers while a scan is already
// queued or running are coalesced into the one pending run.
func (s *Scheduler) TriggerDriftScan() {
	select {
	case s.driftTrigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) driftTriggerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.driftTrigger:
			s.runDriftScan(ctx)
		}
	}
}

// runDiscovery polls each rule-store host's agent for its live status and
// reconciles it into the instance registry's heartbeat state. A host that
// answers is reachable regardless of what it reports; a host whose agent
// status call errors counts as a miss, same as runHeartbeat. Unlike
// runHeartbeat, a host with no agent client is only logged, not counted as a
// miss, and no heartbeat events are published; each reconciled host is
// debug-logged with the number of instances its agent reports.
func (s *Scheduler) runDiscovery(ctx context.Context) {
	hosts, err := s.hosts(ctx)
	if err != nil {
		s.logger.Error("discovery: list instances failed", "error", err)
		return
	}

	for _, host := range hosts {
		client, ok := s.ctrl.ClientFor(host)
		if !ok {
			s.logger.Warn("discovery: no agent client for host", "host", host)
			continue
		}
		status, err := client.Status(ctx)
		if err != nil {
			s.recordMiss(host)
			s.logger.Warn("discovery: agent status failed", "host", host, "error", err)
			continue
		}
		s.ctrl.Inventory.RecordHeartbeat(host, status.Version, time.Now())
		s.recordHeartbeatMetric(host, "success")
		s.logger.Debug("discovery: host reconciled", "host", host, "instances", len(status.Instances))
	}
}

// runHeartbeat pings every known host's agent and updates reachability.
func (s *Scheduler) runHeartbeat(ctx context.Context) {
	hosts, err := s.hosts(ctx)
	if err != nil {
		s.logger.Error("heartbeat: list instances failed", "error", err)
		return
	}

	for _, host := range hosts {
		client, ok := s.ctrl.ClientFor(host)
		if !ok {
			s.recordMiss(host)
			continue
		}
		status, err := client.Status(ctx)
		if err != nil {
			s.recordMiss(host)
			continue
		}
		s.ctrl.Inventory.RecordHeartbeat(host, status.Version, time.Now())
		s.recordHeartbeatMetric(host, "success")
		if s.ctrl.Publisher != nil {
			if err := s.ctrl.Publisher.PublishAgentHeartbeat("", host, time.Now()); err != nil {
				s.logger.Warn("publishing heartbeat event", "host", host, "error", err)
			}
		}
	}
}

func (s *Scheduler) recordMiss(host string) {
	s.recordHeartbeatMetric(host, "miss")
	if s.ctrl.Inventory.RecordMiss(host) {
		s.logger.Warn("host became unreachable", "host", host, "missed_threshold", registry.MissedHeartbeatThreshold)
		s.recordUnreachableGauge()
		if s.ctrl.Publisher != nil {
			if err := s.ctrl.Publisher.PublishAgentUnreachable("", host, registry.MissedHeartbeatThreshold); err != nil {
				s.logger.Warn("publishing unreachable event", "host", host, "error", err)
			}
		}
	}
}

func (s *Scheduler) recordHeartbeatMetric(host, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.AgentHeartbeatsTotal.WithLabelValues(host, outcome).Inc()
}

// recordUnreachableGauge recomputes the current UNREACHABLE count from the
// inventory rather than incrementing/decrementing in place, so the gauge
// self-heals even if a recovery transition is ever missed.
func (s *Scheduler) recordUnreachableGauge() {
	if s.metrics == nil {
		return
	}
	var unreachable float64
	for _, state := range s.ctrl.Inventory.AllStates() {
		if !state.Reachable {
			unreachable++
		}
	}
	s.metrics.AgentsUnreachable.Set(unreachable)
}

// runDriftScan runs a full-fleet scan, coalescing with any already-running
// scan rather than overlapping it.
func (s *Scheduler) runDriftScan(ctx context.Context) {
	s.driftMu.Lock()
	if s.driftRunning {
		s.driftMu.Unlock()
		return
	}
	s.driftRunning = true
	s.driftMu.Unlock()

	defer func() {
		s.driftMu.Lock()
		s.driftRunning = false
		s.driftMu.Unlock()
	}()

	start := time.Now()
	items, err := s.ctrl.ScanDrift(ctx, controller.DriftQuery{})
	if err != nil {
		s.logger.Error("drift scan failed", "error", err)
		if s.metrics != nil {
			s.metrics.DriftScansTotal.WithLabelValues("error").Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.DriftScansTotal.WithLabelValues("success").Inc()
		s.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
		for _, item := range items {
			s.metrics.DriftFindingsTotal.WithLabelValues(string(item.Classification)).Inc()
		}
	}
	s.logger.Info("drift scan completed", "findings", len(items), "duration", time.Since(start))
}

// hosts returns the distinct set of hosts the rule store currently knows
// about, in first-seen order.
func (s *Scheduler) hosts(ctx context.Context) ([]string, error) {
	instances, err := s.ctrl.Store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(instances))
	var hosts []string
	for _, inst := range instances {
		if !seen[inst.Host] {
			seen[inst.Host] = true
			hosts = append(hosts, inst.Host)
		}
	}
	return hosts, nil
}

// everySpec builds a robfig/cron "@every" descriptor for d, clamped to 1s
// since cron rejects non-positive durations.
func everySpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}
