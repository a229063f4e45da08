package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gameops/fleetctl/internal/codec"
	"github.com/gameops/fleetctl/internal/deployment"
	"github.com/gameops/fleetctl/internal/drift"
	"github.com/gameops/fleetctl/internal/realtime"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/resolver"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// ClientFor resolves a host name to its AgentClient. Controller wraps this
// the same way deployment.Orchestrator does, but additionally needs Status
// for discovery.
type ClientFor func(host string) (AgentClient, bool)

// queryResolver is satisfied by both *resolver.Resolver and
// *resolver.CachedResolver. The Controller's ad hoc GET /resolve surface is
// the one caller that may read through the resolved-value cache: it has no
// snapshot-consistency requirement across a whole scan the way the drift
// engine and deployment orchestrator do, so it is the only component wired
// to the cached path - those two always take an uncached *resolver.Resolver
// so every scan/plan is computed fresh against its own Snapshot.
type queryResolver interface {
	Resolve(ctx context.Context, snap rulestore.Snapshot, q resolver.Query) (*resolver.Resolved, error)
}

// Controller is the singleton coordination point for the fleet.
type Controller struct {
	Store      rulestore.Store
	Resolver   queryResolver
	Catalog    *registry.Catalog
	Inventory  *registry.Inventory
	Orch       *deployment.Orchestrator
	Engine     *drift.Engine
	ClientFor  ClientFor
	Publisher  *realtime.EventPublisher
	Logger     *slog.Logger

	// OnRuleChange, when set, is invoked after every successful rule write.
	// cmd/controllerd points it at the scheduler's drift-scan trigger so a
	// pushed rule is re-checked against the fleet without waiting for the
	// next periodic scan.
	OnRuleChange func()

	mu        sync.RWMutex
	lastScans map[string]instanceScan // keyed by instance ID
}

type instanceScan struct {
	host  string
	items []drift.Item
}

// New wires a Controller from its already-constructed dependencies. The
// caller builds the Orchestrator and Engine first, since both need the same
// Store/Resolver/Catalog.
func New(store rulestore.Store, res queryResolver, cat *registry.Catalog, inv *registry.Inventory, orch *deployment.Orchestrator, engine *drift.Engine, clientFor ClientFor, publisher *realtime.EventPublisher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Store: store, Resolver: res, Catalog: cat, Inventory: inv,
		Orch: orch, Engine: engine, ClientFor: clientFor, Publisher: publisher,
		Logger: logger.With("component", "controller"),
		lastScans: make(map[string]instanceScan),
	}
}

// ListInstances returns the rule store's registered instances. The
// authoritative liveness flag for each comes from the agent's own status(),
// merged into the Inventory by the discovery task (internal/scheduler);
// this call alone reflects rule-store membership.
func (c *Controller) ListInstances(ctx context.Context) ([]*rulestore.Instance, error) {
	return c.Store.ListInstances(ctx)
}

// Resolve answers one (instance, target) query against the live store.
func (c *Controller) Resolve(ctx context.Context, instanceID string, target rulestore.Target) (*resolver.Resolved, error) {
	snap, err := c.Store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return c.Resolver.Resolve(ctx, snap, resolver.Query{InstanceID: instanceID, Target: target})
}

// ruleInvalidator is implemented by resolver.CachedResolver; a bare
// *resolver.Resolver has nothing to invalidate.
type ruleInvalidator interface {
	InvalidateRules(ctx context.Context) error
}

// SetRule records a new or updated rule and drops the resolved-value cache,
// since a single write at GLOBAL/SERVER/GROUP scope can change the answer
// for many instances at once.
func (c *Controller) SetRule(ctx context.Context, rule *rulestore.ConfigRule) error {
	if !rule.Scope.Valid() {
		return fmt.Errorf("controller: invalid scope %q", rule.Scope)
	}
	if err := c.Store.PutRule(ctx, rule); err != nil {
		return err
	}
	if inv, ok := c.Resolver.(ruleInvalidator); ok {
		if err := inv.InvalidateRules(ctx); err != nil {
			c.Logger.Warn("invalidating resolver cache after rule write", "error", err)
		}
	}
	if c.OnRuleChange != nil {
		c.OnRuleChange()
	}
	return nil
}

// DriftQuery narrows a drift scan/report to one instance, one host's
// instances, or (both empty) every active instance. Pagination and Sorting
// shape the report window; nil means page 1 of DefaultReportPerPage items,
// freshest findings first.
type DriftQuery struct {
	InstanceID string
	Host       string
	Since      time.Time
	Pagination *Pagination
	Sorting    *Sorting
}

// ScanDrift runs a live scan over every instance matching q, reading each
// instance's expected files from its agent and comparing them against the
// rule store. Results are cached per instance for GetReport and, for any
// non-NONE finding, pushed to subscribers via the event bus.
func (c *Controller) ScanDrift(ctx context.Context, q DriftQuery) ([]drift.Item, error) {
	snap, err := c.Store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	instances, err := snap.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	var all []drift.Item
	for _, instance := range instances {
		if q.InstanceID != "" && instance.ID != q.InstanceID {
			continue
		}
		if q.Host != "" && instance.Host != q.Host {
			continue
		}

		items, err := c.scanInstance(ctx, snap, instance)
		if err != nil {
			c.Logger.Warn("drift scan failed for instance", "instance_id", instance.ID, "error", err)
			continue
		}

		c.mu.Lock()
		c.lastScans[instance.ID] = instanceScan{host: instance.Host, items: items}
		c.mu.Unlock()

		all = append(all, items...)
	}
	return all, nil
}

func (c *Controller) scanInstance(ctx context.Context, snap rulestore.Snapshot, instance *rulestore.Instance) ([]drift.Item, error) {
	client, ok := c.ClientFor(instance.Host)
	if !ok {
		return nil, fmt.Errorf("controller: no agent client for host %q", instance.Host)
	}

	expected, err := drift.ExpectedFiles(ctx, snap, c.Catalog, instance)
	if err != nil {
		return nil, err
	}

	obs, err := c.readObserved(ctx, client, instance.ID, expected)
	if err != nil {
		return nil, err
	}

	var items []drift.Item
	if err := c.Engine.Scan(ctx, snap, instance, expected, obs, func(item drift.Item) {
		items = append(items, item)
		if item.Classification != drift.None && c.Publisher != nil {
			if perr := c.Publisher.PublishDriftEvent(item); perr != nil {
				c.Logger.Warn("publishing drift event", "error", perr)
			}
		}
	}); err != nil {
		return nil, err
	}
	return items, nil
}

// readObserved reads and parses every expected file for instance through
// its agent. A file the agent reports missing is simply absent from the
// returned map - Engine.Scan emits its own MISSING item for that case;
// read/parse failures other than "not found" abort the whole scan rather
// than silently treating the file as missing.
func (c *Controller) readObserved(ctx context.Context, client AgentClient, instanceID string, expected []drift.ExpectedFile) (map[drift.FileRef]*codec.Node, error) {
	observed := make(map[drift.FileRef]*codec.Node, len(expected))
	for _, ef := range expected {
		data, err := client.ReadConfig(ctx, instanceID, ef.ConfigFile)
		if err != nil {
			if errors.Is(err, deployment.ErrObservedNotFound) {
				continue
			}
			return nil, err
		}
		doc, err := codec.Parse(ef.ConfigFile, data, codec.DetectFormat(ef.ConfigFile, data))
		if err != nil {
			return nil, err
		}
		observed[ef.FileRef] = doc
	}
	return observed, nil
}

// GetReport returns one page of the cached results of the most recent scan
// matching q, sorted and windowed per q.Pagination/q.Sorting.
func (c *Controller) GetReport(q DriftQuery) (*ReportPage, error) {
	c.mu.RLock()
	var out []drift.Item
	for instanceID, scan := range c.lastScans {
		if q.InstanceID != "" && instanceID != q.InstanceID {
			continue
		}
		if q.Host != "" && scan.host != q.Host {
			continue
		}
		for _, item := range scan.items {
			if !q.Since.IsZero() && item.DetectedAt.Before(q.Since) {
				continue
			}
			out = append(out, item)
		}
	}
	c.mu.RUnlock()

	return paginateReport(out, q.Pagination, q.Sorting)
}

// PlanDeployment delegates to the deployment orchestrator.
func (c *Controller) PlanDeployment(ctx context.Context, cs deployment.ChangeSet) (*deployment.Deployment, error) {
	return c.Orch.Plan(ctx, cs)
}

// ExecuteDeployment delegates to the deployment orchestrator, publishing a
// state-change event on completion (success or failure) for live dashboards.
func (c *Controller) ExecuteDeployment(ctx context.Context, deploymentID string) (*deployment.Deployment, error) {
	d, err := c.Orch.Execute(ctx, deploymentID)
	c.publishDeploymentState(d)
	return d, err
}

// RollbackDeployment delegates to the deployment orchestrator.
func (c *Controller) RollbackDeployment(ctx context.Context, deploymentID string) (*deployment.Deployment, error) {
	d, err := c.Orch.Rollback(ctx, deploymentID)
	c.publishDeploymentState(d)
	return d, err
}

func (c *Controller) publishDeploymentState(d *deployment.Deployment) {
	if d == nil || c.Publisher == nil {
		return
	}
	if err := c.Publisher.PublishDeploymentStateChanged(d.ID, string(d.State), d.Reason); err != nil {
		c.Logger.Warn("publishing deployment state event", "error", err)
	}
}
