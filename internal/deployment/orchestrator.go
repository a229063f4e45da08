package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gameops/fleetctl/internal/codec"
	"github.com/gameops/fleetctl/internal/drift"
	"github.com/gameops/fleetctl/internal/lock"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/resolver"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// ErrObservedNotFound is the transport-neutral equivalent of the agent
// package's ErrNotFound: an AgentClient implementation translates whatever
// its own not-found signal is into this error, so the orchestrator never
// needs to import the agent package's transport.
var ErrObservedNotFound = errors.New("deployment: observed config not found")

// AgentClient is the transport-neutral slice of one host's agent RPC
// surface the orchestrator drives. The controller's HTTP
// client and an in-process adapter wrapping *agent.Agent directly both
// satisfy it.
type AgentClient interface {
	ReadConfig(ctx context.Context, instance, file string) ([]byte, error)
	WriteConfig(ctx context.Context, instance, file string, data []byte, deploymentID string) error
	Restart(ctx context.Context, instance string) error
	Rollback(ctx context.Context, deploymentID string) error
}

// ClientFor resolves a host name to its AgentClient, reporting false when
// the host is currently considered unreachable.
type ClientFor func(host string) (AgentClient, bool)

var validate = validator.New()

// Orchestrator runs the plan/execute/rollback deployment state machine.
// It serializes deployments that touch an overlapping (instance, file)
// pair and never leaves a deployment split across concurrent callers.
type Orchestrator struct {
	store     rulestore.Store
	resolver  *resolver.Resolver
	catalog   *registry.Catalog
	clientFor ClientFor
	logger    *slog.Logger
	now       func() time.Time
	locker    *lock.LockManager

	mu          sync.Mutex
	deployments map[string]*Deployment
	locks       map[string]string // "instance\x00file" -> deployment id holding it
}

// WithLocker attaches a Redis-backed lock.LockManager so Execute/Rollback
// serialize across controller replicas (the standard/HA profile), not
// just within this process. A nil manager leaves the
// in-process o.locks map as the only serialization, which is sufficient for
// the lite, single-replica profile.
func (o *Orchestrator) WithLocker(lm *lock.LockManager) *Orchestrator {
	o.locker = lm
	return o
}

// New returns an Orchestrator. clientFor is consulted fresh on every
// operation rather than cached, so a host that recovers mid-deployment is
// picked up without restarting the controller.
func New(store rulestore.Store, res *resolver.Resolver, catalog *registry.Catalog, clientFor ClientFor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       store,
		resolver:    res,
		catalog:     catalog,
		clientFor:   clientFor,
		logger:      logger,
		now:         time.Now,
		deployments: map[string]*Deployment{},
		locks:       map[string]string{},
	}
}

// Get returns a previously planned or executed Deployment by id.
func (o *Orchestrator) Get(id string) (*Deployment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.deployments[id]
	return d, ok
}

// Plan resolves the expected value for every item in cs and keeps only the
// ones whose observed value differs - already-satisfied targets are
// dropped silently, which is what makes re-planning an already-applied
// change set produce an empty plan.
func (o *Orchestrator) Plan(ctx context.Context, cs ChangeSet) (*Deployment, error) {
	if err := validate.Struct(cs); err != nil {
		return nil, fmt.Errorf("deployment: invalid change set: %w", err)
	}

	snap, err := o.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("deployment: snapshot: %w", err)
	}
	defer snap.Close()

	plan := &Plan{CreatedAt: o.now()}

	for _, item := range cs.Items {
		instance, err := snap.GetInstance(ctx, item.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("deployment: loading instance %s: %w", item.InstanceID, err)
		}

		if o.catalog != nil && !o.catalog.PlatformMatches(item.Target, instance.Platform) {
			return nil, fmt.Errorf("%w: instance %s targets plugin %s on a non-matching platform", ErrPlatformMismatch, item.InstanceID, item.Target.PluginName)
		}

		resolved, err := o.resolver.Resolve(ctx, snap, resolver.Query{InstanceID: item.InstanceID, Target: item.Target})
		if err != nil {
			return nil, fmt.Errorf("deployment: resolving %s/%s for %s: %w", item.Target.ConfigFile, item.Target.ConfigKey, item.InstanceID, err)
		}
		if resolved == nil {
			return nil, fmt.Errorf("%w: %s/%s for %s", ErrNoActiveRule, item.Target.ConfigFile, item.Target.ConfigKey, item.InstanceID)
		}

		client, ok := o.clientFor(instance.Host)
		if !ok {
			return nil, fmt.Errorf("%w: host %s", ErrAgentUnreachable, instance.Host)
		}

		observed, oerr := o.readKey(ctx, client, item.InstanceID, item.Target)
		if oerr != nil && !errors.Is(oerr, ErrObservedNotFound) {
			return nil, oerr
		}

		if drift.Equal(observed, resolved.Value) {
			continue
		}

		plan.Items = append(plan.Items, PlanItem{
			InstanceID: item.InstanceID,
			Host:       instance.Host,
			Target:     item.Target,
			Expected:   resolved.Value,
			Observed:   observed,
		})
	}

	d := &Deployment{ID: uuid.NewString(), Plan: plan, State: StatePlanned, CreatedAt: o.now(), UpdatedAt: o.now()}
	o.mu.Lock()
	o.deployments[d.ID] = d
	o.mu.Unlock()
	return d, nil
}

func (o *Orchestrator) readKey(ctx context.Context, client AgentClient, instance string, target rulestore.Target) (any, error) {
	data, err := client.ReadConfig(ctx, instance, target.ConfigFile)
	if err != nil {
		return nil, err
	}
	if target.ConfigKey == "" {
		return true, nil
	}
	doc, err := codec.Parse(target.ConfigFile, data, codec.DetectFormat(target.ConfigFile, data))
	if err != nil {
		return nil, fmt.Errorf("deployment: parsing %s: %w", target.ConfigFile, err)
	}
	node, derr := doc.Descend(strings.Split(target.ConfigKey, "."))
	if derr != nil {
		// A shape mismatch means nothing is meaningfully "observed" at this
		// path; treat it the same as absent so the plan still proposes a write.
		return nil, nil
	}
	return drift.NodeValue(node), nil
}

// Execute runs the backup/write/verify/restart pipeline for a previously
// planned deployment, rolling back every agent already touched on the first
// failure.
func (o *Orchestrator) Execute(ctx context.Context, deploymentID string) (*Deployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[deploymentID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrUnknownDeployment
	}
	if d.State != StatePlanned {
		return nil, fmt.Errorf("deployment: %s is in state %s, not %s", deploymentID, d.State, StatePlanned)
	}
	if len(d.Plan.Items) == 0 {
		o.transition(d, StateCompleted, "")
		return d, nil
	}

	keys := lockKeys(d.Plan.Items)
	if err := o.acquire(deploymentID, keys); err != nil {
		return nil, err
	}
	defer o.release(keys)

	releaseDistributed, err := o.acquireDistributed(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	defer releaseDistributed(ctx)

	// Backup capture is folded into write_config itself: the agent records
	// the prior bytes of a file in its manifest as part of the same atomic
	// write, so there is no separate RPC for this phase.
	o.transition(d, StateBackedUp, "")

	groups := groupByFile(d.Plan.Items)
	touched := map[string]string{} // instance -> host, for rollback scoping

	o.transition(d, StateWriting, "")
	for _, g := range groups {
		client, ok := o.clientFor(g.host)
		if !ok {
			err := fmt.Errorf("%w: host %s", ErrAgentUnreachable, g.host)
			o.failAndRollback(ctx, d, touched, StateFailedWrite, err)
			return d, err
		}
		if err := o.writeGroup(ctx, client, g, deploymentID); err != nil {
			touched[g.instance] = g.host
			o.failAndRollback(ctx, d, touched, StateFailedWrite, err)
			return d, err
		}
		touched[g.instance] = g.host
	}

	o.transition(d, StateVerified, "")
	for _, g := range groups {
		client, _ := o.clientFor(g.host)
		if err := o.verifyGroup(ctx, client, g); err != nil {
			o.failAndRollback(ctx, d, touched, StateFailedVerify, err)
			return d, err
		}
	}

	o.transition(d, StateRestartPending, "")
	instances := instanceHosts(groups)
	outcomes := make([]Outcome, 0, len(instances))
	restartFailed := false
	for instance, host := range instances {
		client, ok := o.clientFor(host)
		if !ok {
			outcomes = append(outcomes, Outcome{InstanceID: instance, Err: ErrAgentUnreachable})
			restartFailed = true
			continue
		}
		if err := client.Restart(ctx, instance); err != nil {
			outcomes = append(outcomes, Outcome{InstanceID: instance, Err: err})
			restartFailed = true
			continue
		}
		outcomes = append(outcomes, Outcome{InstanceID: instance})
	}
	d.Outcomes = outcomes

	if restartFailed {
		o.failAndRollback(ctx, d, touched, StateFailedRestart, errors.New("deployment: one or more instances failed to restart"))
		return d, errors.New("deployment: one or more instances failed to restart")
	}

	o.transition(d, StateRestarted, "")
	o.transition(d, StateCompleted, "")
	return d, nil
}

// Rollback restores every file a completed-or-failed deployment touched to
// its pre-deployment bytes, grouped per instance.
func (o *Orchestrator) Rollback(ctx context.Context, deploymentID string) (*Deployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[deploymentID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrUnknownDeployment
	}

	releaseDistributed, err := o.acquireDistributed(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	defer releaseDistributed(ctx)

	o.transition(d, StateRollingBack, "")
	for instance, host := range instanceHosts(groupByFile(d.Plan.Items)) {
		client, ok := o.clientFor(host)
		if !ok {
			o.logger.Error("cannot roll back, agent unreachable", "instance", instance, "deployment", deploymentID)
			continue
		}
		if err := client.Rollback(ctx, deploymentID); err != nil {
			return nil, fmt.Errorf("deployment: rolling back %s: %w", instance, err)
		}
	}
	o.transition(d, StateRolledBack, "")
	return d, nil
}

func (o *Orchestrator) failAndRollback(ctx context.Context, d *Deployment, touched map[string]string, failState State, cause error) {
	o.transition(d, failState, cause.Error())
	o.transition(d, StateRollingBack, "")
	for instance, host := range touched {
		client, ok := o.clientFor(host)
		if !ok {
			o.logger.Error("cannot roll back, agent unreachable", "instance", instance, "host", host, "deployment", d.ID)
			continue
		}
		if err := client.Rollback(ctx, d.ID); err != nil {
			o.logger.Error("rollback failed", "instance", instance, "deployment", d.ID, "error", err)
		}
	}
	o.transition(d, StateRolledBack, "")
}

func (o *Orchestrator) transition(d *Deployment, s State, reason string) {
	o.mu.Lock()
	d.State = s
	d.Reason = reason
	d.UpdatedAt = o.now()
	o.mu.Unlock()
}

// writeGroup merges every item targeting one (instance, file) pair into a
// single parsed document and issues one write_config call, so two changed
// keys in the same file never race each other via separate read-modify-
// write cycles.
func (o *Orchestrator) writeGroup(ctx context.Context, client AgentClient, g fileGroup, deploymentID string) error {
	data, err := client.ReadConfig(ctx, g.instance, g.file)
	notFound := errors.Is(err, ErrObservedNotFound)
	if err != nil && !notFound {
		return fmt.Errorf("deployment: reading %s before write: %w", g.file, err)
	}

	format := codec.DetectFormat(g.file, data)
	var doc *codec.Node
	if notFound {
		doc = codec.NewMap()
	} else {
		doc, err = codec.Parse(g.file, data, format)
		if err != nil {
			return fmt.Errorf("deployment: parsing %s: %w", g.file, err)
		}
	}

	for _, item := range g.items {
		if item.Target.ConfigKey == "" {
			continue
		}
		if err := doc.SetPath(strings.Split(item.Target.ConfigKey, "."), codec.ValueToNode(item.Expected)); err != nil {
			return fmt.Errorf("deployment: applying %s to %s: %w", item.Target.ConfigKey, g.file, err)
		}
	}

	out, err := codec.Emit(g.file, doc, format)
	if err != nil {
		return fmt.Errorf("deployment: emitting %s: %w", g.file, err)
	}
	if err := client.WriteConfig(ctx, g.instance, g.file, out, deploymentID); err != nil {
		return fmt.Errorf("deployment: writing %s: %w", g.file, err)
	}
	return nil
}

// verifyGroup reads a just-written file back and confirms every targeted
// key resolves to its expected value.
func (o *Orchestrator) verifyGroup(ctx context.Context, client AgentClient, g fileGroup) error {
	data, err := client.ReadConfig(ctx, g.instance, g.file)
	if err != nil {
		return fmt.Errorf("deployment: reading %s back for verify: %w", g.file, err)
	}
	doc, err := codec.Parse(g.file, data, codec.DetectFormat(g.file, data))
	if err != nil {
		return fmt.Errorf("deployment: parsing %s during verify: %w", g.file, err)
	}
	for _, item := range g.items {
		if item.Target.ConfigKey == "" {
			continue
		}
		node, derr := doc.Descend(strings.Split(item.Target.ConfigKey, "."))
		if derr != nil {
			return fmt.Errorf("deployment: verify shape mismatch on %s/%s: %w", g.file, item.Target.ConfigKey, derr)
		}
		actual := drift.NodeValue(node)
		if !drift.Equal(actual, item.Expected) {
			return fmt.Errorf("deployment: verify mismatch on %s/%s: expected %v, got %v", g.file, item.Target.ConfigKey, item.Expected, actual)
		}
	}
	return nil
}

type fileGroup struct {
	instance, host, file string
	items                []PlanItem
}

func groupByFile(items []PlanItem) []fileGroup {
	order := []string{}
	byKey := map[string]*fileGroup{}
	for _, item := range items {
		key := item.InstanceID + "\x00" + item.Target.ConfigFile
		g, ok := byKey[key]
		if !ok {
			g = &fileGroup{instance: item.InstanceID, host: item.Host, file: item.Target.ConfigFile}
			byKey[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, item)
	}
	out := make([]fileGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

func instanceHosts(groups []fileGroup) map[string]string {
	out := map[string]string{}
	for _, g := range groups {
		out[g.instance] = g.host
	}
	return out
}

func lockKeys(items []PlanItem) []string {
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		key := item.InstanceID + "\x00" + item.Target.ConfigFile
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// acquireDistributed takes the cross-replica lock for deploymentID when a
// LockManager is configured, returning a release func that is always safe
// to call. Two controller replicas racing Execute for the same deployment
// id is the scenario this guards; o.locks above only protects one process.
func (o *Orchestrator) acquireDistributed(ctx context.Context, deploymentID string) (func(context.Context), error) {
	if o.locker == nil {
		return func(context.Context) {}, nil
	}
	if _, err := o.locker.AcquireDeploymentLock(ctx, deploymentID); err != nil {
		return nil, fmt.Errorf("%w: deployment %s: %v", ErrConflict, deploymentID, err)
	}
	return func(releaseCtx context.Context) {
		if err := o.locker.ReleaseDeploymentLock(releaseCtx, deploymentID); err != nil {
			o.logger.Warn("releasing distributed deployment lock", "deployment", deploymentID, "error", err)
		}
	}, nil
}

func (o *Orchestrator) acquire(deploymentID string, keys []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range keys {
		if holder, ok := o.locks[k]; ok && holder != deploymentID {
			return fmt.Errorf("%w: %s already held by deployment %s", ErrConflict, k, holder)
		}
	}
	for _, k := range keys {
		o.locks[k] = deploymentID
	}
	return nil
}

func (o *Orchestrator) release(keys []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range keys {
		delete(o.locks, k)
	}
}
