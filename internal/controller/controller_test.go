package controller

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/codec"
	"github.com/gameops/fleetctl/internal/deployment"
	"github.com/gameops/fleetctl/internal/drift"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/resolver"
	"github.com/gameops/fleetctl/internal/rulestore"
	"github.com/gameops/fleetctl/internal/rulestore/memory"
)

// fakeAgent is an in-memory AgentClient standing in for one host's agent,
// satisfying the controller's superset interface (adds Status).
type fakeAgent struct {
	files map[string][]byte
}

func fkey(instance, file string) string { return instance + "\x00" + file }

func (a *fakeAgent) Status(_ context.Context) (*AgentStatus, error) {
	return &AgentStatus{Host: "host-a", Version: "test"}, nil
}

func (a *fakeAgent) ReadConfig(_ context.Context, instance, file string) ([]byte, error) {
	data, ok := a.files[fkey(instance, file)]
	if !ok {
		return nil, deployment.ErrObservedNotFound
	}
	return data, nil
}

func (a *fakeAgent) WriteConfig(_ context.Context, instance, file string, data []byte, _ string) error {
	a.files[fkey(instance, file)] = data
	return nil
}

func (a *fakeAgent) Restart(_ context.Context, _ string) error  { return nil }
func (a *fakeAgent) Rollback(_ context.Context, _ string) error { return nil }

func setupController(t *testing.T) (context.Context, *memory.Store, *Controller, *fakeAgent) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	instance := &rulestore.Instance{ID: "CREA01", Name: "creative-1", Host: "host-a", Platform: rulestore.PlatformPaper, Active: true}
	require.NoError(t, store.PutInstance(ctx, instance))

	cat := registry.New()
	cat.Register(&registry.Plugin{Name: "Vault", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})

	res := resolver.New(cat)
	engine := drift.New(res)
	inv := registry.NewInventory()

	agent := &fakeAgent{files: map[string][]byte{}}
	clientFor := func(host string) (AgentClient, bool) {
		if host == "host-a" {
			return agent, true
		}
		return nil, false
	}

	orch := deployment.New(store, res, cat, ToDeploymentClientFor(clientFor), nil)
	ctrl := New(store, res, cat, inv, orch, engine, clientFor, nil, nil)
	return ctx, store, ctrl, agent
}

func putRule(t *testing.T, ctx context.Context, store *memory.Store, scope rulestore.Scope, selector string, target rulestore.Target, value string, vt rulestore.ValueType) {
	t.Helper()
	r := &rulestore.ConfigRule{
		ID: uuid.NewString(), Scope: scope, Selector: selector,
		Target: target, Value: value, ValueType: vt, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, store.PutRule(ctx, r))
}

func vaultTarget() rulestore.Target {
	return rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Vault", ConfigFile: "config.yml", ConfigKey: "economy.enabled"}
}

func TestResolve_ReturnsResolvedValue(t *testing.T) {
	ctx, store, ctrl, _ := setupController(t)
	putRule(t, ctx, store, rulestore.ScopeGlobal, "", vaultTarget(), "true", rulestore.ValueBool)

	resolved, err := ctrl.Resolve(ctx, "CREA01", vaultTarget())
	require.NoError(t, err)
	require.Equal(t, true, resolved.Value)
}

func TestScanDrift_DetectsMismatchAndCachesReport(t *testing.T) {
	ctx, store, ctrl, agent := setupController(t)
	putRule(t, ctx, store, rulestore.ScopeGlobal, "", vaultTarget(), "false", rulestore.ValueBool)
	agent.files[fkey("CREA01", "config.yml")] = []byte("economy:\n  enabled: true\n")

	items, err := ctrl.ScanDrift(ctx, DriftQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, items)

	var found bool
	for _, item := range items {
		if item.ConfigKey == "economy.enabled" {
			found = true
			require.Equal(t, drift.UnexpectedDrift, item.Classification)
		}
	}
	require.True(t, found)

	report, err := ctrl.GetReport(DriftQuery{InstanceID: "CREA01"})
	require.NoError(t, err)
	require.NotEmpty(t, report.Items)
	require.Equal(t, len(report.Items), report.Total)
	require.Equal(t, 1, report.Page)
}

func TestPlanAndExecuteDeployment(t *testing.T) {
	ctx, store, ctrl, agent := setupController(t)
	putRule(t, ctx, store, rulestore.ScopeGlobal, "", vaultTarget(), "false", rulestore.ValueBool)
	agent.files[fkey("CREA01", "config.yml")] = []byte("economy:\n  enabled: true\n")

	d, err := ctrl.PlanDeployment(ctx, deployment.ChangeSet{Items: []deployment.ChangeItem{{InstanceID: "CREA01", Target: vaultTarget()}}})
	require.NoError(t, err)
	require.Len(t, d.Plan.Items, 1)

	d, err = ctrl.ExecuteDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, deployment.StateCompleted, d.State)

	data := agent.files[fkey("CREA01", "config.yml")]
	doc, err := codec.ParseYAML("config.yml", data)
	require.NoError(t, err)
	node, err := doc.Descend([]string{"economy", "enabled"})
	require.NoError(t, err)
	require.False(t, node.Bool)
}

func TestSetRule_FiresOnRuleChange(t *testing.T) {
	ctx, _, ctrl, _ := setupController(t)
	fired := 0
	ctrl.OnRuleChange = func() { fired++ }

	err := ctrl.SetRule(ctx, &rulestore.ConfigRule{ID: uuid.NewString(), Scope: rulestore.ScopeGlobal, Target: vaultTarget(), Value: "true", ValueType: rulestore.ValueBool, Active: true})
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	err = ctrl.SetRule(ctx, &rulestore.ConfigRule{ID: uuid.NewString(), Scope: "BOGUS", Target: vaultTarget(), Value: "1", ValueType: rulestore.ValueInt})
	require.Error(t, err)
	require.Equal(t, 1, fired, "a rejected rule write must not trigger a scan")
}

func TestSetRule_RejectsInvalidScope(t *testing.T) {
	ctx, _, ctrl, _ := setupController(t)
	err := ctrl.SetRule(ctx, &rulestore.ConfigRule{ID: uuid.NewString(), Scope: "BOGUS", Target: vaultTarget(), Value: "1", ValueType: rulestore.ValueInt})
	require.Error(t, err)
}
