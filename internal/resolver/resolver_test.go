package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/rulestore"
	"github.com/gameops/fleetctl/internal/rulestore/memory"
)

func vaultConfigKey(key string) rulestore.Target {
	return rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Vault", ConfigFile: "config.yml", ConfigKey: key}
}

func eliteMobsKey(key string) rulestore.Target {
	return rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "EliteMobs", ConfigFile: "config.yml", ConfigKey: key}
}

func setupStore(t *testing.T) (*memory.Store, *registry.Catalog) {
	t.Helper()
	store := memory.New()
	cat := registry.New()
	cat.Register(&registry.Plugin{Name: "Vault", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})
	cat.Register(&registry.Plugin{Name: "EliteMobs", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})

	ctx := context.Background()
	require.NoError(t, store.PutInstance(ctx, &rulestore.Instance{ID: "SMP101", Host: "hetzner", Platform: rulestore.PlatformPaper, Active: true}))
	require.NoError(t, store.PutInstance(ctx, &rulestore.Instance{ID: "CREA01", Host: "hetzner", Platform: rulestore.PlatformPaper, Active: true}))
	require.NoError(t, store.PutTag(ctx, &rulestore.Tag{ID: "creative", Category: "mode", Name: "creative"}))
	require.NoError(t, store.AssignTag(ctx, "creative", "CREA01"))
	return store, cat
}

func snap(t *testing.T, store *memory.Store) rulestore.Snapshot {
	t.Helper()
	s, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

// A GLOBAL rule applies uniformly across the fleet.
func TestResolve_GlobalRuleApplies(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: eliteMobsKey("language"),
		Value: "english", ValueType: rulestore.ValueString, Active: true, UpdatedAt: time.Now(),
	}))

	r := New(cat)
	s := snap(t, store)
	defer s.Close()

	resolved, err := r.Resolve(ctx, s, Query{InstanceID: "SMP101", Target: eliteMobsKey("language")})
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "english", resolved.Value)
}

// Scenario 2: a TAG-scoped rule overrides GLOBAL for tagged instances only.
func TestResolve_TagOverridesGlobal(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "true", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: now,
	}))
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r2", Scope: rulestore.ScopeTag, Selector: "creative", Target: vaultConfigKey("economy.enabled"),
		Value: "false", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: now,
	}))

	r := New(cat)
	s := snap(t, store)
	defer s.Close()

	// Untagged instance still sees the GLOBAL value.
	resolved, err := r.Resolve(ctx, s, Query{InstanceID: "SMP101", Target: vaultConfigKey("economy.enabled")})
	require.NoError(t, err)
	assert.Equal(t, true, resolved.Value)

	// Tagged instance sees the narrower TAG override.
	resolved, err = r.Resolve(ctx, s, Query{InstanceID: "CREA01", Target: vaultConfigKey("economy.enabled")})
	require.NoError(t, err)
	assert.Equal(t, false, resolved.Value)
}

// Rule priority monotonicity: adding a weaker rule never
// changes resolution when a stronger one for the same target exists.
func TestResolve_PriorityMonotonicity(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "instance-rule", Scope: rulestore.ScopeInstance, Selector: "CREA01", Target: vaultConfigKey("economy.enabled"),
		Value: "true", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: now,
	}))

	r := New(cat)
	before, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "CREA01", Target: vaultConfigKey("economy.enabled")})
	require.NoError(t, err)

	// Add progressively weaker rules afterward; none should move the result.
	for i, sc := range []rulestore.Scope{rulestore.ScopeTag, rulestore.ScopeServer, rulestore.ScopeGlobal} {
		selector := ""
		if sc == rulestore.ScopeTag {
			selector = "creative"
		}
		if sc == rulestore.ScopeServer {
			selector = "hetzner"
		}
		require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
			ID: "weaker" + string(rune('a'+i)), Scope: sc, Selector: selector, Target: vaultConfigKey("economy.enabled"),
			Value: "false", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: now,
		}))
		after, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "CREA01", Target: vaultConfigKey("economy.enabled")})
		require.NoError(t, err)
		assert.Equal(t, before.Value, after.Value, "adding scope %s changed resolution", sc)
	}
}

func TestResolve_VariableSubstitutionFallsBackToServerThenGlobal(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: eliteMobsKey("database.host"),
		Value: "{{DB_HOST}}", ValueType: rulestore.ValueString, Active: true, UpdatedAt: now,
	}))
	require.NoError(t, store.SetVariable(ctx, &rulestore.Variable{Scope: rulestore.ScopeServer, Selector: "hetzner", Name: "DB_HOST", Value: "db-hetzner.internal"}))
	require.NoError(t, store.SetVariable(ctx, &rulestore.Variable{Scope: rulestore.ScopeGlobal, Name: "DB_HOST", Value: "db-default.internal"}))

	r := New(cat)
	resolved, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "SMP101", Target: eliteMobsKey("database.host")})
	require.NoError(t, err)
	assert.Equal(t, "db-hetzner.internal", resolved.Value, "SERVER-scope variable must win over GLOBAL")
}

func TestResolve_UndefinedVariableIsResolutionError(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: eliteMobsKey("database.host"),
		Value: "{{NOPE}}", ValueType: rulestore.ValueString, Active: true, UpdatedAt: time.Now(),
	}))

	r := New(cat)
	_, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "SMP101", Target: eliteMobsKey("database.host")})
	require.Error(t, err)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, UndefinedVariable, re.Kind)
}

// A rule targeting a plugin whose platform doesn't
// match the instance is inert - ∅, never an error.
func TestResolve_PlatformMismatchIsInert(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	cat.Register(&registry.Plugin{Name: "Geyser-Only", Platform: rulestore.PlatformVelocity})
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal,
		Target: rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Geyser-Only", ConfigFile: "velocity.toml", ConfigKey: "bind"},
		Value: "0.0.0.0:25577", ValueType: rulestore.ValueString, Active: true, UpdatedAt: time.Now(),
	}))

	r := New(cat)
	resolved, err := r.Resolve(ctx, snap(t, store), Query{
		InstanceID: "SMP101",
		Target:     rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Geyser-Only", ConfigFile: "velocity.toml", ConfigKey: "bind"},
	})
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestResolve_NoCandidateReturnsNilNotError(t *testing.T) {
	store, cat := setupStore(t)
	r := New(cat)
	resolved, err := r.Resolve(context.Background(), snap(t, store), Query{InstanceID: "SMP101", Target: vaultConfigKey("nonexistent.key")})
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

// Ambiguous tie: two rules at the same scope/selector/updated_at for the
// same target must fail hard rather than pick one arbitrarily.
func TestResolve_AmbiguousTieFailsHard(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "true", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: fixed,
	}))
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r2", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "false", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: fixed,
	}))

	r := New(cat)
	_, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "SMP101", Target: vaultConfigKey("economy.enabled")})
	require.Error(t, err)
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, AmbiguousRule, re.Kind)
}

// Duplicate-rule conflict at the same scope/selector with different
// updated_at: the later one wins.
func TestResolve_LaterUpdatedAtWinsOnTie(t *testing.T) {
	store, cat := setupStore(t)
	ctx := context.Background()
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r1", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "true", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: older,
	}))
	require.NoError(t, store.PutRule(ctx, &rulestore.ConfigRule{
		ID: "r2", Scope: rulestore.ScopeGlobal, Target: vaultConfigKey("economy.enabled"),
		Value: "false", ValueType: rulestore.ValueBool, Active: true, UpdatedAt: newer,
	}))

	r := New(cat)
	resolved, err := r.Resolve(ctx, snap(t, store), Query{InstanceID: "SMP101", Target: vaultConfigKey("economy.enabled")})
	require.NoError(t, err)
	assert.Equal(t, false, resolved.Value)
}

func TestResolve_TypeCoercion(t *testing.T) {
	tests := []struct {
		name    string
		vt      rulestore.ValueType
		literal string
		want    any
		wantErr bool
	}{
		{"int", rulestore.ValueInt, "42", int64(42), false},
		{"zero-fractional float as int", rulestore.ValueInt, "3.0", int64(3), false},
		{"int bad literal", rulestore.ValueInt, "not-a-number", nil, true},
		{"float", rulestore.ValueFloat, "3.14", 3.14, false},
		{"bool true", rulestore.ValueBool, "true", true, false},
		{"list", rulestore.ValueList, "a, b, c", []any{"a", "b", "c"}, false},
		{"map", rulestore.ValueMap, "k1=v1, k2=v2", map[string]any{"k1": "v1", "k2": "v2"}, false},
		{"string passthrough", rulestore.ValueString, "0.0.0.0", "0.0.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.literal, tt.vt)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
