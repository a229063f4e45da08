//go:build integration
// +build integration

package postgres

import (
	"context"
	"log/slog"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gameops/fleetctl/internal/migrations"
	"github.com/gameops/fleetctl/internal/rulestore"
)

// newTestStore starts a disposable Postgres container, applies the
// fleetctl schema with the goose-based migration manager, and returns a
// Store wired against it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("fleetctl_test"),
		tcpostgres.WithUsername("fleetctl"),
		tcpostgres.WithPassword("fleetctl"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	mgr, err := migrations.NewMigrationManager(&migrations.MigrationConfig{
		Driver:  "pgx",
		DSN:     dsn,
		Dialect: "postgres",
		Dir:     "../../../migrations",
		Table:   "goose_db_version",
		Timeout: 30 * time.Second,
		Logger:  slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Connect(ctx))
	require.NoError(t, mgr.Up(ctx))
	t.Cleanup(func() { _ = mgr.Disconnect(ctx) })

	pgCfg, err := ParseDSN(dsn)
	require.NoError(t, err)

	pool := NewPostgresPool(pgCfg, slog.Default())
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Disconnect(ctx) })

	return NewStore(pool)
}

func TestStorePutRuleAndGetRulesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rule := &rulestore.ConfigRule{
		ID:       "rule-1",
		Scope:    rulestore.ScopeGlobal,
		Target:   rulestore.Target{ConfigType: rulestore.ConfigTypeStandard, ConfigFile: "server.properties", ConfigKey: "view-distance"},
		Value:    "10",
		ValueType: rulestore.ValueInt,
		Active:    true,
		CreatedBy: "integration-test",
	}
	require.NoError(t, store.PutRule(ctx, rule))

	rules, err := store.GetRules(ctx, rulestore.Filter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, rule.Value, rules[0].Value)

	require.NoError(t, store.DeactivateRule(ctx, rule.ID))
	rules, err = store.GetRules(ctx, rulestore.Filter{ActiveOnly: true})
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestStoreInstanceLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	host := &rulestore.Host{Name: "host-a"}
	require.NoError(t, store.PutHost(ctx, host))

	instance := &rulestore.Instance{
		ID:       "survival-1",
		Name:     "survival-1",
		Host:     "host-a",
		Platform: rulestore.PlatformPaper,
		Port:     25565,
		Active:   true,
	}
	require.NoError(t, store.PutInstance(ctx, instance))

	instances, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, instance.ID, instances[0].ID)

	require.NoError(t, store.DeactivateInstance(ctx, instance.ID))
	instances, err = store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.False(t, instances[0].Active)
}
