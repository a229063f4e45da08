package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/config"
	"github.com/gameops/fleetctl/internal/registry"
	"github.com/gameops/fleetctl/internal/rulestore"
	"github.com/gameops/fleetctl/internal/rulestore/memory"
	"github.com/gameops/fleetctl/pkg/logger"
)

func testLogger() *logger.Config {
	return &logger.Config{Level: "error", Format: "json", Output: "stdout"}
}

func TestOpenStoreLiteWithoutDSNFallsBackToMemory(t *testing.T) {
	settings := &config.Settings{Profile: config.ProfileLite}
	log := logger.NewLogger(*testLogger())

	store, closeFn, pool, err := openStore(context.Background(), settings, log)
	require.NoError(t, err)
	defer closeFn()
	require.Nil(t, pool, "lite profile has no postgres pool to sample")

	_, isMemory := store.(*memory.Store)
	require.True(t, isMemory, "expected in-memory store when lite profile has no DSN configured")
}

func TestOpenStoreLiteWithDSNOpensSQLite(t *testing.T) {
	dir := t.TempDir()
	settings := &config.Settings{
		Profile:      config.ProfileLite,
		RuleStoreDSN: dir + "/rules.db",
	}
	log := logger.NewLogger(*testLogger())

	store, closeFn, pool, err := openStore(context.Background(), settings, log)
	require.NoError(t, err)
	defer closeFn()
	require.NotNil(t, store)
	require.Nil(t, pool)
}

func TestBuildClientForMapsEachConfiguredHost(t *testing.T) {
	settings := &config.Settings{
		Deployment: config.DeploymentSettings{RPCDeadline: 5 * time.Second},
		Agents: []config.AgentEndpoint{
			{Host: "host-a", Endpoint: "http://host-a:8181"},
			{Host: "host-b", Endpoint: "http://host-b:8181"},
		},
	}

	clientFor := buildClientFor(settings)

	_, ok := clientFor("host-a")
	require.True(t, ok)
	_, ok = clientFor("host-b")
	require.True(t, ok)
	_, ok = clientFor("host-missing")
	require.False(t, ok)
}

func TestSeedCatalogRegistersPlatformLevelFiles(t *testing.T) {
	catalog := registry.New()
	seedCatalog(catalog)

	paper, ok := catalog.Lookup("paper-platform")
	require.True(t, ok)
	require.Equal(t, rulestore.PlatformPaper, paper.Platform)
	require.Contains(t, paper.ConfigFiles, "server.properties")

	velocity, ok := catalog.Lookup("velocity-platform")
	require.True(t, ok)
	require.Equal(t, rulestore.PlatformVelocity, velocity.Platform)

	geyser, ok := catalog.Lookup("geyser-platform")
	require.True(t, ok)
	require.Equal(t, rulestore.PlatformGeyser, geyser.Platform)
}
