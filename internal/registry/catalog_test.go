package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/rulestore"
)

func TestCatalog_RegisterAndLookup(t *testing.T) {
	c := New()
	c.Register(&Plugin{Name: "Geyser", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})

	p, ok := c.Lookup("Geyser")
	require.True(t, ok)
	assert.Equal(t, rulestore.PlatformPaper, p.Platform)
}

func TestCatalog_AddonFoldsIntoParent(t *testing.T) {
	c := New()
	c.Register(&Plugin{Name: "LuckPerms", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})
	c.Register(&Plugin{Name: "LuckPerms-Bridge", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"bridge.yml"}, Parent: "LuckPerms"})

	p, ok := c.Lookup("LuckPerms-Bridge")
	require.True(t, ok)
	assert.Equal(t, "LuckPerms", p.Name, "addon lookup resolves to parent")

	files := c.ConfigFilesFor("LuckPerms")
	assert.ElementsMatch(t, []string{"config.yml", "bridge.yml"}, files)
}

func TestCatalog_ConfigFilesFor_DedupesAcrossAddons(t *testing.T) {
	c := New()
	c.Register(&Plugin{Name: "Base", Platform: rulestore.PlatformPaper, ConfigFiles: []string{"config.yml"}})
	c.Register(&Plugin{Name: "AddonA", ConfigFiles: []string{"config.yml", "a.yml"}, Parent: "Base"})
	c.Register(&Plugin{Name: "AddonB", ConfigFiles: []string{"b.yml"}, Parent: "Base"})

	files := c.ConfigFilesFor("Base")
	assert.ElementsMatch(t, []string{"config.yml", "a.yml", "b.yml"}, files)
}

func TestCatalog_QuarantineBlocksParticipationUntilClassified(t *testing.T) {
	c := New()
	c.Quarantine("MysteryPlugin")
	assert.True(t, c.IsQuarantined("MysteryPlugin"))

	_, ok := c.Lookup("MysteryPlugin")
	assert.False(t, ok, "a quarantined plugin has no catalog entry")

	c.Register(&Plugin{Name: "MysteryPlugin", Platform: rulestore.PlatformVelocity})
	assert.False(t, c.IsQuarantined("MysteryPlugin"), "registering classifies and clears quarantine")
}

func TestCatalog_PlatformMatches(t *testing.T) {
	c := New()
	c.Register(&Plugin{Name: "Geyser", Platform: rulestore.PlatformPaper})
	c.Quarantine("Unknown")

	standardTarget := rulestore.Target{ConfigType: rulestore.ConfigTypeStandard, ConfigFile: "server.properties"}
	assert.True(t, c.PlatformMatches(standardTarget, rulestore.PlatformVelocity), "standard targets apply on every platform")

	pluginTarget := rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Geyser"}
	assert.True(t, c.PlatformMatches(pluginTarget, rulestore.PlatformPaper))
	assert.False(t, c.PlatformMatches(pluginTarget, rulestore.PlatformVelocity), "cross-platform rule is inert, not an error")

	quarantinedTarget := rulestore.Target{ConfigType: rulestore.ConfigTypePlugin, PluginName: "Unknown"}
	assert.False(t, c.PlatformMatches(quarantinedTarget, rulestore.PlatformPaper), "quarantined plugin never matches")
}

func TestInventory_HeartbeatMissThreshold(t *testing.T) {
	inv := NewInventory()
	now := time.Unix(1700000000, 0)

	inv.RecordHeartbeat("host-1", "1.0.0", now)
	assert.True(t, inv.IsReachable("host-1"))

	became := inv.RecordMiss("host-1")
	assert.False(t, became, "one miss does not yet trip the threshold")
	assert.True(t, inv.IsReachable("host-1"))

	became = inv.RecordMiss("host-1")
	assert.True(t, became, "second consecutive miss trips UNREACHABLE")
	assert.False(t, inv.IsReachable("host-1"))

	inv.RecordHeartbeat("host-1", "1.0.0", now.Add(time.Minute))
	assert.True(t, inv.IsReachable("host-1"), "a fresh heartbeat clears UNREACHABLE")
}

func TestInventory_UnknownHostDefaultsReachable(t *testing.T) {
	inv := NewInventory()
	assert.True(t, inv.IsReachable("never-seen"))
}
