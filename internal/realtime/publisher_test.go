package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameops/fleetctl/internal/drift"
	"github.com/gameops/fleetctl/internal/rulestore"
)

func TestEventPublisher_PublishDriftEvent(t *testing.T) {
	// Use nil metrics to avoid Prometheus registration issues in tests
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	item := drift.Item{
		ID:             "test-item",
		InstanceID:     "CREA01",
		ConfigType:     rulestore.ConfigTypePlugin,
		PluginName:     "Vault",
		ConfigFile:     "config.yml",
		ConfigKey:      "economy.enabled",
		Expected:       false,
		Actual:         true,
		Classification: drift.UnexpectedDrift,
		Severity:       drift.SeverityWarning,
		DetectedAt:     time.Now(),
	}

	err = publisher.PublishDriftEvent(item)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishDeploymentStateChanged(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishDeploymentStateChanged("dep-1", "COMPLETED", "")
	assert.NoError(t, err)
}

func TestEventPublisher_PublishAgentHeartbeat(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishAgentHeartbeat("CREA01", "host-a", time.Now())
	assert.NoError(t, err)
}

func TestEventPublisher_PublishAgentUnreachable(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishAgentUnreachable("CREA01", "host-a", 3)
	assert.NoError(t, err)
}

func TestEventPublisher_PublishSystemNotification(t *testing.T) {
	eventBus := NewEventBus(slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := eventBus.Start(ctx)
	require.NoError(t, err)
	defer eventBus.Stop(context.Background())

	publisher := NewEventPublisher(eventBus, slog.Default(), nil)

	err = publisher.PublishSystemNotification("info", "System maintenance scheduled")
	assert.NoError(t, err)
}

func TestEventPublisher_NilEventBus(t *testing.T) {
	// Publisher should handle nil EventBus gracefully
	publisher := NewEventPublisher(nil, slog.Default(), nil)

	item := drift.Item{InstanceID: "CREA01", ConfigFile: "config.yml", ConfigKey: "economy.enabled"}

	// Should not panic
	err := publisher.PublishDriftEvent(item)
	assert.NoError(t, err) // Returns nil when EventBus is nil
}
