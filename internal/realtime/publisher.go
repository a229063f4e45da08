package realtime

import (
	"log/slog"
	"time"

	"github.com/gameops/fleetctl/internal/drift"
)

// EventPublisher publishes events to EventBus from various sources.
type EventPublisher struct {
	eventBus *DefaultEventBus
	logger   *slog.Logger
	metrics  *RealtimeMetrics
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(eventBus *DefaultEventBus, logger *slog.Logger, metrics *RealtimeMetrics) *EventPublisher {
	return &EventPublisher{
		eventBus: eventBus,
		logger:   logger.With("component", "event_publisher"),
		metrics:  metrics,
	}
}

// PublishDriftEvent publishes a single drift finding discovered by a scan.
// Only non-None classifications are worth pushing; callers filter upstream.
func (p *EventPublisher) PublishDriftEvent(item drift.Item) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"instance_id":    item.InstanceID,
		"config_file":    item.ConfigFile,
		"config_key":     item.ConfigKey,
		"classification": string(item.Classification),
		"severity":       string(item.Severity),
		"expected":       item.Expected,
		"actual":         item.Actual,
	}
	if item.PluginName != "" {
		data["plugin_name"] = item.PluginName
	}
	if item.Reason != "" {
		data["reason"] = item.Reason
	}

	event := NewEvent(EventTypeDriftDetected, data, EventSourceDriftEngine)
	return p.eventBus.Publish(*event)
}

// PublishDeploymentStateChanged publishes a deployment's state transition.
func (p *EventPublisher) PublishDeploymentStateChanged(deploymentID string, state string, reason string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"deployment_id": deploymentID,
		"state":         state,
	}
	if reason != "" {
		data["reason"] = reason
	}

	event := NewEvent(EventTypeDeploymentStateChanged, data, EventSourceOrchestrator)
	return p.eventBus.Publish(*event)
}

// PublishAgentHeartbeat publishes a successful heartbeat observation.
func (p *EventPublisher) PublishAgentHeartbeat(instanceID string, host string, observedAt time.Time) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"instance_id": instanceID,
		"host":        host,
		"observed_at": observedAt.Format(time.RFC3339),
	}

	event := NewEvent(EventTypeAgentHeartbeat, data, EventSourceScheduler)
	return p.eventBus.Publish(*event)
}

// PublishAgentUnreachable publishes a heartbeat-miss transition to
// UNREACHABLE.
func (p *EventPublisher) PublishAgentUnreachable(instanceID string, host string, missedCount int) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"instance_id":  instanceID,
		"host":         host,
		"missed_count": missedCount,
	}

	event := NewEvent(EventTypeAgentUnreachable, data, EventSourceScheduler)
	return p.eventBus.Publish(*event)
}

// PublishSystemNotification publishes a system notification event.
func (p *EventPublisher) PublishSystemNotification(level string, message string) error {
	if p.eventBus == nil {
		return nil // EventBus not initialized, skip
	}

	data := map[string]interface{}{
		"level":   level, // info, warning, error
		"message": message,
	}

	event := NewEvent(EventTypeSystemNotification, data, EventSourceSystem)
	return p.eventBus.Publish(*event)
}
