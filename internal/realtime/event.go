// Package realtime fans drift, deployment, and agent-health events out
// to websocket subscribers (the dashboard and `fleetctl --watch`).
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a real-time event broadcast to subscribers.
type Event struct {
	// Type is the event type (drift_detected, deployment_state_changed, agent_heartbeat, etc.)
	Type string `json:"type"`

	// ID is a unique event ID (UUID)
	ID string `json:"id"`

	// Data is the event payload (varies by event type)
	Data map[string]interface{} `json:"data"`

	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Source is the event source (drift_engine, deployment_orchestrator, scheduler, etc.)
	Source string `json:"source"`

	// Sequence is a sequence number for event ordering (monotonically increasing)
	Sequence int64 `json:"sequence"`
}

// EventType constants the controller pushes to dashboard/CLI subscribers.
const (
	// Drift Events
	EventTypeDriftDetected = "drift_detected"

	// Deployment Events
	EventTypeDeploymentStateChanged = "deployment_state_changed"

	// Agent Events
	EventTypeAgentHeartbeat    = "agent_heartbeat"
	EventTypeAgentUnreachable  = "agent_unreachable"

	// System Events
	EventTypeSystemNotification = "system_notification"
)

// EventSource constants.
const (
	EventSourceDriftEngine  = "drift_engine"
	EventSourceOrchestrator = "deployment_orchestrator"
	EventSourceScheduler    = "scheduler"
	EventSourceSystem       = "system"
)

// EventFilter narrows the events a subscriber receives to a scope, mirroring
// the instance|host filters the Controller's drift report endpoint accepts,
// so a dashboard or `fleetctl ... --watch` session can follow a single
// instance or host instead of the whole fleet's event stream.
//
// A zero-value EventFilter (or one built with no scoping values) matches
// every event. Event types are matched exactly; instance/host scoping only
// applies to events whose Data carries the corresponding field - events with
// no instance_id/host (deployment state changes, system notifications)
// always pass through, since they are not fleet-scoped to begin with.
type EventFilter struct {
	instanceIDs map[string]struct{}
	hosts       map[string]struct{}
	types       map[string]struct{}
}

// NewEventFilter builds an EventFilter from the instance ids, hosts, and
// event types to scope to. An empty slice for any dimension leaves that
// dimension unfiltered.
func NewEventFilter(instanceIDs, hosts, types []string) EventFilter {
	return EventFilter{
		instanceIDs: toSet(instanceIDs),
		hosts:       toSet(hosts),
		types:       toSet(types),
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// IsEmpty reports whether the filter scopes nothing, i.e. it matches every event.
func (f EventFilter) IsEmpty() bool {
	return len(f.instanceIDs) == 0 && len(f.hosts) == 0 && len(f.types) == 0
}

// Matches reports whether event passes this filter's scoping.
func (f EventFilter) Matches(event Event) bool {
	if len(f.types) > 0 {
		if _, ok := f.types[event.Type]; !ok {
			return false
		}
	}

	if len(f.instanceIDs) > 0 {
		if instanceID, ok := event.Data["instance_id"].(string); ok {
			if _, match := f.instanceIDs[instanceID]; !match {
				return false
			}
		}
	}

	if len(f.hosts) > 0 {
		if host, ok := event.Data["host"].(string); ok {
			if _, match := f.hosts[host]; !match {
				return false
			}
		}
	}

	return true
}

// NewEvent creates a new Event with the given type, data, and source.
func NewEvent(eventType string, data map[string]interface{}, source string) *Event {
	return &Event{
		Type:      eventType,
		ID:        generateEventID(),
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Sequence:  0, // Will be set by EventBus
	}
}

// generateEventID generates a unique event ID (UUID).
func generateEventID() string {
	return uuid.New().String()
}
