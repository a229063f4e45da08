// Package controller is the singleton coordination point: it
// holds the authoritative instance registry merged from every agent's
// status(), routes queries and commands to the right agent by host, and
// aggregates multi-instance operations into a per-instance outcome rather
// than an all-or-nothing result.
package controller

import (
	"context"

	"github.com/gameops/fleetctl/internal/deployment"
)

// InstanceStatus mirrors agent.InstanceStatus without importing the agent
// package's filesystem-bound implementation - the controller only ever
// talks to agents through the AgentClient RPC surface.
type InstanceStatus struct {
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	NeedsRestart bool   `json:"needs_restart"`
}

// AgentStatus mirrors agent.StatusReport.
type AgentStatus struct {
	Host      string           `json:"host"`
	Instances []InstanceStatus `json:"instances"`
	Version   string           `json:"version"`
}

// AgentClient is the controller's view of one host's agent: the
// deployment.AgentClient surface (read/write/restart/rollback) plus
// Status, which only the controller's discovery task needs.
type AgentClient interface {
	deployment.AgentClient
	Status(ctx context.Context) (*AgentStatus, error)
}

// ToDeploymentClientFor narrows a controller ClientFor to the
// deployment.ClientFor the Orchestrator expects. Both resolve the same
// underlying per-host clients; only the declared return type differs, so
// callers wiring cmd/controllerd build the Orchestrator from this adapter
// and the Controller from the original.
func ToDeploymentClientFor(cf ClientFor) deployment.ClientFor {
	return func(host string) (deployment.AgentClient, bool) {
		client, ok := cf(host)
		if !ok {
			return nil, false
		}
		return client, true
	}
}
