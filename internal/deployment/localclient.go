package deployment

import (
	"context"
	"errors"

	"github.com/gameops/fleetctl/internal/agent"
)

// LocalAgentClient adapts an in-process *agent.Agent to the AgentClient
// interface, for the `lite` deployment profile where the controller and a
// single agent share one process and filesystem.
type LocalAgentClient struct {
	Agent *agent.Agent
}

func (c LocalAgentClient) ReadConfig(ctx context.Context, instance, file string) ([]byte, error) {
	data, err := c.Agent.ReadConfig(ctx, instance, file)
	if errors.Is(err, agent.ErrNotFound) {
		return nil, ErrObservedNotFound
	}
	return data, err
}

func (c LocalAgentClient) WriteConfig(ctx context.Context, instance, file string, data []byte, deploymentID string) error {
	return c.Agent.WriteConfig(ctx, instance, file, data, deploymentID)
}

func (c LocalAgentClient) Restart(ctx context.Context, instance string) error {
	return c.Agent.Restart(ctx, instance)
}

func (c LocalAgentClient) Rollback(ctx context.Context, deploymentID string) error {
	return c.Agent.Rollback(ctx, deploymentID)
}
