package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExampleDeploymentLock demonstrates the lock key format
// deployment.Orchestrator uses to serialize Execute/Rollback for one
// deployment id across controller replicas: only one replica advances a
// given deployment at a time, the rest back off without side effects.
func ExampleDeploymentLock() {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	config := &LockConfig{
		TTL:            60 * time.Second,
		MaxRetries:     5,
		RetryInterval:  200 * time.Millisecond,
		AcquireTimeout: 10 * time.Second,
		ReleaseTimeout: 5 * time.Second,
		ValuePrefix:    "fleetctl-deploy",
	}

	manager := NewLockManager(client, config, nil)
	ctx := context.Background()

	deploymentID := "dep-0001"

	if _, err := manager.AcquireDeploymentLock(ctx, deploymentID); err != nil {
		fmt.Printf("deployment %s is already being executed by another controller\n", deploymentID)
		return
	}

	// Execute's backup/write/verify/restart pipeline runs here.
	fmt.Printf("executing deployment: %s\n", deploymentID)

	if err := manager.ReleaseDeploymentLock(ctx, deploymentID); err != nil {
		fmt.Printf("failed to release lock: %v\n", err)
	}
}
