package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeController struct {
	restarted []string
	failNext  bool
}

func (f *fakeController) Restart(_ context.Context, instance string) error {
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	f.restarted = append(f.restarted, instance)
	return nil
}

func newTestAgent(t *testing.T) (*Agent, *fakeController) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "survival-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "survival-1", markerFileName), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "creative-1"), 0o755))

	ctrl := &fakeController{}
	a, err := New("host-a", root, ctrl, nil)
	require.NoError(t, err)
	return a, ctrl
}

func TestAgent_StatusReportsActiveAndInactive(t *testing.T) {
	a, _ := newTestAgent(t)
	report, err := a.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Instances, 2)

	byName := map[string]InstanceStatus{}
	for _, inst := range report.Instances {
		byName[inst.Name] = inst
	}
	require.True(t, byName["survival-1"].Active)
	require.False(t, byName["creative-1"].Active)
}

func TestAgent_ReadConfig_NotFound(t *testing.T) {
	a, _ := newTestAgent(t)
	_, err := a.ReadConfig(context.Background(), "survival-1", "server.properties")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgent_ReadConfig_UnknownInstance(t *testing.T) {
	a, _ := newTestAgent(t)
	_, err := a.ReadConfig(context.Background(), "nope", "server.properties")
	require.ErrorIs(t, err, ErrUnknownInstance)
}

func TestAgent_WriteConfig_SetsNeedsRestartAndPersists(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("max-players=20\n"), "deploy-1"))

	data, err := a.ReadConfig(ctx, "survival-1", "server.properties")
	require.NoError(t, err)
	require.Equal(t, "max-players=20\n", string(data))

	report, err := a.Status(ctx)
	require.NoError(t, err)
	for _, inst := range report.Instances {
		if inst.Name == "survival-1" {
			require.True(t, inst.NeedsRestart)
		}
	}

	// A fresh Agent pointed at the same root picks up the persisted flag.
	reloaded, err := New(a.Host, a.InstanceRoot, &fakeController{}, nil)
	require.NoError(t, err)
	report2, err := reloaded.Status(ctx)
	require.NoError(t, err)
	for _, inst := range report2.Instances {
		if inst.Name == "survival-1" {
			require.True(t, inst.NeedsRestart, "needs_restart must survive an agent restart")
		}
	}
}

func TestAgent_RestartClearsNeedsRestart(t *testing.T) {
	a, ctrl := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("x"), "deploy-1"))

	require.NoError(t, a.Restart(ctx, "survival-1"))
	require.Equal(t, []string{"survival-1"}, ctrl.restarted)

	report, err := a.Status(ctx)
	require.NoError(t, err)
	for _, inst := range report.Instances {
		if inst.Name == "survival-1" {
			require.False(t, inst.NeedsRestart)
		}
	}
}

func TestAgent_RestartFailurePreservesNeedsRestart(t *testing.T) {
	a, ctrl := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("x"), "deploy-1"))

	ctrl.failNext = true
	require.Error(t, a.Restart(ctx, "survival-1"))

	report, err := a.Status(ctx)
	require.NoError(t, err)
	for _, inst := range report.Instances {
		if inst.Name == "survival-1" {
			require.True(t, inst.NeedsRestart, "a failed restart must not clear the flag")
		}
	}
}

func TestAgent_RollbackRestoresPriorContentAndRemovesNewFile(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("max-players=20\n"), "deploy-1"))
	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("max-players=99\n"), "deploy-2"))
	require.NoError(t, a.WriteConfig(ctx, "survival-1", "new-file.yml", []byte("fresh: true\n"), "deploy-2"))

	require.NoError(t, a.Rollback(ctx, "deploy-2"))

	data, err := a.ReadConfig(ctx, "survival-1", "server.properties")
	require.NoError(t, err)
	require.Equal(t, "max-players=20\n", string(data))

	_, err = a.ReadConfig(ctx, "survival-1", "new-file.yml")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAgent_RollbackUnknownDeploymentIsNoop(t *testing.T) {
	a, _ := newTestAgent(t)
	require.NoError(t, a.Rollback(context.Background(), "never-happened"))
}

func TestAgent_PruneBackupsRemovesOnlyExpiredManifests(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.WriteConfig(ctx, "survival-1", "server.properties", []byte("max-players=20\n"), "deploy-old"))
	require.NoError(t, a.WriteConfig(ctx, "survival-1", "bukkit.yml", []byte("spawn-limits:\n  monsters: 70\n"), "deploy-new"))

	// A cutoff in the past expires nothing.
	pruned, err := a.PruneBackups(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, pruned)
	require.NoError(t, a.Rollback(ctx, "deploy-old"))

	// A cutoff in the future expires every remaining manifest.
	pruned, err = a.PruneBackups(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	// Rolling back a pruned deployment is a no-op: its manifest is gone.
	require.NoError(t, a.Rollback(ctx, "deploy-new"))
	data, err := a.ReadConfig(ctx, "survival-1", "bukkit.yml")
	require.NoError(t, err)
	require.Equal(t, "spawn-limits:\n  monsters: 70\n", string(data))
}
