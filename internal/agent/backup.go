package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const backupDirName = ".fleetctl-backups"

func (a *Agent) manifestPath(deploymentID string) string {
	return filepath.Join(a.InstanceRoot, backupDirName, deploymentID+".json")
}

// appendBackup adds entry to its deployment's manifest file. Manifests are
// append-only within a deployment: WriteConfig may be called many times for
// the same deployment (one per changed file) before a Rollback.
func (a *Agent) appendBackup(entry BackupEntry) error {
	dir := filepath.Join(a.InstanceRoot, backupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("agent: creating backup directory: %w", err)
	}

	entries, err := a.readManifest(entry.DeploymentID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("agent: marshaling backup manifest: %w", err)
	}
	return atomicWrite(a.manifestPath(entry.DeploymentID), data)
}

func (a *Agent) readManifest(deploymentID string) ([]BackupEntry, error) {
	data, err := os.ReadFile(a.manifestPath(deploymentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent: reading backup manifest: %w", err)
	}
	var entries []BackupEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("agent: parsing backup manifest: %w", err)
	}
	return entries, nil
}

// PruneBackups removes every backup manifest whose last write is older than
// cutoff, returning how many manifests were removed. A manifest is kept as
// long as any entry in it is newer than cutoff - retention is per
// deployment, not per file.
func (a *Agent) PruneBackups(cutoff time.Time) (int, error) {
	dir := filepath.Join(a.InstanceRoot, backupDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("agent: reading backup directory: %w", err)
	}

	pruned := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		deploymentID := e.Name()[:len(e.Name())-len(".json")]
		manifest, err := a.readManifest(deploymentID)
		if err != nil {
			return pruned, err
		}
		expired := len(manifest) > 0
		for _, entry := range manifest {
			if entry.WrittenAt.After(cutoff) {
				expired = false
				break
			}
		}
		if !expired {
			continue
		}
		if err := os.Remove(a.manifestPath(deploymentID)); err != nil && !os.IsNotExist(err) {
			return pruned, fmt.Errorf("agent: pruning backup manifest %s: %w", deploymentID, err)
		}
		pruned++
	}
	return pruned, nil
}

// Rollback restores every file deploymentID wrote to its prior content, in
// reverse write order, and removes the deployment's manifest once done. A
// file that did not exist before the deployment is removed rather than
// restored to empty content.
func (a *Agent) Rollback(_ context.Context, deploymentID string) error {
	entries, err := a.readManifest(deploymentID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		path, perr := a.resolvePath(e.Instance, e.File)
		if perr != nil {
			return perr
		}
		if !e.PriorExisted {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("agent: removing %s during rollback: %w", path, err)
			}
			continue
		}
		if err := atomicWrite(path, e.PriorBytes); err != nil {
			return err
		}
	}

	if err := os.Remove(a.manifestPath(deploymentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("agent: removing backup manifest: %w", err)
	}
	return nil
}
