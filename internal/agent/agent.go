package agent

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// markerFileName is the well-known file whose presence marks an instance
// subdirectory active rather than a stopped/archived one.
const markerFileName = ".fleetctl-active"

const needsRestartFileName = ".fleetctl-needs-restart.json"

// ProcessController invokes the host's process-control mechanism to start,
// stop, or restart an instance. Implementations wrap whatever process
// supervisor the host actually runs (systemd unit, AMP-style panel API, a
// plain supervised binary) behind one narrow interface.
type ProcessController interface {
	Restart(ctx context.Context, instance string) error
}

// Agent owns one host's instance root: reading and atomically writing
// config files, tracking which instances need a restart, and driving
// restarts and rollbacks through a ProcessController.
type Agent struct {
	Host         string
	InstanceRoot string
	Version      string

	controller ProcessController
	logger     *slog.Logger

	mu           sync.Mutex
	needsRestart map[string]bool
}

// New returns an Agent rooted at instanceRoot. The needs_restart map is
// loaded from disk if present, so a restarted agent process does not lose
// track of instances still awaiting a restart.
func New(host, instanceRoot string, controller ProcessController, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		Host:         host,
		InstanceRoot: instanceRoot,
		controller:   controller,
		logger:       logger,
		needsRestart: map[string]bool{},
	}
	if err := a.loadNeedsRestart(); err != nil {
		return nil, err
	}
	return a, nil
}

// Status enumerates instance-root subdirectories, marking each active when
// its marker file is present and reporting which still need a restart.
func (a *Agent) Status(_ context.Context) (*StatusReport, error) {
	entries, err := os.ReadDir(a.InstanceRoot)
	if err != nil {
		return nil, fmt.Errorf("agent: reading instance root: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	report := &StatusReport{Host: a.Host, Version: a.Version}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		_, err := os.Stat(filepath.Join(a.InstanceRoot, e.Name(), markerFileName))
		active := err == nil
		report.Instances = append(report.Instances, InstanceStatus{
			Name:         e.Name(),
			Active:       active,
			NeedsRestart: a.needsRestart[e.Name()],
		})
	}
	return report, nil
}

// ReadConfig returns the raw bytes of instance/file with no interpretation.
func (a *Agent) ReadConfig(_ context.Context, instance, file string) ([]byte, error) {
	path, err := a.resolvePath(instance, file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent: reading %s: %w", path, err)
	}
	return data, nil
}

// WriteConfig atomically replaces instance/file with data: write to a
// sibling temp file, fsync, rename over the original. On success it records
// a backup manifest entry under deploymentID (so Rollback can undo exactly
// this deployment's writes) and marks the instance as needing a restart.
func (a *Agent) WriteConfig(_ context.Context, instance, file string, data []byte, deploymentID string) error {
	path, err := a.resolvePath(instance, file)
	if err != nil {
		return err
	}

	prior, readErr := os.ReadFile(path)
	priorExisted := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return fmt.Errorf("agent: reading prior %s: %w", path, readErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("agent: creating directory for %s: %w", path, err)
	}

	if err := atomicWrite(path, data); err != nil {
		return err
	}

	entry := BackupEntry{
		DeploymentID: deploymentID,
		Instance:     instance,
		File:         file,
		PriorBytes:   prior,
		PriorDigest:  digest(prior),
		PriorExisted: priorExisted,
		WrittenAt:    time.Now(),
	}
	if err := a.appendBackup(entry); err != nil {
		return err
	}

	a.mu.Lock()
	a.needsRestart[instance] = true
	err = a.saveNeedsRestartLocked()
	a.mu.Unlock()
	return err
}

// Restart invokes the process controller for instance and clears its
// needs_restart flag on success.
func (a *Agent) Restart(ctx context.Context, instance string) error {
	if err := a.controller.Restart(ctx, instance); err != nil {
		return fmt.Errorf("agent: restarting %s: %w", instance, err)
	}
	a.mu.Lock()
	delete(a.needsRestart, instance)
	err := a.saveNeedsRestartLocked()
	a.mu.Unlock()
	return err
}

// RestartAll restarts every instance currently flagged needs_restart,
// reporting a per-instance outcome rather than failing the whole batch.
func (a *Agent) RestartAll(ctx context.Context) map[string]error {
	a.mu.Lock()
	pending := make([]string, 0, len(a.needsRestart))
	for instance, need := range a.needsRestart {
		if need {
			pending = append(pending, instance)
		}
	}
	a.mu.Unlock()

	results := make(map[string]error, len(pending))
	for _, instance := range pending {
		results[instance] = a.Restart(ctx, instance)
	}
	return results
}

func (a *Agent) resolvePath(instance, file string) (string, error) {
	instanceDir := filepath.Join(a.InstanceRoot, instance)
	if instanceDir != filepath.Join(a.InstanceRoot, filepath.Base(instance)) {
		return "", ErrUnknownInstance
	}
	if info, err := os.Stat(instanceDir); err != nil || !info.IsDir() {
		return "", ErrUnknownInstance
	}
	path := filepath.Join(instanceDir, filepath.FromSlash(file))
	if !strings.HasPrefix(path, instanceDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("agent: file path %q escapes the instance directory", file)
	}
	return path, nil
}

func (a *Agent) loadNeedsRestart() error {
	path := filepath.Join(a.InstanceRoot, needsRestartFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("agent: loading needs_restart: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.Unmarshal(data, &a.needsRestart)
}

// saveNeedsRestartLocked persists the needs_restart map; callers must hold a.mu.
func (a *Agent) saveNeedsRestartLocked() error {
	data, err := json.Marshal(a.needsRestart)
	if err != nil {
		return fmt.Errorf("agent: marshaling needs_restart: %w", err)
	}
	return atomicWrite(filepath.Join(a.InstanceRoot, needsRestartFileName), data)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
