// Package agent runs on every host, owning the local filesystem under an
// instance root and the right to restart instances.
package agent

import (
	"errors"
	"time"
)

// ErrNotFound is returned by ReadConfig when the requested file does not
// exist under the instance root.
var ErrNotFound = errors.New("agent: config file not found")

// ErrUnknownInstance is returned when an operation names an instance that
// is not a subdirectory of the instance root.
var ErrUnknownInstance = errors.New("agent: unknown instance")

// InstanceStatus describes one subdirectory of the instance root.
type InstanceStatus struct {
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	NeedsRestart bool   `json:"needs_restart"`
}

// StatusReport is the return value of Agent.Status. The JSON tags are the
// wire format agent.Server serves and controller.HTTPAgentClient decodes.
type StatusReport struct {
	Host      string           `json:"host"`
	Instances []InstanceStatus `json:"instances"`
	Version   string           `json:"version"`
}

// BackupEntry records the prior state of one file overwritten by a
// deployment, so Rollback can restore it. Entries are grouped by
// DeploymentID so a rollback only touches the files one deployment wrote.
type BackupEntry struct {
	DeploymentID string
	Instance     string
	File         string
	PriorBytes   []byte
	PriorDigest  string
	PriorExisted bool
	WrittenAt    time.Time
}
