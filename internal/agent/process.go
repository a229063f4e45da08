package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// ExecProcessController restarts an instance by invoking an external
// process-control command (a wrapper script, a supervisor CLI, or an
// AMP-style panel's command-line client) with the instance name as its
// final argument, capturing combined output for the error report.
type ExecProcessController struct {
	// Command is the executable to run, e.g. "/usr/local/bin/mcsupervisor".
	Command string
	// Args are prepended before the instance name, e.g. []string{"restart"}.
	Args   []string
	Logger *slog.Logger
}

// Restart runs Command Args... instance and returns a typed error with the
// combined output on failure.
func (c *ExecProcessController) Restart(ctx context.Context, instance string) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append(append([]string(nil), c.Args...), instance)
	cmd := exec.CommandContext(ctx, c.Command, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("process restart failed", "instance", instance, "error", err, "output", string(output))
		return fmt.Errorf("agent: process controller restart of %q failed: %w", instance, err)
	}
	logger.Info("instance restarted", "instance", instance)
	return nil
}
