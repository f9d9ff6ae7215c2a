package docker

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
)

// CommandRunner runs a host command and returns its combined output
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	slog.Debug("Executing command", "command", name, "args", args, "dir", dir)

	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode(), nil
	}
	return string(out), -1, err
}
