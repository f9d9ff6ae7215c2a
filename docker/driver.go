// Package docker drives containers through the Docker Engine API and the
// docker compose CLI. All process execution in sitedock goes through here.
package docker

import (
	"context"
	"strings"

	"github.com/sitedock/sitedock/domain"
)

// ExecOptions tune a command run inside a container
type ExecOptions struct {
	User    string
	WorkDir string
	Env     []string
}

// ExecResult is the outcome of a command run inside a container. ExitCode
// is -1 when the command could not be started at all; Output then holds
// the reason.
type ExecResult struct {
	ExitCode int
	Output   string
}

func (r ExecResult) OK() bool {
	return r.ExitCode == 0
}

// Err converts a failed result into an ExternalToolError
func (r ExecResult) Err(tool string, cmd []string) error {
	if r.OK() {
		return nil
	}
	return &domain.ExternalToolError{
		Tool:     tool,
		Command:  strings.Join(cmd, " "),
		ExitCode: r.ExitCode,
		Output:   r.Output,
	}
}

// CommandResult is the outcome of a compose verb or a detached launch
type CommandResult struct {
	Success  bool
	Output   string
	Command  string
	ExitCode int
	PID      int
}

// Err converts a failed result into an ExternalToolError
func (r CommandResult) Err() error {
	if r.Success {
		return nil
	}
	return &domain.ExternalToolError{
		Tool:     "docker",
		Command:  r.Command,
		ExitCode: r.ExitCode,
		Output:   r.Output,
	}
}

// Driver is the container runtime as seen by the rest of sitedock
type Driver interface {
	// Exec runs cmd inside a running container. It never returns an error;
	// failures are reported through the result.
	Exec(ctx context.Context, container string, cmd []string, opts ExecOptions) ExecResult
	// InspectStatus reports the runtime status of a container, or unknown
	InspectStatus(ctx context.Context, container string) domain.SiteStatus
	// ContainerEnv returns the environment a container was started with
	ContainerEnv(ctx context.Context, container string) (map[string]string, error)

	Up(ctx context.Context, manifestPath string) CommandResult
	Down(ctx context.Context, manifestPath string, removeVolumes bool) CommandResult
	Restart(ctx context.Context, manifestPath string) CommandResult
	RecreateService(ctx context.Context, manifestPath, service string) CommandResult

	// StartDetached launches a process in its own session that outlives the
	// caller, appending its output to logPath.
	StartDetached(ctx context.Context, command []string, logPath string) CommandResult
}

// ParseEnv turns KEY=VALUE entries into a map. Later entries win.
func ParseEnv(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}
