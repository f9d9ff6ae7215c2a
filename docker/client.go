package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sitedock/sitedock/domain"
)

// engineAPI is the part of the Docker Engine API sitedock uses
type engineAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// Options configure a Client
type Options struct {
	Host           string
	Command        string
	Binaries       []string
	CommandTimeout time.Duration
}

// Client implements Driver with the Engine API, falling back to the docker
// CLI when the API is unavailable.
type Client struct {
	engine engineAPI
	runner CommandRunner
	opts   Options
}

var _ Driver = (*Client)(nil)

// NewClient connects to the Docker Engine. A connection failure is not
// fatal: every call then goes through the CLI.
func NewClient(opts Options) *Client {
	c := &Client{runner: ExecRunner{}, opts: opts}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		slog.Warn("Docker API unavailable, using CLI only", "host", opts.Host, "error", err)
		return c
	}
	c.engine = cli
	return c
}

// NewClientWithRunner builds a CLI-only client around runner
func NewClientWithRunner(opts Options, runner CommandRunner) *Client {
	return &Client{runner: runner, opts: opts}
}

// Close closes the Docker client
func (c *Client) Close() error {
	if c.engine != nil {
		return c.engine.Close()
	}
	return nil
}

func (c *Client) Exec(ctx context.Context, containerName string, cmd []string, opts ExecOptions) ExecResult {
	if len(cmd) == 0 {
		return ExecResult{ExitCode: -1, Output: "empty command"}
	}
	if c.engine != nil {
		result, err := c.execAPI(ctx, containerName, cmd, opts)
		if err == nil {
			return result
		}
		slog.Debug("Docker API exec failed, falling back to CLI",
			"container", containerName,
			"error", err)
	}
	return c.execCLI(ctx, containerName, cmd, opts)
}

func (c *Client) execAPI(ctx context.Context, containerName string, cmd []string, opts ExecOptions) (ExecResult, error) {
	created, err := c.engine.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attached, err := c.engine.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attached.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attached.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read output: %w", err)
	}

	inspected, err := c.engine.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return ExecResult{ExitCode: inspected.ExitCode, Output: out.String()}, nil
}

func (c *Client) execCLI(ctx context.Context, containerName string, cmd []string, opts ExecOptions) ExecResult {
	args := []string{"exec"}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	for _, env := range opts.Env {
		args = append(args, "--env", env)
	}
	args = append(args, containerName)
	args = append(args, cmd...)

	out, code, err := c.runDocker(ctx, "", args...)
	if err != nil {
		return ExecResult{ExitCode: -1, Output: strings.TrimSpace(out + "\n" + err.Error())}
	}
	return ExecResult{ExitCode: code, Output: out}
}

func (c *Client) InspectStatus(ctx context.Context, containerName string) domain.SiteStatus {
	if c.engine != nil {
		inspected, err := c.engine.ContainerInspect(ctx, containerName)
		if err == nil && inspected.ContainerJSONBase != nil && inspected.State != nil {
			return domain.StatusFromRuntimeState(string(inspected.State.Status))
		}
		slog.Debug("Docker API inspect failed, falling back to CLI",
			"container", containerName,
			"error", err)
	}

	for _, binary := range c.candidateBinaries() {
		out, code, err := c.runner.Run(ctx, "", binary, "inspect", "--format", "{{.State.Status}}", containerName)
		if err != nil || code != 0 {
			continue
		}
		return domain.StatusFromRuntimeState(strings.TrimSpace(out))
	}
	return domain.SiteStatusUnknown
}

func (c *Client) ContainerEnv(ctx context.Context, containerName string) (map[string]string, error) {
	if c.engine != nil {
		inspected, err := c.engine.ContainerInspect(ctx, containerName)
		if err == nil && inspected.Config != nil {
			return ParseEnv(inspected.Config.Env), nil
		}
	}

	out, code, err := c.runDocker(ctx, "", "inspect", "--format", "{{json .Config.Env}}", containerName)
	if err != nil || code != 0 {
		return nil, &domain.ExternalToolError{
			Tool:     "docker",
			Command:  "docker inspect " + containerName,
			ExitCode: code,
			Output:   out,
		}
	}

	var entries []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse environment of %s: %w", containerName, err)
	}
	return ParseEnv(entries), nil
}

func (c *Client) Up(ctx context.Context, manifestPath string) CommandResult {
	return c.compose(ctx, manifestPath, "up", "--detach", "--remove-orphans", "--quiet-pull")
}

func (c *Client) Down(ctx context.Context, manifestPath string, removeVolumes bool) CommandResult {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return c.compose(ctx, manifestPath, args...)
}

func (c *Client) Restart(ctx context.Context, manifestPath string) CommandResult {
	return c.compose(ctx, manifestPath, "restart")
}

func (c *Client) RecreateService(ctx context.Context, manifestPath, service string) CommandResult {
	return c.compose(ctx, manifestPath, "up", "--detach", "--force-recreate", "--no-deps", service)
}

func (c *Client) compose(ctx context.Context, manifestPath string, verb ...string) CommandResult {
	if c.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CommandTimeout)
		defer cancel()
	}

	dir := filepath.Dir(manifestPath)
	args := []string{"compose", "--project-directory", dir, "--file", manifestPath}
	args = append(args, verb...)
	command := c.dockerCommand() + " " + strings.Join(args, " ")

	out, code, err := c.runDocker(ctx, dir, args...)
	if err != nil || code != 0 {
		if err != nil {
			out = strings.TrimSpace(out + "\n" + err.Error())
		}
		slog.Error("Service operation failed",
			"layer", "docker",
			"operation", "compose_"+verb[0],
			"manifest", manifestPath,
			"exit_code", code,
			"output", out)
		return CommandResult{Success: false, Output: out, Command: command, ExitCode: code}
	}
	return CommandResult{Success: true, Output: out, Command: command}
}

func (c *Client) StartDetached(ctx context.Context, command []string, logPath string) CommandResult {
	if len(command) == 0 {
		return CommandResult{Success: false, Output: "empty command", ExitCode: -1}
	}
	display := strings.Join(command, " ")

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return CommandResult{Success: false, Output: err.Error(), Command: display, ExitCode: -1}
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return CommandResult{Success: false, Output: err.Error(), Command: display, ExitCode: -1}
	}
	defer logFile.Close()

	// Not bound to ctx: the process must outlive the request that started it
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		slog.Error("Service operation failed",
			"layer", "docker",
			"operation", "start_detached",
			"command", display,
			"error", err)
		return CommandResult{Success: false, Output: err.Error(), Command: display, ExitCode: -1}
	}

	pid := cmd.Process.Pid
	go func() {
		// Reap the child so it does not linger as a zombie while we run
		_ = cmd.Wait()
	}()

	slog.Info("Detached process started", "command", display, "pid", pid, "log", logPath)
	return CommandResult{Success: true, Command: display, PID: pid}
}

func (c *Client) runDocker(ctx context.Context, dir string, args ...string) (string, int, error) {
	if c.opts.Host != "" && !strings.HasPrefix(c.opts.Host, "unix://") {
		args = append([]string{"--host", c.opts.Host}, args...)
	}
	return c.runner.Run(ctx, dir, c.dockerCommand(), args...)
}

func (c *Client) dockerCommand() string {
	if c.opts.Command != "" {
		return c.opts.Command
	}
	return "docker"
}

// candidateBinaries lists the docker command followed by the configured
// fallbacks, without duplicates
func (c *Client) candidateBinaries() []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range append([]string{c.dockerCommand()}, c.opts.Binaries...) {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
