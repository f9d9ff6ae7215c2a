package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/sitedock/sitedock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runCall struct {
	dir  string
	name string
	args []string
}

// fakeRunner answers commands through a function field and records them
type fakeRunner struct {
	RunFunc func(name string, args []string) (string, int, error)
	calls   []runCall
}

func (r *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	r.calls = append(r.calls, runCall{dir: dir, name: name, args: args})
	if r.RunFunc != nil {
		return r.RunFunc(name, args)
	}
	return "", 0, nil
}

// unreachableEngine fails every API call
type unreachableEngine struct{}

var errUnreachable = errors.New("cannot connect to the Docker daemon")

func (unreachableEngine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{}, errUnreachable
}

func (unreachableEngine) ContainerExecCreate(ctx context.Context, id string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{}, errUnreachable
}

func (unreachableEngine) ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, errUnreachable
}

func (unreachableEngine) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{}, errUnreachable
}

func (unreachableEngine) Close() error { return nil }

func TestInspectStatus_FallsBackAcrossBinaries(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		if name == "/usr/bin/docker" {
			return "running\n", 0, nil
		}
		return "", -1, errors.New("executable file not found")
	}}
	c := NewClientWithRunner(Options{Command: "docker", Binaries: []string{"docker", "/usr/bin/docker"}}, runner)
	c.engine = unreachableEngine{}

	status := c.InspectStatus(context.Background(), "php_a_example_com")
	assert.Equal(t, domain.SiteStatusRunning, status)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "docker", runner.calls[0].name)
	assert.Equal(t, []string{"inspect", "--format", "{{.State.Status}}", "php_a_example_com"}, runner.calls[1].args)
}

func TestInspectStatus_UnknownWhenEverythingFails(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return "Error: No such object", 1, nil
	}}
	c := NewClientWithRunner(Options{Binaries: []string{"/usr/bin/docker", "/snap/bin/docker"}}, runner)

	assert.Equal(t, domain.SiteStatusUnknown, c.InspectStatus(context.Background(), "missing"))
	assert.Len(t, runner.calls, 3)
}

func TestExec_CLI(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return "composer not found\n", 127, nil
	}}
	c := NewClientWithRunner(Options{Command: "docker"}, runner)
	c.engine = unreachableEngine{}

	cmd := []string{"composer", "--version"}
	result := c.Exec(context.Background(), "laravel_x", cmd, ExecOptions{User: "www-data", WorkDir: "/var/www/html", Env: []string{"A=1"}})

	assert.Equal(t, 127, result.ExitCode)
	assert.False(t, result.OK())
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{
		"exec", "--user", "www-data", "--workdir", "/var/www/html", "--env", "A=1",
		"laravel_x", "composer", "--version",
	}, runner.calls[0].args)

	err := result.Err("composer", cmd)
	var toolErr *domain.ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 127, toolErr.ExitCode)
	assert.Equal(t, "composer --version", toolErr.Command)
}

func TestExec_CouldNotStart(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return "", -1, errors.New("fork/exec docker: no such file or directory")
	}}
	c := NewClientWithRunner(Options{}, runner)

	result := c.Exec(context.Background(), "x", []string{"true"}, ExecOptions{})
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Output, "no such file")

	empty := c.Exec(context.Background(), "x", nil, ExecOptions{})
	assert.Equal(t, -1, empty.ExitCode)
}

func TestContainerEnv_CLI(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return `["DB_HOST=sitedock_db","DB_PASSWORD=a=b","PATH=/usr/bin"]` + "\n", 0, nil
	}}
	c := NewClientWithRunner(Options{}, runner)

	env, err := c.ContainerEnv(context.Background(), "laravel_x")
	require.NoError(t, err)
	assert.Equal(t, "sitedock_db", env["DB_HOST"])
	assert.Equal(t, "a=b", env["DB_PASSWORD"])
}

func TestContainerEnv_CLIFailure(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return "No such container", 1, nil
	}}
	c := NewClientWithRunner(Options{}, runner)

	_, err := c.ContainerEnv(context.Background(), "gone")
	assert.Equal(t, domain.KindExternalTool, domain.ErrorKind(err))
}

func TestCompose_Verbs(t *testing.T) {
	runner := &fakeRunner{}
	c := NewClientWithRunner(Options{Command: "docker"}, runner)
	ctx := context.Background()
	manifest := "/data/sites/php_a/docker-compose.yml"

	require.True(t, c.Up(ctx, manifest).Success)
	require.True(t, c.Down(ctx, manifest, true).Success)
	require.True(t, c.RecreateService(ctx, "/data/proxy/docker-compose.yml", "traefik").Success)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "/data/sites/php_a", runner.calls[0].dir)
	assert.Equal(t, []string{
		"compose", "--project-directory", "/data/sites/php_a", "--file", manifest,
		"up", "--detach", "--remove-orphans", "--quiet-pull",
	}, runner.calls[0].args)
	assert.Equal(t, []string{"down", "--remove-orphans", "--volumes"}, runner.calls[1].args[5:])
	assert.Equal(t, []string{"up", "--detach", "--force-recreate", "--no-deps", "traefik"}, runner.calls[2].args[5:])
}

func TestCompose_Failure(t *testing.T) {
	runner := &fakeRunner{RunFunc: func(name string, args []string) (string, int, error) {
		return "network sitedock declared as external, but could not be found", 1, nil
	}}
	c := NewClientWithRunner(Options{Host: "tcp://10.0.0.2:2375"}, runner)

	result := c.Up(context.Background(), "/data/sites/php_a/docker-compose.yml")
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, []string{"--host", "tcp://10.0.0.2:2375"}, runner.calls[0].args[:2])

	err := result.Err()
	assert.Equal(t, domain.KindExternalTool, domain.ErrorKind(err))
	assert.Contains(t, err.Error(), "could not be found")
}

func TestStartDetached(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "update.log")
	c := NewClientWithRunner(Options{}, &fakeRunner{})

	result := c.StartDetached(context.Background(), []string{"sh", "-c", "echo detached-ok"}, logPath)
	require.True(t, result.Success, result.Output)
	assert.Positive(t, result.PID)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "detached-ok")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStartDetached_MissingBinary(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "update.log")
	c := NewClientWithRunner(Options{}, &fakeRunner{})

	result := c.StartDetached(context.Background(), []string{"/nonexistent/update.sh"}, logPath)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Output)
}

func TestParseEnv(t *testing.T) {
	env := ParseEnv([]string{"A=1", "B=", "=skip", "NOEQ", "A=2"})
	assert.Equal(t, map[string]string{"A": "2", "B": ""}, env)
}
