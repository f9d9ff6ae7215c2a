package docker

import (
	"context"
	"strings"
	"sync"

	"github.com/sitedock/sitedock/domain"
)

// FakeCall records one invocation on a FakeDriver
type FakeCall struct {
	Method    string
	Container string
	Args      []string
}

// FakeDriver is an in-memory Driver for tests. Unset function fields
// succeed with empty output.
type FakeDriver struct {
	ExecFunc          func(container string, cmd []string, opts ExecOptions) ExecResult
	InspectStatusFunc func(container string) domain.SiteStatus
	ContainerEnvFunc  func(container string) (map[string]string, error)
	ComposeFunc       func(verb, manifestPath string, args ...string) CommandResult
	StartDetachedFunc func(command []string, logPath string) CommandResult

	mu    sync.Mutex
	calls []FakeCall
}

var _ Driver = (*FakeDriver)(nil)

func (f *FakeDriver) record(call FakeCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns the recorded invocations
func (f *FakeDriver) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// CallsTo returns the recorded invocations of one method
func (f *FakeDriver) CallsTo(method string) []FakeCall {
	var out []FakeCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ExecCommands returns every exec'd command line joined with spaces
func (f *FakeDriver) ExecCommands() []string {
	var out []string
	for _, c := range f.CallsTo("Exec") {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

func (f *FakeDriver) Exec(ctx context.Context, container string, cmd []string, opts ExecOptions) ExecResult {
	f.record(FakeCall{Method: "Exec", Container: container, Args: cmd})
	if f.ExecFunc != nil {
		return f.ExecFunc(container, cmd, opts)
	}
	return ExecResult{}
}

func (f *FakeDriver) InspectStatus(ctx context.Context, container string) domain.SiteStatus {
	f.record(FakeCall{Method: "InspectStatus", Container: container})
	if f.InspectStatusFunc != nil {
		return f.InspectStatusFunc(container)
	}
	return domain.SiteStatusRunning
}

func (f *FakeDriver) ContainerEnv(ctx context.Context, container string) (map[string]string, error) {
	f.record(FakeCall{Method: "ContainerEnv", Container: container})
	if f.ContainerEnvFunc != nil {
		return f.ContainerEnvFunc(container)
	}
	return map[string]string{}, nil
}

func (f *FakeDriver) compose(verb, manifestPath string, args ...string) CommandResult {
	f.record(FakeCall{Method: verb, Args: append([]string{manifestPath}, args...)})
	if f.ComposeFunc != nil {
		return f.ComposeFunc(verb, manifestPath, args...)
	}
	return CommandResult{Success: true, Command: "docker compose " + verb}
}

func (f *FakeDriver) Up(ctx context.Context, manifestPath string) CommandResult {
	return f.compose("Up", manifestPath)
}

func (f *FakeDriver) Down(ctx context.Context, manifestPath string, removeVolumes bool) CommandResult {
	if removeVolumes {
		return f.compose("Down", manifestPath, "--volumes")
	}
	return f.compose("Down", manifestPath)
}

func (f *FakeDriver) Restart(ctx context.Context, manifestPath string) CommandResult {
	return f.compose("Restart", manifestPath)
}

func (f *FakeDriver) RecreateService(ctx context.Context, manifestPath, service string) CommandResult {
	return f.compose("RecreateService", manifestPath, service)
}

func (f *FakeDriver) StartDetached(ctx context.Context, command []string, logPath string) CommandResult {
	f.record(FakeCall{Method: "StartDetached", Args: append(append([]string(nil), command...), logPath)})
	if f.StartDetachedFunc != nil {
		return f.StartDetachedFunc(command, logPath)
	}
	return CommandResult{Success: true, PID: 4242, Command: strings.Join(command, " ")}
}
