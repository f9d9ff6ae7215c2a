package root

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/config"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/encryption"
)

func TestNewCmdRoot(t *testing.T) {
	cmd := NewCmdRoot("/test/data/dir")

	assert.Equal(t, "sitedock", cmd.Use)
	assert.NotNil(t, cmd.PersistentPreRunE)
	assert.NotNil(t, cmd.PersistentPostRunE)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, expected := range []string{"site", "deploy", "proxy", "update", "server", "tick", "version"} {
		assert.Contains(t, names, expected)
	}
}

func TestNewCmdRootFlags(t *testing.T) {
	cmd := NewCmdRoot("/test/data/dir")

	dataDirFlag := cmd.PersistentFlags().Lookup("data-dir")
	require.NotNil(t, dataDirFlag)
	assert.Equal(t, "d", dataDirFlag.Shorthand)
	assert.Equal(t, "/test/data/dir", dataDirFlag.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.Equal(t, "l", cmd.PersistentFlags().Lookup("log-level").Shorthand)
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("no-color").Shorthand)
}

func TestSkipInit(t *testing.T) {
	cmd := NewCmdRoot("/test/data/dir")
	cmd.InitDefaultHelpCmd()

	tests := []struct {
		args []string
		skip bool
	}{
		{[]string{"version"}, true},
		{[]string{"help"}, true},
		{[]string{"site", "list"}, false},
		{[]string{"update", "status"}, false},
		{[]string{"tick"}, false},
	}
	for _, tt := range tests {
		found, _, err := cmd.Find(tt.args)
		require.NoError(t, err)
		assert.Equal(t, tt.skip, skipInit(found), "%v", tt.args)
	}
}

// cliHarness runs commands against an application on a fake driver
type cliHarness struct {
	dataDir string
	driver  *docker.FakeDriver
	inits   int
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	t.Setenv("SITEDOCK_ENCRYPTION_KEY", key)
	output.InitColors(true)
	return &cliHarness{dataDir: t.TempDir(), driver: &docker.FakeDriver{}}
}

func (h *cliHarness) initialize(cfg *config.Config) (*app.App, error) {
	h.inits++
	cfg.UpdateCheckURL = ""
	return app.InitializeWithDriver(cfg, h.driver)
}

func (h *cliHarness) run(args ...string) (string, string, error) {
	cmd := NewCmdRootWithInitializer("/nonexistent", h.initialize)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--data-dir", h.dataDir}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionDoesNotInitialize(t *testing.T) {
	h := newCLIHarness(t)

	stdout, _, err := h.run("version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
	assert.Zero(t, h.inits)
}

func TestInitializationError(t *testing.T) {
	cmd := NewCmdRootWithInitializer("/nonexistent", func(*config.Config) (*app.App, error) {
		return nil, errors.New("docker is not installed")
	})
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	t.Setenv("SITEDOCK_ENCRYPTION_KEY", key)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--data-dir", t.TempDir(), "site", "list"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application")
	assert.Contains(t, err.Error(), "docker is not installed")
}

func TestSiteCommands(t *testing.T) {
	h := newCLIHarness(t)

	stdout, _, err := h.run("site", "create", "--name", "Blog", "--type", "php", "--domain", "blog.example.com")
	require.NoError(t, err)
	assert.Contains(t, stdout, "site Blog created")

	stdout, _, err = h.run("site", "list", "--json")
	require.NoError(t, err)
	var sites []struct {
		Name   string `json:"name"`
		Domain string `json:"domain"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &sites))
	require.Len(t, sites, 1)
	assert.Equal(t, "blog.example.com", sites[0].Domain)

	stdout, _, err = h.run("site", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "blog.example.com")

	stdout, _, err = h.run("site", "labels", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "traefik.enable=true")

	stdout, _, err = h.run("site", "sftp", "1", "on")
	require.NoError(t, err)
	assert.Contains(t, stdout, "SFTP port:     2222")

	assert.Equal(t, 5, h.inits)
}

func TestSiteCommandErrors(t *testing.T) {
	h := newCLIHarness(t)

	_, stderr, err := h.run("site", "show", "42")
	assert.ErrorIs(t, err, output.ErrResultFailed)
	assert.Contains(t, stderr, "Error:")

	_, _, err = h.run("site", "show", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid site ID")

	_, _, err = h.run("site", "sftp", "1", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected on or off")
}

func TestSiteDeleteRequiresConfirmation(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := h.run("site", "create", "--name", "Blog", "--type", "php", "--domain", "blog.example.com")
	require.NoError(t, err)

	_, stderr, err := h.run("site", "delete", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
	assert.Contains(t, stderr, "About to delete Blog")

	stdout, _, err := h.run("site", "delete", "1", "--yes")
	require.NoError(t, err)
	assert.Contains(t, stdout, "site Blog deleted")

	stdout, _, err = h.run("site", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No sites found.")
}

func TestTickAndUpdateStatus(t *testing.T) {
	h := newCLIHarness(t)

	stdout, _, err := h.run("tick")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sweep completed: 0 GitHub sites checked, 0 behind")

	stdout, _, err = h.run("update", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "idle")
}

func TestDeployCommands(t *testing.T) {
	h := newCLIHarness(t)

	_, _, err := h.run("site", "create", "--name", "Blog", "--type", "php", "--domain", "blog.example.com")
	require.NoError(t, err)

	stdout, _, err := h.run("deploy", "status", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "never deployed")

	// Manual sites have no repository to deploy from
	_, stderr, err := h.run("deploy", "run", "1")
	assert.ErrorIs(t, err, output.ErrResultFailed)
	assert.Contains(t, stderr, "Error:")

	_, _, err = h.run("deploy", "force", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}
