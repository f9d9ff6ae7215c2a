// Package testapp builds fully wired applications for tests. Containers are
// replaced by a docker.FakeDriver and all state lives in a temporary data
// directory.
package testapp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/config"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/encryption"
)

// StaticEnv is a config.EnvProvider backed by a map
type StaticEnv map[string]string

func (e StaticEnv) Getenv(key string) string { return e[key] }

func (e StaticEnv) UserHomeDir() (string, error) { return "/nonexistent", nil }

// NewConfig returns a valid configuration rooted in a temporary directory.
// Update checks are disabled and the update script does not exist.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	cfg, err := config.NewConfigWithEnv("", StaticEnv{
		"SITEDOCK_DATA_DIR":       t.TempDir(),
		"SITEDOCK_ENCRYPTION_KEY": key,
	})
	require.NoError(t, err)
	cfg.UpdateCheckURL = ""
	cfg.UpdateScript = filepath.Join(cfg.DataDir, "missing-update.sh")
	return cfg
}

// New initializes and bootstraps an application on a FakeDriver. The
// application is closed when the test ends.
func New(t *testing.T) (*app.App, *docker.FakeDriver) {
	t.Helper()
	return NewWithConfig(t, NewConfig(t))
}

// NewWithConfig is New with a caller-adjusted configuration
func NewWithConfig(t *testing.T, cfg *config.Config) (*app.App, *docker.FakeDriver) {
	t.Helper()
	driver := &docker.FakeDriver{}
	a, err := app.InitializeWithDriver(cfg, driver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.Bootstrap(context.Background()))
	return a, driver
}
