package version

import (
	"bytes"
	"testing"

	"github.com/sitedock/sitedock/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCmdVersion(t *testing.T) {
	cmd := NewCmdVersion()

	assert.Equal(t, "version", cmd.Use)
	assert.Equal(t, "Show version information", cmd.Short)
	assert.NotNil(t, cmd.RunE)
	assert.Equal(t, "true", cmd.Annotations[SkipInitAnnotation])
	assert.Empty(t, cmd.Commands())
}

func TestVersionVariable(t *testing.T) {
	assert.Equal(t, "dev", app.Version)
}

func TestRunVersion(t *testing.T) {
	cmd := NewCmdVersion()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestRunVersionRejectsArgs(t *testing.T) {
	cmd := NewCmdVersion()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"extra"})

	assert.Error(t, cmd.Execute())
}
