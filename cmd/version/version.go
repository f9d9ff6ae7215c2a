// Package version provides the version command for sitedock.
package version

import (
	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/spf13/cobra"
)

// SkipInitAnnotation marks commands that run without an initialized application
const SkipInitAnnotation = "sitedock/skip-init"

// NewCmdVersion creates the version command
func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Long:        `Display the version of the sitedock binary.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{SkipInitAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return output.FprintPlain(cmd, "%s", app.Version)
		},
	}

	return cmd
}
