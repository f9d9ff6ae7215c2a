// Package tick provides the maintenance command run by cron.
package tick

import (
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/watcher"
	"github.com/spf13/cobra"
)

func NewCmdTick(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one maintenance sweep",
		Long: `Refresh the status of every site, check GitHub sites for new commits
and check for sitedock updates. Meant to be run from cron, for example:

  */5 * * * * sitedock tick --log-level warning`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := getApp().Watcher.RunOnce(cmd.Context())
			if err := output.FprintResult(cmd, result); err != nil {
				return err
			}
			report, ok := result.Data.(*watcher.Report)
			if !ok {
				return nil
			}
			for _, name := range report.SitesBehind {
				if err := output.FprintPlain(cmd, "  %s has undeployed commits", name); err != nil {
					return err
				}
			}
			if report.UpdateAvailable {
				return output.FprintWarning(cmd, "sitedock %s is available", report.LatestVersion)
			}
			return nil
		},
	}
}
