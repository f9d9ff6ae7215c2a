// Package update provides the commands that check for and install new sitedock releases.
package update

import (
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/updater"
	"github.com/spf13/cobra"
)

func NewCmdUpdate(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and install sitedock updates",
	}

	cmd.AddCommand(NewCmdUpdateCheck(getApp))
	cmd.AddCommand(NewCmdUpdateRun(getApp))
	cmd.AddCommand(NewCmdUpdateStatus(getApp))
	return cmd
}

func NewCmdUpdateCheck(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a newer release is published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			result := getApp().Updater.Check(cmd.Context(), force)
			if err := output.FprintResult(cmd, result); err != nil {
				return err
			}
			check, ok := result.Data.(*updater.CheckResult)
			if !ok || !check.UpdateAvailable || check.Changelog == "" {
				return nil
			}
			return output.FprintPlain(cmd, "\n%s", check.Changelog)
		},
	}

	cmd.Flags().Bool("force", false, "Ignore the cached result")
	return cmd
}

func NewCmdUpdateRun(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the update script",
		Long: `Start the privileged update script in the background. The script
outlives this command; follow its progress with "sitedock update status".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return output.FprintResult(cmd, getApp().Updater.Trigger(cmd.Context(), utils.CLIActor))
		},
	}
}

func NewCmdUpdateStatus(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the last update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := getApp().Updater.Status(cmd.Context())
			if err := output.FprintResult(cmd, result); err != nil {
				return err
			}
			status, ok := result.Data.(*updater.UpdateStatus)
			if !ok || status.Operation == nil {
				return nil
			}
			op := status.Operation
			if op.Message != "" {
				if err := output.FprintPlain(cmd, "%s", op.Message); err != nil {
					return err
				}
			}
			if op.LogPath != "" {
				return output.FprintPlain(cmd, "Log: %s", op.LogPath)
			}
			return nil
		},
	}
}
