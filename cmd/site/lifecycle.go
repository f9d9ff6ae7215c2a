package site

import (
	"context"

	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/domain"
	sitesvc "github.com/sitedock/sitedock/site"
	"github.com/spf13/cobra"
)

type lifecycleFunc func(s *sitesvc.Service, ctx context.Context, actor domain.Actor, id uint) domain.Result

func newLifecycleCommand(getApp utils.AppFunc, use, short string, run lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <site-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			return output.FprintResult(cmd, run(getApp().Sites, cmd.Context(), utils.CLIActor, id))
		},
	}
}

func NewCmdSiteStart(getApp utils.AppFunc) *cobra.Command {
	return newLifecycleCommand(getApp, "start", "Start a site's containers", (*sitesvc.Service).Start)
}

func NewCmdSiteStop(getApp utils.AppFunc) *cobra.Command {
	return newLifecycleCommand(getApp, "stop", "Stop a site's containers", (*sitesvc.Service).Stop)
}

func NewCmdSiteRestart(getApp utils.AppFunc) *cobra.Command {
	return newLifecycleCommand(getApp, "restart", "Restart a site's containers", (*sitesvc.Service).Restart)
}

func NewCmdSiteReconcile(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <site-id>",
		Short: "Compare a site with its stored configuration",
		Long: `Compare the compose file on disk and the running containers with the
stored configuration. With --repair the compose file is rewritten and
the containers are recreated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			repair, _ := cmd.Flags().GetBool("repair")
			return output.FprintResult(cmd, getApp().Sites.Reconcile(cmd.Context(), utils.CLIActor, id, repair))
		},
	}

	cmd.Flags().Bool("repair", false, "Rewrite the compose file and recreate the containers")
	return cmd
}
