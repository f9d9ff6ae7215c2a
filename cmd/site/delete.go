package site

import (
	"fmt"

	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/domain"
	"github.com/spf13/cobra"
)

func NewCmdSiteDelete(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <site-id>",
		Short: "Delete a site",
		Long: `Stop a site's containers and remove it from sitedock.

The site directory is not removed: it is renamed to deleted-<name> next
to the other sites so its files can still be recovered. With
--remove-volumes the container volumes and the site's shared database
are dropped as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSiteDelete(cmd, getApp, args)
		},
	}

	cmd.Flags().BoolP("yes", "y", false, "Confirm the deletion")
	cmd.Flags().Bool("remove-volumes", false, "Also remove volumes and the shared database")
	return cmd
}

func runSiteDelete(cmd *cobra.Command, getApp utils.AppFunc, args []string) error {
	id, err := utils.ParseSiteID(args[0])
	if err != nil {
		return err
	}
	a := getApp()

	found := a.Sites.Get(id)
	if !found.Success {
		return output.FprintResult(cmd, found)
	}
	site := found.Data.(*domain.Site)

	confirmed, _ := cmd.Flags().GetBool("yes")
	removeVolumes, _ := cmd.Flags().GetBool("remove-volumes")
	if !confirmed {
		if err := output.FprintWarning(cmd, "About to delete %s (%s, %s).", site.Name, site.Domain, site.ContainerName); err != nil {
			return err
		}
		if removeVolumes {
			if err := output.FprintWarning(cmd, "Volumes and the site database will be removed."); err != nil {
				return err
			}
		}
		return utils.RequireConfirmation(false, fmt.Sprintf("deleting site %d", id))
	}

	return output.FprintResult(cmd, a.Sites.Delete(cmd.Context(), utils.CLIActor, id, removeVolumes))
}
