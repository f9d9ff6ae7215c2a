// Package site provides commands for managing hosted sites.
package site

import (
	"fmt"

	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/repository"
	"github.com/spf13/cobra"
)

func NewCmdSite(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Manage sites",
	}

	cmd.AddCommand(NewCmdSiteList(getApp))
	cmd.AddCommand(NewCmdSiteShow(getApp))
	cmd.AddCommand(NewCmdSiteCreate(getApp))
	cmd.AddCommand(NewCmdSiteUpdate(getApp))
	cmd.AddCommand(NewCmdSiteDelete(getApp))
	cmd.AddCommand(NewCmdSiteStart(getApp))
	cmd.AddCommand(NewCmdSiteStop(getApp))
	cmd.AddCommand(NewCmdSiteRestart(getApp))
	cmd.AddCommand(NewCmdSiteSSL(getApp))
	cmd.AddCommand(NewCmdSiteSFTP(getApp))
	cmd.AddCommand(NewCmdSiteLabels(getApp))
	cmd.AddCommand(NewCmdSiteReconcile(getApp))
	return cmd
}

func NewCmdSiteList(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sites",
		Long: `Display all sites managed by sitedock.

The status column shows the last observed container status. Use
--refresh to inspect the containers before listing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			filter, err := listFilter(cmd)
			if err != nil {
				return err
			}

			if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
				if res := a.Sites.RefreshAllStatuses(cmd.Context()); !res.Success {
					if err := output.FprintWarning(cmd, "Warning: status refresh failed: %s", res.Error); err != nil {
						return err
					}
				}
			}

			result := a.Sites.List(filter)
			if !result.Success {
				return output.FprintResult(cmd, result)
			}
			sites, _ := result.Data.([]*domain.Site)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return output.FprintJSON(cmd, sites)
			}
			out, err := output.PrintSiteList(sites)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().String("type", "", "Only list sites of this type (wordpress, php, laravel, mariadb)")
	cmd.Flags().String("status", "", "Only list sites with this status")
	cmd.Flags().Bool("refresh", false, "Inspect containers before listing")
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func listFilter(cmd *cobra.Command) (repository.SiteFilter, error) {
	var filter repository.SiteFilter
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		t, err := domain.ParseSiteType(raw)
		if err != nil {
			return filter, err
		}
		filter.Type = t
	}
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		status, err := domain.ParseSiteStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	return filter, nil
}

func NewCmdSiteShow(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <site-id>",
		Short: "Show site details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			a := getApp()
			a.Sites.RefreshStatus(cmd.Context(), id)

			result := a.Sites.Get(id)
			if !result.Success {
				return output.FprintResult(cmd, result)
			}
			site := result.Data.(*domain.Site)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return output.FprintJSON(cmd, site)
			}
			out, err := output.PrintSiteDetails(site)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func NewCmdSiteLabels(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "labels <site-id>",
		Short: "Print the routing labels of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			result := getApp().Sites.Labels(id)
			if !result.Success {
				return output.FprintResult(cmd, result)
			}
			for _, label := range result.Data.([]string) {
				if err := output.FprintPlain(cmd, "%s", label); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
