// Package deploy provides commands for deploying sites from their Git repositories.
package deploy

import (
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	deploysvc "github.com/sitedock/sitedock/deploy"
	"github.com/sitedock/sitedock/domain"
	"github.com/spf13/cobra"
)

func NewCmdDeploy(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy sites from GitHub",
	}

	cmd.AddCommand(NewCmdDeployRun(getApp))
	cmd.AddCommand(NewCmdDeployForce(getApp))
	cmd.AddCommand(NewCmdDeployCheck(getApp))
	cmd.AddCommand(NewCmdDeployStatus(getApp))
	return cmd
}

func NewCmdDeployRun(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run <site-id>",
		Short: "Pull the latest commit and build the site",
		Long: `Clone the site's repository on first run, fast-forward it afterwards,
then run the build steps of the site type.

A deploy refuses to overwrite local changes or a diverged history; use
"deploy force" to discard them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			result := getApp().Deploys.Deploy(cmd.Context(), utils.CLIActor, id)
			return printOutcome(cmd, result)
		},
	}
}

func NewCmdDeployForce(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force <site-id>",
		Short: "Reset the site to the remote branch and build it",
		Long: `Discard local commits, modified files and untracked files in the
site's checkout, reset it to the remote branch and build it. Ignored
files such as .env and uploads are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			confirmed, _ := cmd.Flags().GetBool("yes")
			if err := utils.RequireConfirmation(confirmed, "force deploy"); err != nil {
				return err
			}
			result := getApp().Deploys.ForceDeploy(cmd.Context(), utils.CLIActor, id)
			return printOutcome(cmd, result)
		},
	}

	cmd.Flags().BoolP("yes", "y", false, "Confirm that local changes are discarded")
	return cmd
}

func NewCmdDeployCheck(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "check <site-id>",
		Short: "Check whether the remote branch has new commits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			return output.FprintResult(cmd, getApp().Deploys.CompareRemote(cmd.Context(), id))
		},
	}
}

func NewCmdDeployStatus(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <site-id>",
		Short: "Show the running or last deployment of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			result := getApp().Deploys.Status(id)
			if err := output.FprintResult(cmd, result); err != nil {
				return err
			}
			op, ok := result.Data.(*domain.Operation)
			if !ok || op == nil {
				return nil
			}
			data := [][]string{
				{"Operation", op.Kind.String()},
				{"Status", op.Status.String()},
				{"Started", op.StartedAt.Format("2006-01-02 15:04:05")},
				{"Actor", op.Actor},
			}
			if op.Result != "" {
				data = append(data, []string{"Commit", op.Result})
			}
			if op.LogPath != "" {
				data = append(data, []string{"Log", op.LogPath})
			}
			table, err := output.PrintTable(nil, data)
			if err != nil {
				return err
			}
			return output.FprintPlain(cmd, "%s", table)
		},
	}
}

func printOutcome(cmd *cobra.Command, result domain.Result) error {
	err := output.FprintResult(cmd, result)
	if outcome, ok := result.Data.(deploysvc.Outcome); ok && outcome.LogPath != "" {
		if printErr := output.FprintPlain(cmd, "Log: %s", outcome.LogPath); printErr != nil {
			return printErr
		}
	}
	return err
}
