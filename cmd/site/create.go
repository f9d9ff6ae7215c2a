package site

import (
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	sitesvc "github.com/sitedock/sitedock/site"
	"github.com/spf13/cobra"
)

func NewCmdSiteCreate(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new site",
		Long: `Create a site and start its containers.

The site gets its own compose stack under the sites directory. Web sites
are routed by Traefik on their domain; mariadb sites run a standalone
database server. Container problems after the site was stored are
reported as warnings.`,
		Example: `  sitedock site create --name Blog --type wordpress --domain blog.example.com --ssl
  sitedock site create --name Shop --type laravel --domain shop.example.com \
    --deploy github --repo acme/shop --branch main --redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSiteCreate(cmd, getApp)
		},
	}

	cmd.Flags().String("name", "", "Display name of the site")
	cmd.Flags().String("type", "", "Site type: wordpress, php, laravel or mariadb")
	cmd.Flags().String("domain", "", "Domain the site is served on")
	cmd.Flags().String("php", "", "PHP version (defaults to the newest supported)")
	cmd.Flags().String("database", "shared", "Database: shared or dedicated")
	cmd.Flags().Bool("redis", false, "Add a Redis sidecar")
	cmd.Flags().Bool("sftp", false, "Add an SFTP sidecar")
	cmd.Flags().Bool("ssl", false, "Request a Let's Encrypt certificate")
	cmd.Flags().String("challenge", "http", "ACME challenge: http or dns")
	cmd.Flags().String("dns-provider", "", "DNS provider for the dns challenge")
	cmd.Flags().String("deploy", "manual", "Deploy method: manual or github")
	cmd.Flags().String("repo", "", "Repository as owner/name or clone URL")
	cmd.Flags().String("branch", "", "Branch to deploy")
	cmd.Flags().String("token", "", "Access token for private repositories")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func runSiteCreate(cmd *cobra.Command, getApp utils.AppFunc) error {
	flags := cmd.Flags()
	req := sitesvc.CreateSiteRequest{}
	req.Name, _ = flags.GetString("name")
	req.Type, _ = flags.GetString("type")
	req.Domain, _ = flags.GetString("domain")
	req.PHPVersion, _ = flags.GetString("php")
	req.Database, _ = flags.GetString("database")
	req.Redis, _ = flags.GetBool("redis")
	req.SFTP, _ = flags.GetBool("sftp")
	req.DeployMethod, _ = flags.GetString("deploy")
	req.GitHubRepo, _ = flags.GetString("repo")
	req.GitHubBranch, _ = flags.GetString("branch")
	req.GitHubToken, _ = flags.GetString("token")

	if ssl, _ := flags.GetBool("ssl"); ssl {
		req.SSL = &sitesvc.SSLRequest{Enabled: true}
		req.SSL.Challenge, _ = flags.GetString("challenge")
		req.SSL.DNSProvider, _ = flags.GetString("dns-provider")
	}

	result := getApp().Sites.Create(cmd.Context(), utils.CLIActor, req)
	if err := output.FprintResult(cmd, result); err != nil {
		return err
	}

	created, ok := result.Data.(sitesvc.Created)
	if !ok || created.SFTP == nil {
		return nil
	}
	return printSFTPAccess(cmd, created.SFTP)
}

func printSFTPAccess(cmd *cobra.Command, access *sitesvc.SFTPAccess) error {
	if err := output.FprintPlain(cmd, "SFTP user:     %s", access.Username); err != nil {
		return err
	}
	if err := output.FprintPlain(cmd, "SFTP password: %s", access.Password); err != nil {
		return err
	}
	if err := output.FprintPlain(cmd, "SFTP port:     %d", access.Port); err != nil {
		return err
	}
	return output.FprintWarning(cmd, "Store the password now, it cannot be shown again.")
}

func NewCmdSiteUpdate(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <site-id>",
		Short: "Change site settings",
		Long: `Change the settings of a site. Only the given flags are changed.

The compose file is regenerated and the containers are recreated. The
container name never changes, even when the domain does.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			req := updateRequest(cmd)
			return output.FprintResult(cmd, getApp().Sites.Update(cmd.Context(), utils.CLIActor, id, req))
		},
	}

	cmd.Flags().String("name", "", "Display name of the site")
	cmd.Flags().String("domain", "", "Domain the site is served on")
	cmd.Flags().String("php", "", "PHP version")
	cmd.Flags().Bool("redis", false, "Enable or disable the Redis sidecar")
	cmd.Flags().String("deploy", "", "Deploy method: manual or github")
	cmd.Flags().String("repo", "", "Repository as owner/name or clone URL")
	cmd.Flags().String("branch", "", "Branch to deploy")
	cmd.Flags().String("token", "", "Access token for private repositories")
	return cmd
}

// updateRequest sets only the fields whose flags were given
func updateRequest(cmd *cobra.Command) sitesvc.UpdateSiteRequest {
	flags := cmd.Flags()
	stringFlag := func(name string) *string {
		if !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}

	req := sitesvc.UpdateSiteRequest{
		Name:         stringFlag("name"),
		Domain:       stringFlag("domain"),
		PHPVersion:   stringFlag("php"),
		DeployMethod: stringFlag("deploy"),
		GitHubRepo:   stringFlag("repo"),
		GitHubBranch: stringFlag("branch"),
		GitHubToken:  stringFlag("token"),
	}
	if flags.Changed("redis") {
		redis, _ := flags.GetBool("redis")
		req.Redis = &redis
	}
	return req
}
