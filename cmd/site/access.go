package site

import (
	"fmt"
	"strings"

	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	sitesvc "github.com/sitedock/sitedock/site"
	"github.com/spf13/cobra"
)

func NewCmdSiteSSL(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssl <site-id> on|off",
		Short: "Enable or disable HTTPS for a site",
		Long: `Enable or disable Let's Encrypt certificates for a site.

The dns challenge needs the provider credentials to be configured first
with "sitedock proxy dns".`,
		Example: `  sitedock site ssl 3 on
  sitedock site ssl 3 on --challenge dns --dns-provider cloudflare
  sitedock site ssl 3 off`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}

			req := sitesvc.SSLRequest{Enabled: enabled}
			if enabled {
				req.Challenge, _ = cmd.Flags().GetString("challenge")
				req.DNSProvider, _ = cmd.Flags().GetString("dns-provider")
			}
			return output.FprintResult(cmd, getApp().Sites.SetSSL(cmd.Context(), utils.CLIActor, id, req))
		},
	}

	cmd.Flags().String("challenge", "http", "ACME challenge: http or dns")
	cmd.Flags().String("dns-provider", "", "DNS provider for the dns challenge")
	return cmd
}

func NewCmdSiteSFTP(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sftp <site-id> on|off",
		Short: "Enable or disable SFTP access to a site",
		Long: `Enable or disable the SFTP sidecar of a web site.

Enabling generates new credentials which are printed once. The SFTP port
stays reserved for the site when SFTP is disabled.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := utils.ParseSiteID(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}

			result := getApp().Sites.SetSFTP(cmd.Context(), utils.CLIActor, id, enabled)
			if err := output.FprintResult(cmd, result); err != nil {
				return err
			}
			if access, ok := result.Data.(*sitesvc.SFTPAccess); ok {
				return printSFTPAccess(cmd, access)
			}
			return nil
		},
	}
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "enable", "true":
		return true, nil
	case "off", "disable", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value '%s': expected on or off", arg)
	}
}
