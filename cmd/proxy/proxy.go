// Package proxy provides commands for configuring the Traefik proxy stack.
package proxy

import (
	"strings"

	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/utils"
	proxysvc "github.com/sitedock/sitedock/proxy"
	"github.com/spf13/cobra"
)

func NewCmdProxy(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Configure the reverse proxy",
	}

	cmd.AddCommand(NewCmdProxyDNS(getApp))
	cmd.AddCommand(NewCmdProxyEmail(getApp))
	return cmd
}

func NewCmdProxyDNS(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dns <provider>",
		Short: "Configure the DNS challenge resolver",
		Long: `Store DNS provider credentials and enable the letsencrypt-dns
certificate resolver. Only the traefik service is recreated.

Supported providers: ` + strings.Join(proxysvc.DNSProviderNames(), ", "),
		Example: `  sitedock proxy dns cloudflare --credential CF_DNS_API_TOKEN=...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, _ := cmd.Flags().GetStringArray("credential")
			credentials, err := utils.ParseKeyValues(pairs)
			if err != nil {
				return err
			}
			return output.FprintResult(cmd, getApp().Proxy.ConfigureDNS(cmd.Context(), utils.CLIActor, args[0], credentials))
		},
	}

	cmd.Flags().StringArray("credential", nil, "Provider credential as KEY=VALUE (repeatable)")
	return cmd
}

func NewCmdProxyEmail(getApp utils.AppFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "email <address>",
		Short: "Change the Let's Encrypt account email",
		Long: `Change the ACME account email of both certificate resolvers. The
existing certificate stores are archived so Traefik registers the new
account on restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return output.FprintResult(cmd, getApp().Proxy.SetACMEEmail(cmd.Context(), utils.CLIActor, args[0]))
		},
	}
}
