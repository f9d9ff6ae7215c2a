// Package root implements the command line interface for sitedock.
package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/cmd/deploy"
	"github.com/sitedock/sitedock/cmd/output"
	"github.com/sitedock/sitedock/cmd/proxy"
	"github.com/sitedock/sitedock/cmd/server"
	"github.com/sitedock/sitedock/cmd/site"
	"github.com/sitedock/sitedock/cmd/tick"
	"github.com/sitedock/sitedock/cmd/update"
	"github.com/sitedock/sitedock/cmd/version"
	"github.com/sitedock/sitedock/config"
	"github.com/sitedock/sitedock/logging"
	"github.com/spf13/cobra"
)

func Execute() {
	err := NewCmdRoot(config.GetDefaultDataDir()).Execute()
	if err != nil {
		if !errors.Is(err, output.ErrResultFailed) {
			fmt.Fprintln(os.Stderr, output.Colorize(output.Error, "Error: %s", err))
		}
		os.Exit(1)
	}
}

// Initializer builds the application for a configuration. Tests replace it
// to run commands against a fake container driver.
type Initializer func(cfg *config.Config) (*app.App, error)

func NewCmdRoot(defaultDataDir string) *cobra.Command {
	return NewCmdRootWithInitializer(defaultDataDir, app.InitializeWithConfig)
}

func NewCmdRootWithInitializer(defaultDataDir string, initialize Initializer) *cobra.Command {
	var (
		configPath  string
		dataDir     string
		application *app.App
	)
	getApp := func() *app.App { return application }

	cmd := &cobra.Command{
		Use:   "sitedock",
		Short: "Host web sites as Docker Compose stacks behind Traefik",
		Long: `sitedock runs PHP, Laravel, WordPress, static and Node.js sites as
Docker Compose stacks on a single host. It manages routing and certificates
through a shared Traefik proxy, provisions databases on a shared MariaDB
server and deploys sites from GitHub.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipInit(cmd) {
				return nil
			}

			// The data directory flag only overrides the config file and
			// environment when given explicitly
			cliDataDir := ""
			if cmd.Flags().Changed("data-dir") {
				cliDataDir = dataDir
			}
			cfg, err := config.NewConfigForCLI(configPath, cliDataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			colorDisabled := !cfg.ColorEnabled
			if output.NoColor.IsSet() {
				colorDisabled = true
			}
			output.InitColors(colorDisabled)

			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLogging(logLevel)

			application, err = initialize(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			if err := application.Bootstrap(cmd.Context()); err != nil {
				return fmt.Errorf("failed to bootstrap the proxy stack: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if application == nil {
				return nil
			}
			err := application.Close()
			application = nil
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().
		StringVarP(&dataDir, "data-dir", "d", defaultDataDir, "Data directory for the database, sites and proxy")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().VarP(output.NoColor, "no-color", "c", "Disable colored terminal output")

	cmd.AddCommand(site.NewCmdSite(getApp))
	cmd.AddCommand(deploy.NewCmdDeploy(getApp))
	cmd.AddCommand(proxy.NewCmdProxy(getApp))
	cmd.AddCommand(update.NewCmdUpdate(getApp))
	cmd.AddCommand(server.NewCmdServer(getApp))
	cmd.AddCommand(tick.NewCmdTick(getApp))
	cmd.AddCommand(version.NewCmdVersion())
	return cmd
}

// skipInit reports whether a command runs without configuration, such as
// version, help and shell completion
func skipInit(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[version.SkipInitAnnotation] == "true" {
			return true
		}
		switch c.Name() {
		case "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd, "completion":
			return true
		}
	}
	return false
}
