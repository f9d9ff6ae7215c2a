// Package app wires configuration, storage and services into a running sitedock instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/config"
	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/deploy"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/git"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/proxy"
	"github.com/sitedock/sitedock/repository"
	"github.com/sitedock/sitedock/site"
	"github.com/sitedock/sitedock/updater"
	"github.com/sitedock/sitedock/watcher"
	"gorm.io/gorm"
)

// Version is set at build time via -ldflags
var Version = "dev"

// App holds every service of one unit of work
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	Metrics  *metrics.Metrics
	Driver   docker.Driver
	Store    *compose.Store
	Sites    *site.Service
	Deploys  *deploy.Engine
	Proxy    *proxy.Manager
	Updater  *updater.Orchestrator
	Watcher  *watcher.Watcher
	Settings repository.SettingsStore

	closers []func() error
}

// InitializeWithConfig opens the database and builds the services on top of a real Docker client
func InitializeWithConfig(cfg *config.Config) (*App, error) {
	client := docker.NewClient(docker.Options{
		Host:           cfg.DockerHost,
		Command:        cfg.DockerCommand,
		Binaries:       cfg.DockerBinaries,
		CommandTimeout: cfg.CommandTimeout,
	})
	a, err := InitializeWithDriver(cfg, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return a, nil
}

// InitializeWithDriver is InitializeWithConfig with the container runtime supplied by the caller
func InitializeWithDriver(cfg *config.Config, driver docker.Driver) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	database, err := db.InitDB(cfg.DatabasePath, cfg.DBBusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}

	cipher, err := encryption.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	sites := repository.NewSiteRepository(database, cipher)
	ops := repository.NewOperationRepository(database)
	settings := repository.NewSettingsStore(database)
	recorder := audit.NewRecorder(repository.NewAuditRepository(database))
	m := metrics.New()

	store := compose.NewStore(repository.NewComposeConfigRepository(database), sites, compose.StoreConfig{
		ProxyDir: cfg.ProxyDir,
		SitesDir: cfg.SitesDir,
		Main: compose.MainOptions{
			Network:           cfg.ProxyNetwork,
			ACMEEmail:         cfg.ACMEEmail,
			TraefikImage:      cfg.TraefikImage,
			SharedDBContainer: cfg.SharedDBContainer,
		},
	})

	siteService := site.NewService(sites, store, driver, settings, recorder, m, site.Options{
		SitesDir:          cfg.SitesDir,
		Network:           cfg.ProxyNetwork,
		SharedDBContainer: cfg.SharedDBContainer,
		SharedDBHost:      cfg.SharedDBHost,
		SharedDBPort:      cfg.SharedDBPort,
	})
	engine := deploy.NewEngine(sites, ops, git.NewService(cfg.GitTimeout), driver, recorder, m, deploy.Options{
		SitesDir:   cfg.SitesDir,
		LogsDir:    cfg.LogsDir,
		StaleAfter: cfg.DeployStaleAfter,
	})
	orchestrator := updater.NewOrchestrator(ops, settings, driver, recorder, m, updater.Options{
		CurrentVersion: CurrentVersion(cfg),
		CheckURL:       cfg.UpdateCheckURL,
		Script:         cfg.UpdateScript,
		LogsDir:        cfg.LogsDir,
		CheckTTL:       cfg.UpdateCheckTTL,
		StaleAfter:     cfg.UpdateStaleAfter,
	})

	var updates watcher.UpdateChecker
	if cfg.UpdateCheckURL != "" {
		updates = orchestrator
	}

	return &App{
		Config:   cfg,
		DB:       database,
		Metrics:  m,
		Driver:   driver,
		Store:    store,
		Sites:    siteService,
		Deploys:  engine,
		Proxy:    proxy.NewManager(store, driver, settings, cipher, recorder, cfg.ProxyDir),
		Updater:  orchestrator,
		Watcher:  watcher.NewWatcher(sites, siteService, engine, updates),
		Settings: settings,
		closers:  []func() error{sqlDB.Close},
	}, nil
}

// Bootstrap seeds and renders the proxy stack on first run
func (a *App) Bootstrap(ctx context.Context) error {
	created, err := a.Store.EnsureMain(ctx, domain.SystemActor.String())
	if err != nil {
		return err
	}
	if created {
		slog.Info("Proxy stack initialized", "path", a.Config.MainManifestPath())
	}
	return nil
}

// Close releases the database and the Docker connection
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentVersion prefers the build-time version and falls back to the
// VERSION file the installer drops into the data directory.
func CurrentVersion(cfg *config.Config) string {
	if Version != "dev" && Version != "" {
		return Version
	}
	data, err := os.ReadFile(cfg.VersionFile)
	if err != nil {
		return Version
	}
	if v := strings.TrimSpace(string(data)); v != "" {
		return v
	}
	return Version
}
