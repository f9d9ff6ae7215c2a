// Package site orchestrates the lifecycle of hosted sites: the database
// record, its compose stack, routing labels and containers.
package site

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/proxy"
	"github.com/sitedock/sitedock/repository"
)

const (
	passwordLength     = 24
	maxDatabaseNameLen = 64
	maxDatabaseUserLen = 32
	identifierHashLen  = 8
	defaultMariaDBPort = 3306
	defaultRedisPort   = 6379

	placeholderPage = `<!doctype html>
<html><head><title>%[1]s</title></head>
<body><h1>%[1]s</h1><p>This site is ready for content.</p></body></html>
`
)

// Options locate site stacks and the shared database server
type Options struct {
	SitesDir          string
	Network           string
	SharedDBContainer string
	SharedDBHost      string
	SharedDBPort      int
}

// Service is the operation boundary for site management. Every exported
// method reports its outcome as a domain.Result.
type Service struct {
	sites    repository.SiteRepository
	store    *compose.Store
	driver   docker.Driver
	settings repository.SettingsStore
	audit    audit.Recorder
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

func NewService(
	sites repository.SiteRepository,
	store *compose.Store,
	driver docker.Driver,
	settings repository.SettingsStore,
	recorder audit.Recorder,
	m *metrics.Metrics,
	opts Options,
) *Service {
	return &Service{
		sites:    sites,
		store:    store,
		driver:   driver,
		settings: settings,
		audit:    recorder,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// SFTPAccess is returned when SFTP is enabled so the operator can hand the
// credentials over. The password is not retrievable later through the API.
type SFTPAccess struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port"`
}

// Created is the payload of a successful Create
type Created struct {
	Site *domain.Site `json:"site"`
	SFTP *SFTPAccess  `json:"sftp,omitempty"`
}

func (s *Service) Get(id uint) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	return domain.Success("", site)
}

func (s *Service) List(filter repository.SiteFilter) domain.Result {
	sites, err := s.sites.List(filter)
	if err != nil {
		return domain.Failure(err)
	}
	return domain.Success(fmt.Sprintf("%d sites", len(sites)), sites)
}

// Create provisions a new site end to end. Only validation and persistence
// failures abort; container and database problems are reported as warnings
// on an otherwise created site.
func (s *Service) Create(ctx context.Context, actor domain.Actor, req CreateSiteRequest) domain.Result {
	start := s.now()
	result := s.create(ctx, actor, req)
	s.observe("site.create", result, start)
	return result
}

func (s *Service) create(ctx context.Context, actor domain.Actor, req CreateSiteRequest) domain.Result {
	siteType, err := req.validate()
	if err != nil {
		return domain.Failure(err)
	}
	domainName := normalizeDomain(req.Domain)
	if err := s.ensureDomainFree(domainName, 0); err != nil {
		return domain.Failure(err)
	}

	site := domain.NewSite(strings.TrimSpace(req.Name), siteType, domainName)
	if site.ContainerName, err = s.uniqueContainerName(site.ContainerName); err != nil {
		return domain.Failure(err)
	}
	if req.PHPVersion != "" {
		site.PHPVersion = req.PHPVersion
	}
	site.DeployMethod, _ = parseDeployMethod(req.DeployMethod)
	if site.DeployMethod == domain.DeployGitHub {
		site.GitHub = domain.GitHubBinding{
			Repo:   strings.TrimSpace(req.GitHubRepo),
			Branch: strings.TrimSpace(req.GitHubBranch),
			Token:  req.GitHubToken,
		}
	}
	if req.SSL != nil {
		if site.SSL, err = sslConfig(siteType, *req.SSL); err != nil {
			return domain.Failure(err)
		}
		if err := s.ensureDNSCredentials(site.SSL); err != nil {
			return domain.Failure(err)
		}
	}

	dbType, _ := parseDatabaseType(req.Database)
	if err := s.assignDatabase(&site, dbType); err != nil {
		return domain.Failure(err)
	}
	if req.Redis {
		site.Redis = domain.RedisBinding{Enabled: true, Host: compose.RedisHost(&site), Port: defaultRedisPort}
	}
	if req.SFTP {
		if err := assignSFTPCredentials(&site); err != nil {
			return domain.Failure(err)
		}
	}

	created, err := s.sites.Create(&site)
	if err != nil {
		return domain.Failure(err)
	}

	var access *SFTPAccess
	if created.SFTP.Enabled {
		port, err := s.sites.AllocateSFTPPort(created.ID)
		if err != nil {
			s.rollbackCreate(created)
			return domain.Failure(err)
		}
		created.SFTP.Port = &port
		access = &SFTPAccess{Username: created.SFTP.Username, Password: created.SFTP.Password, Port: port}
	}

	var warnings []string
	if created.Database.Type == domain.DatabaseShared && siteType != domain.SiteTypeMariaDB {
		if err := s.provisionSharedDatabase(ctx, created); err != nil {
			warnings = append(warnings, fmt.Sprintf("shared database was not provisioned: %v", err))
		}
	}

	manifestPath, err := s.writeManifest(ctx, created, actor)
	if err != nil {
		s.rollbackCreate(created)
		return domain.Failure(err).WithWarnings(warnings...)
	}
	if err := s.prepareContentDir(created); err != nil {
		warnings = append(warnings, err.Error())
	}

	if res := s.driver.Up(ctx, manifestPath); !res.Success {
		warnings = append(warnings, fmt.Sprintf("containers were not started: %v", res.Err()))
	}
	created.Status = s.refresh(ctx, created)
	warnings = append(warnings, s.driftWarnings(created)...)

	s.audit.Record(actor, audit.ActionSiteCreate, &created.ID, created.Domain)
	slog.Info("Site created",
		"site_id", created.ID,
		"name", created.Name,
		"type", created.Type,
		"domain", created.Domain,
		"container", created.ContainerName)

	return domain.Success(fmt.Sprintf("site %s created", created.Name), Created{Site: created, SFTP: access}).WithWarnings(warnings...)
}

// rollbackCreate removes a half created site so the domain can be reused
func (s *Service) rollbackCreate(site *domain.Site) {
	if err := s.store.Delete(&site.ID); err != nil && domain.ErrorKind(err) != domain.KindNotFound {
		slog.Error("Failed to remove compose config during rollback", "site_id", site.ID, "error", err)
	}
	if err := s.sites.Delete(site.ID); err != nil {
		slog.Error("Failed to remove site during rollback", "site_id", site.ID, "error", err)
	}
}

// Update applies a partial change and recreates the stack. The container
// name is kept even when the domain changes.
func (s *Service) Update(ctx context.Context, actor domain.Actor, id uint, req UpdateSiteRequest) domain.Result {
	start := s.now()
	result := s.update(ctx, actor, id, req)
	s.observe("site.update", result, start)
	return result
}

func (s *Service) update(ctx context.Context, actor domain.Actor, id uint, req UpdateSiteRequest) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	previous := *site

	var changed []string
	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return domain.Failure(err)
		}
		site.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.Domain != nil {
		domainName := normalizeDomain(*req.Domain)
		if err := validateDomain(domainName); err != nil {
			return domain.Failure(err)
		}
		if domainName != site.Domain {
			if err := s.ensureDomainFree(domainName, site.ID); err != nil {
				return domain.Failure(err)
			}
			site.Domain = domainName
			// A certificate for the old name does not cover the new one
			site.SSLIssued = false
			site.SSLIssuedAt = nil
			changed = append(changed, "domain")
		}
	}
	if req.PHPVersion != nil {
		if err := validatePHPVersion(*req.PHPVersion); err != nil {
			return domain.Failure(err)
		}
		site.PHPVersion = *req.PHPVersion
		changed = append(changed, "php_version")
	}
	if req.Redis != nil {
		if *req.Redis && !site.Type.IsWeb() {
			return domain.Failure(domain.NewValidationError("redis", "%s sites cannot have redis", site.Type))
		}
		site.Redis = domain.RedisBinding{}
		if *req.Redis {
			site.Redis = domain.RedisBinding{Enabled: true, Host: compose.RedisHost(site), Port: defaultRedisPort}
		}
		changed = append(changed, "redis")
	}
	if req.DeployMethod != nil {
		method, err := parseDeployMethod(*req.DeployMethod)
		if err != nil {
			return domain.Failure(err)
		}
		site.DeployMethod = method
		changed = append(changed, "deploy_method")
	}
	if req.GitHubRepo != nil {
		site.GitHub.Repo = strings.TrimSpace(*req.GitHubRepo)
		changed = append(changed, "github_repo")
	}
	if req.GitHubBranch != nil {
		site.GitHub.Branch = strings.TrimSpace(*req.GitHubBranch)
		changed = append(changed, "github_branch")
	}
	if req.GitHubToken != nil {
		site.GitHub.Token = *req.GitHubToken
		changed = append(changed, "github_token")
	}
	if site.DeployMethod == domain.DeployGitHub && !site.GitHub.IsConfigured() {
		return domain.Failure(domain.NewValidationError("github_repo", "is required for GitHub deployment"))
	}
	if len(changed) == 0 {
		return domain.Success("nothing to update", site)
	}

	warnings, err := s.save(ctx, site, previous, actor)
	if err != nil {
		return domain.Failure(err).WithWarnings(warnings...)
	}

	s.audit.Record(actor, audit.ActionSiteUpdate, &site.ID, strings.Join(changed, ","))
	return domain.Success(fmt.Sprintf("site %s updated", site.Name), site).WithWarnings(warnings...)
}

// Delete tears the site down. Container removal is best effort; the record
// and descriptor are always removed and the directory is moved aside.
func (s *Service) Delete(ctx context.Context, actor domain.Actor, id uint, removeVolumes bool) domain.Result {
	start := s.now()
	result := s.delete(ctx, actor, id, removeVolumes)
	s.observe("site.delete", result, start)
	return result
}

func (s *Service) delete(ctx context.Context, actor domain.Actor, id uint, removeVolumes bool) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}

	var warnings []string
	manifestPath, err := site.ManifestPath(s.opts.SitesDir)
	if err != nil {
		return domain.Failure(err)
	}
	if _, statErr := os.Stat(manifestPath); statErr == nil {
		if res := s.driver.Down(ctx, manifestPath, removeVolumes); !res.Success {
			warnings = append(warnings, fmt.Sprintf("containers were not removed: %v", res.Err()))
		}
	} else {
		warnings = append(warnings, "no compose file on disk, containers were not touched")
	}

	if removeVolumes && site.Database.Type == domain.DatabaseShared && site.Type != domain.SiteTypeMariaDB {
		if err := s.dropSharedDatabase(ctx, site); err != nil {
			warnings = append(warnings, fmt.Sprintf("shared database was not dropped: %v", err))
		}
	}

	if err := s.store.Delete(&site.ID); err != nil && domain.ErrorKind(err) != domain.KindNotFound {
		return domain.Failure(err).WithWarnings(warnings...)
	}
	if err := s.sites.Delete(site.ID); err != nil {
		return domain.Failure(err).WithWarnings(warnings...)
	}

	moved, err := s.moveAside(site)
	if err != nil {
		warnings = append(warnings, err.Error())
	}

	s.audit.Record(actor, audit.ActionSiteDelete, &site.ID, site.Domain)
	slog.Info("Site deleted",
		"site_id", site.ID,
		"domain", site.Domain,
		"remove_volumes", removeVolumes,
		"moved_to", moved)

	message := fmt.Sprintf("site %s deleted", site.Name)
	if moved != "" {
		message += fmt.Sprintf(", files kept in %s", moved)
	}
	return domain.Success(message, site).WithWarnings(warnings...)
}

// moveAside renames the site directory instead of removing it. Containers
// leave root owned files behind that the control plane may not delete.
func (s *Service) moveAside(site *domain.Site) (string, error) {
	dir, err := site.Dir(s.opts.SitesDir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	target := domain.GetDeletedDirectoryPath(dir)
	if _, err := os.Stat(target); err == nil {
		target = fmt.Sprintf("%s-%d", target, s.now().Unix())
	}
	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("site directory could not be moved aside: %w", err)
	}
	return target, nil
}

// SetSSL enables or disables TLS. Any change invalidates the issued flag.
func (s *Service) SetSSL(ctx context.Context, actor domain.Actor, id uint, req SSLRequest) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	cfg, err := sslConfig(site.Type, req)
	if err != nil {
		return domain.Failure(err)
	}
	if err := s.ensureDNSCredentials(cfg); err != nil {
		return domain.Failure(err)
	}
	if cfg == site.SSL {
		return domain.Success("ssl unchanged", site)
	}
	previous := *site

	site.SSL = cfg
	site.SSLIssued = false
	site.SSLIssuedAt = nil
	warnings, err := s.save(ctx, site, previous, actor)
	if err != nil {
		return domain.Failure(err).WithWarnings(warnings...)
	}

	detail := "disabled"
	if cfg.Enabled {
		detail = string(cfg.Challenge)
		if cfg.DNSProvider != "" {
			detail += ":" + cfg.DNSProvider
		}
	}
	s.audit.Record(actor, audit.ActionSiteSSL, &site.ID, detail)
	return domain.Success(fmt.Sprintf("ssl %s for %s", detail, site.Domain), site).WithWarnings(warnings...)
}

// SetSFTP toggles the SFTP sidecar. Enabling allocates a port once; the
// port stays reserved when SFTP is disabled again.
func (s *Service) SetSFTP(ctx context.Context, actor domain.Actor, id uint, enabled bool) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	if enabled && !site.Type.IsWeb() {
		return domain.Failure(domain.NewValidationError("sftp", "%s sites have no content directory", site.Type))
	}
	if site.SFTP.Enabled == enabled {
		return domain.Success(fmt.Sprintf("sftp already %s", enabledWord(enabled)), site)
	}
	previous := *site

	var access *SFTPAccess
	if enabled {
		if err := assignSFTPCredentials(site); err != nil {
			return domain.Failure(err)
		}
		port, err := s.sites.AllocateSFTPPort(site.ID)
		if err != nil {
			return domain.Failure(err)
		}
		site.SFTP.Port = &port
		// An allocated port stays reserved even if enabling fails below
		previous.SFTP.Port = &port
		access = &SFTPAccess{Username: site.SFTP.Username, Password: site.SFTP.Password, Port: port}
	} else {
		site.SFTP.Enabled = false
	}

	warnings, err := s.save(ctx, site, previous, actor)
	if err != nil {
		return domain.Failure(err).WithWarnings(warnings...)
	}

	s.audit.Record(actor, audit.ActionSiteSFTP, &site.ID, enabledWord(enabled))
	result := domain.Success(fmt.Sprintf("sftp %s for %s", enabledWord(enabled), site.Domain), site)
	if access != nil {
		result = result.WithData(access)
	}
	return result.WithWarnings(warnings...)
}

// Labels returns the routing labels the site should carry
func (s *Service) Labels(id uint) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	return domain.Success("", proxy.GenerateRoutingLabels(site))
}

// MarkSSLIssued records that a certificate was obtained for the site
func (s *Service) MarkSSLIssued(id uint) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	if !site.SSL.Enabled {
		return domain.Failure(domain.NewValidationError("ssl", "is not enabled for %s", site.Domain))
	}
	now := s.now()
	site.SSLIssued = true
	site.SSLIssuedAt = &now
	if err := s.sites.Update(site); err != nil {
		return domain.Failure(err)
	}
	return domain.Success(fmt.Sprintf("certificate recorded for %s", site.Domain), site)
}

// save stores a changed site and applies it. When the stack cannot be
// rebuilt the stored row and descriptor are put back to previous.
func (s *Service) save(ctx context.Context, site *domain.Site, previous domain.Site, actor domain.Actor) ([]string, error) {
	if err := s.sites.Update(site); err != nil {
		return nil, err
	}
	warnings, err := s.apply(ctx, site, actor)
	if err == nil {
		return warnings, nil
	}

	if rbErr := s.sites.Update(&previous); rbErr != nil {
		slog.Error("Failed to roll back site after apply failure",
			"site_id", site.ID,
			"error", rbErr)
		return warnings, fmt.Errorf("%w (the stored site could not be rolled back: %v)", err, rbErr)
	}
	if _, rbErr := s.writeManifest(ctx, &previous, actor); rbErr != nil {
		slog.Warn("Previous compose file could not be restored",
			"site_id", site.ID,
			"error", rbErr)
	}
	return warnings, fmt.Errorf("%w (changes were rolled back)", err)
}

// apply rebuilds the site stack and brings it up. A failing compose up is
// only a warning; the stored state is already correct.
func (s *Service) apply(ctx context.Context, site *domain.Site, actor domain.Actor) ([]string, error) {
	manifestPath, err := s.writeManifest(ctx, site, actor)
	if err != nil {
		return nil, err
	}
	var warnings []string
	if res := s.driver.Up(ctx, manifestPath); !res.Success {
		warnings = append(warnings, fmt.Sprintf("containers were not recreated: %v", res.Err()))
	}
	site.Status = s.refresh(ctx, site)
	return warnings, nil
}

// writeManifest builds, stores and renders the compose file of a site
func (s *Service) writeManifest(ctx context.Context, site *domain.Site, actor domain.Actor) (string, error) {
	m, err := compose.BuildSiteManifest(site, compose.SiteOptions{
		Network: s.opts.Network,
		Labels:  proxy.GenerateRoutingLabels(site),
	})
	if err != nil {
		return "", err
	}
	return s.store.SaveManifest(ctx, m, &site.ID, actor.String())
}

func (s *Service) prepareContentDir(site *domain.Site) error {
	if !site.Type.IsWeb() {
		return nil
	}
	dir, err := site.ContentDir(s.opts.SitesDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &domain.IOError{Op: "create", Path: dir, Err: err, Diagnostics: compose.Diagnose(dir)}
	}
	if site.Type != domain.SiteTypePHP || site.DeployMethod != domain.DeployManual {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return nil
	}
	page := filepath.Join(dir, "index.html")
	return compose.WriteFile(page, []byte(fmt.Sprintf(placeholderPage, site.Domain)), 0o644)
}

func (s *Service) ensureDomainFree(domainName string, selfID uint) error {
	existing, err := s.sites.FindByDomain(domainName)
	switch {
	case err == nil && existing.ID != selfID:
		return domain.NewValidationError("domain", "%s is already used by site %s", domainName, existing.Name)
	case err == nil, domain.ErrorKind(err) == domain.KindNotFound:
		return nil
	default:
		return err
	}
}

// ensureDNSCredentials rejects a DNS challenge for a provider that was
// never configured through the proxy
func (s *Service) ensureDNSCredentials(cfg domain.SSLConfig) error {
	if !cfg.Enabled || cfg.Challenge != domain.ChallengeDNS {
		return nil
	}
	_, ok, err := s.settings.Get(cfg.CredentialsRef)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewValidationError("dns_provider", "no credentials configured for %s, configure the proxy DNS challenge first", cfg.DNSProvider)
	}
	return nil
}

// assignDatabase fills the database binding with a host and fresh credentials
func (s *Service) assignDatabase(site *domain.Site, dbType domain.DatabaseType) error {
	password, err := encryption.GeneratePassword(passwordLength)
	if err != nil {
		return err
	}
	binding := domain.DatabaseBinding{
		Type:     dbType,
		Name:     databaseIdentifier(site.ContainerName, maxDatabaseNameLen),
		User:     databaseIdentifier(site.ContainerName, maxDatabaseUserLen),
		Password: password,
		Port:     defaultMariaDBPort,
	}

	switch {
	case site.Type == domain.SiteTypeMariaDB:
		binding.Type = domain.DatabaseDedicated
		binding.Host = site.ContainerName
	case dbType == domain.DatabaseDedicated:
		binding.Host = compose.DedicatedDBHost(site)
	default:
		binding.Host = s.opts.SharedDBHost
		if s.opts.SharedDBPort > 0 {
			binding.Port = s.opts.SharedDBPort
		}
	}
	site.Database = binding
	return nil
}

// assignSFTPCredentials enables SFTP, keeping credentials generated earlier
func assignSFTPCredentials(site *domain.Site) error {
	if site.SFTP.Username == "" {
		user := strings.ReplaceAll(slug.Make(site.Name), "-", "_")
		if user == "" {
			user = "site"
		}
		site.SFTP.Username = truncate(user, maxDatabaseUserLen)
	}
	if site.SFTP.Password == "" {
		password, err := encryption.GeneratePassword(passwordLength)
		if err != nil {
			return err
		}
		site.SFTP.Password = password
	}
	site.SFTP.Enabled = true
	return nil
}

func (s *Service) observe(operation string, result domain.Result, start time.Time) {
	s.metrics.ObserveResult(operation, result, s.now().Sub(start))
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

const maxContainerNameAttempts = 100

// uniqueContainerName returns base, or base with a numeric suffix when
// another site or a leftover directory already holds that name
func (s *Service) uniqueContainerName(base string) (string, error) {
	for n := 1; n <= maxContainerNameAttempts; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		inUse, err := s.sites.ContainerNameInUse(name)
		if err != nil {
			return "", err
		}
		if inUse {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.opts.SitesDir, name)); err == nil {
			continue
		}
		return name, nil
	}
	return "", domain.NewValidationError("domain", "no free container name derived from %s", base)
}

// databaseIdentifier fits a MariaDB name into n characters. Names that
// need shortening keep a hash of the full name so distinct sites sharing
// a long prefix stay distinct.
func databaseIdentifier(name string, n int) string {
	if len(name) <= n {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:identifierHashLen]
	return truncate(name, n-identifierHashLen-1) + "_" + suffix
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "_")
}
