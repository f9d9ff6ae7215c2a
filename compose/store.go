package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"time"

	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/repository"
	"golang.org/x/sys/unix"
)

// ParamACMEEmail is the only parameter UpdateParameter accepts
const ParamACMEEmail = "letsencrypt_email"

// StoreConfig locates rendered manifests on disk
type StoreConfig struct {
	ProxyDir string
	SitesDir string
	Main     MainOptions
}

// Store keeps compose manifests as database rows and renders them to disk.
// The row is authoritative; the file is rewritten after every mutation.
type Store struct {
	configs repository.ComposeConfigRepository
	sites   repository.SiteRepository
	cfg     StoreConfig
	now     func() time.Time
}

func NewStore(configs repository.ComposeConfigRepository, sites repository.SiteRepository, cfg StoreConfig) *Store {
	return &Store{
		configs: configs,
		sites:   sites,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Get returns the descriptor of the main stack (siteID nil) or of a site
func (s *Store) Get(siteID *uint) (*domain.ComposeConfig, error) {
	return s.configs.Get(siteID)
}

// Save validates and upserts a descriptor. It does not render.
func (s *Store) Save(ctx context.Context, content string, siteID *uint, actor string) (uint, error) {
	if _, err := Parse(content); err != nil {
		return 0, domain.NewValidationError("content", "%v", err)
	}
	if siteID != nil {
		if _, err := s.sites.FindByID(*siteID); err != nil {
			return 0, err
		}
	}

	id, err := s.configs.Upsert(&domain.ComposeConfig{
		SiteID:    siteID,
		Content:   content,
		UpdatedBy: actor,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save compose config: %w", err)
	}

	slog.Debug("Compose config saved",
		"layer", "compose",
		"config_type", domain.ConfigTypeFor(siteID),
		"config_id", id,
		"updated_by", actor)
	return id, nil
}

// Path is where the descriptor of the addressed stack is rendered
func (s *Store) Path(siteID *uint) (string, error) {
	if siteID == nil {
		return filepath.Join(s.cfg.ProxyDir, domain.ManifestFileName), nil
	}
	site, err := s.sites.FindByID(*siteID)
	if err != nil {
		return "", err
	}
	return site.ManifestPath(s.cfg.SitesDir)
}

// Render writes the stored descriptor to its file and returns the path
func (s *Store) Render(siteID *uint) (string, error) {
	cfg, err := s.configs.Get(siteID)
	if err != nil {
		return "", err
	}
	path, err := s.Path(siteID)
	if err != nil {
		return "", err
	}

	if err := WriteFile(path, []byte(cfg.Content), 0o600); err != nil {
		slog.Error("Service operation failed",
			"layer", "compose",
			"operation", "render",
			"config_type", cfg.ConfigType,
			"path", path,
			"error", err)
		return "", err
	}
	return path, nil
}

// Delete removes the descriptor row of the addressed stack
func (s *Store) Delete(siteID *uint) error {
	return s.configs.Delete(siteID)
}

// LoadManifest returns the parsed descriptor of the addressed stack
func (s *Store) LoadManifest(siteID *uint) (*Manifest, error) {
	cfg, err := s.configs.Get(siteID)
	if err != nil {
		return nil, err
	}
	return Parse(cfg.Content)
}

// SaveManifest persists a manifest and renders it
func (s *Store) SaveManifest(ctx context.Context, m *Manifest, siteID *uint, actor string) (string, error) {
	content, err := m.Marshal()
	if err != nil {
		return "", err
	}
	if _, err := s.Save(ctx, content, siteID, actor); err != nil {
		return "", err
	}
	return s.Render(siteID)
}

// EnsureMain seeds the main descriptor when none exists. An existing file on
// disk is adopted as is; otherwise the default proxy stack is used. It
// reports whether a row was created.
func (s *Store) EnsureMain(ctx context.Context, actor string) (bool, error) {
	_, err := s.configs.Get(nil)
	if err == nil {
		return false, nil
	}
	if domain.ErrorKind(err) != domain.KindNotFound {
		return false, err
	}

	if _, err := s.bootstrapMain(ctx, actor); err != nil {
		return false, err
	}
	if err := s.ensureProxyEnv(); err != nil {
		return false, err
	}
	if _, err := s.Render(nil); err != nil {
		return false, err
	}

	slog.Info("Main compose config seeded", "layer", "compose", "path", filepath.Join(s.cfg.ProxyDir, domain.ManifestFileName))
	return true, nil
}

func (s *Store) bootstrapMain(ctx context.Context, actor string) (*Manifest, error) {
	path := filepath.Join(s.cfg.ProxyDir, domain.ManifestFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		m, err := Parse(string(data))
		if err != nil {
			return nil, domain.NewValidationError("main compose file", "%v", err)
		}
		if _, err := s.Save(ctx, string(data), nil, actor); err != nil {
			return nil, err
		}
		return m, nil
	case errors.Is(err, os.ErrNotExist):
		m := DefaultMainManifest(s.cfg.Main)
		content, err := m.Marshal()
		if err != nil {
			return nil, err
		}
		if _, err := s.Save(ctx, content, nil, actor); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, &domain.IOError{Op: "read", Path: path, Err: err, Diagnostics: Diagnose(path)}
	}
}

// ensureProxyEnv creates the proxy .env with a shared database root password
func (s *Store) ensureProxyEnv() error {
	path := filepath.Join(s.cfg.ProxyDir, ProxyEnvFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	password, err := encryption.GeneratePassword(32)
	if err != nil {
		return err
	}
	return WriteFile(path, []byte(SharedDBRootEnv+"="+password+"\n"), 0o600)
}

// UpdateParameter changes a single allow-listed setting of the main stack.
// Changing the ACME email archives the existing certificate stores so the
// resolver registers a fresh account.
func (s *Store) UpdateParameter(ctx context.Context, key, value string, siteID *uint, actor string) error {
	if siteID != nil {
		return domain.NewValidationError("site_id", "parameters can only be updated on the main stack")
	}
	if key != ParamACMEEmail {
		return domain.NewValidationError("key", "parameter %q cannot be updated", key)
	}
	if _, err := mail.ParseAddress(value); err != nil {
		return domain.NewValidationError(ParamACMEEmail, "%q is not a valid email address", value)
	}

	m, err := s.LoadManifest(nil)
	if domain.ErrorKind(err) == domain.KindNotFound {
		m, err = s.bootstrapMain(ctx, actor)
	}
	if err != nil {
		return err
	}

	traefik, err := m.Service(TraefikService)
	if err != nil {
		return domain.NewValidationError("main compose file", "%v", err)
	}

	idx := traefik.Command.IndexPrefix(ArgACMEEmail)
	if idx < 0 {
		traefik.Command = append(traefik.Command, ArgACMEEmail+value)
	} else {
		traefik.Command[idx] = ArgACMEEmail + value
	}
	if dnsIdx := traefik.Command.IndexPrefix(ArgDNSEmail); dnsIdx >= 0 {
		traefik.Command[dnsIdx] = ArgDNSEmail + value
	}

	if _, err := s.SaveManifest(ctx, m, nil, actor); err != nil {
		return err
	}

	for _, name := range []string{ACMEFile, ACMEDNSFile} {
		if err := s.archiveACMEStore(filepath.Join(s.cfg.ProxyDir, LetsEncryptDir, name)); err != nil {
			return err
		}
	}

	slog.Info("ACME email updated", "layer", "compose", "updated_by", actor)
	return nil
}

// archiveACMEStore moves an existing store aside and leaves an empty one.
// Missing stores are left alone.
func (s *Store) archiveACMEStore(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	backup := fmt.Sprintf("%s.%s.bak", path, s.now().UTC().Format("20060102150405"))
	if err := os.Rename(path, backup); err != nil {
		return &domain.IOError{Op: "archive", Path: path, Err: err, Diagnostics: Diagnose(path)}
	}
	return WriteFile(path, []byte("{}"), 0o600)
}

// WriteFile writes data through a temporary file in the same directory.
// Failures carry diagnostics about the directory and the file.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	fail := func(op string, err error) error {
		return &domain.IOError{Op: op, Path: path, Err: err, Diagnostics: Diagnose(path)}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail("create directory for", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fail("write", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fail("write", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fail("write", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("write", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fail("write", err)
	}
	return nil
}

// Diagnose probes the directory and file behind a failed write
func Diagnose(path string) domain.IODiagnostics {
	dir := filepath.Dir(path)
	var d domain.IODiagnostics

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		d.DirExists = true
		d.DirWritable = unix.Access(dir, unix.W_OK) == nil
	}
	if _, err := os.Stat(path); err == nil {
		d.FileExists = true
		d.FileWritable = unix.Access(path, unix.W_OK) == nil
	}
	return d
}
