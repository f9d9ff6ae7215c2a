package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/repository"
)

const credentialsKeyPrefix = "dns_credentials."

// DNSProvider describes the environment a Traefik DNS challenge provider reads
type DNSProvider struct {
	Name     string
	Required []string
	Optional []string
}

// Accepts reports whether key is an environment variable the provider reads
func (p DNSProvider) Accepts(key string) bool {
	return slices.Contains(p.Required, key) || slices.Contains(p.Optional, key)
}

var dnsProviders = map[string]DNSProvider{
	"cloudflare": {
		Name:     "cloudflare",
		Required: []string{"CF_DNS_API_TOKEN"},
		Optional: []string{"CF_ZONE_API_TOKEN"},
	},
	"route53": {
		Name:     "route53",
		Required: []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
		Optional: []string{"AWS_HOSTED_ZONE_ID"},
	},
	"digitalocean": {
		Name:     "digitalocean",
		Required: []string{"DO_AUTH_TOKEN"},
	},
	"gcp": {
		Name:     "gcp",
		Required: []string{"GCE_PROJECT", "GCE_SERVICE_ACCOUNT_FILE"},
	},
	"azure": {
		Name:     "azure",
		Required: []string{"AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "AZURE_TENANT_ID", "AZURE_SUBSCRIPTION_ID"},
		Optional: []string{"AZURE_RESOURCE_GROUP"},
	},
}

// LookupDNSProvider returns the provider registered under name
func LookupDNSProvider(name string) (DNSProvider, bool) {
	p, ok := dnsProviders[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// DNSProviderNames lists the supported providers in stable order
func DNSProviderNames() []string {
	return slices.Sorted(maps.Keys(dnsProviders))
}

// CredentialsKey is the settings key under which a provider's encrypted
// credentials are kept
func CredentialsKey(provider string) string {
	return credentialsKeyPrefix + provider
}

// Manager applies global certificate resolver changes to the main stack
type Manager struct {
	store    *compose.Store
	driver   docker.Driver
	settings repository.SettingsStore
	cipher   encryption.Cipher
	audit    audit.Recorder
	proxyDir string
}

func NewManager(
	store *compose.Store,
	driver docker.Driver,
	settings repository.SettingsStore,
	cipher encryption.Cipher,
	recorder audit.Recorder,
	proxyDir string,
) *Manager {
	return &Manager{
		store:    store,
		driver:   driver,
		settings: settings,
		cipher:   cipher,
		audit:    recorder,
		proxyDir: proxyDir,
	}
}

// ConfigureDNS enables the letsencrypt-dns resolver for provider. The
// credentials are written to dns.env next to the main manifest, which Traefik
// loads through env_file; only the traefik service is recreated.
func (m *Manager) ConfigureDNS(ctx context.Context, actor domain.Actor, providerName string, credentials map[string]string) domain.Result {
	provider, err := validateCredentials(providerName, credentials)
	if err != nil {
		return domain.Failure(err)
	}

	previous, err := m.snapshotDNSEnv()
	if err != nil {
		return domain.Failure(err)
	}

	if err := m.writeDNSEnv(credentials); err != nil {
		slog.Error("Service operation failed",
			"layer", "proxy",
			"operation", "configure_dns",
			"provider", provider.Name,
			"error", err)
		m.restoreDNSEnv(previous)
		return domain.Failure(err)
	}

	path, err := m.patchMainManifest(ctx, provider.Name, actor.String())
	if err != nil {
		slog.Error("Service operation failed",
			"layer", "proxy",
			"operation", "configure_dns",
			"provider", provider.Name,
			"error", err)
		m.restoreDNSEnv(previous)
		return domain.Failure(err)
	}

	token, err := encryption.EncryptMap(m.cipher, credentials)
	if err != nil {
		return domain.Failure(fmt.Errorf("failed to encrypt DNS credentials: %w", err))
	}
	if err := m.settings.Set(CredentialsKey(provider.Name), token); err != nil {
		return domain.Failure(fmt.Errorf("failed to store DNS credentials: %w", err))
	}

	m.audit.Record(actor, audit.ActionProxyDNS, nil, provider.Name)

	result := domain.Success(fmt.Sprintf("DNS challenge configured for %s", provider.Name), map[string]string{
		"provider": provider.Name,
		"manifest": path,
	})
	if res := m.driver.RecreateService(ctx, path, compose.TraefikService); !res.Success {
		return result.WithWarnings("configuration saved but traefik could not be recreated: " + res.Err().Error())
	}
	return result
}

// SetACMEEmail changes the ACME account email of both resolvers and
// recreates traefik so it registers again
func (m *Manager) SetACMEEmail(ctx context.Context, actor domain.Actor, email string) domain.Result {
	if err := m.store.UpdateParameter(ctx, compose.ParamACMEEmail, email, nil, actor.String()); err != nil {
		return domain.Failure(err)
	}
	path, err := m.store.Path(nil)
	if err != nil {
		return domain.Failure(err)
	}

	m.audit.Record(actor, audit.ActionProxyEmail, nil, email)

	result := domain.Success("ACME email updated", map[string]string{"email": email})
	if res := m.driver.RecreateService(ctx, path, compose.TraefikService); !res.Success {
		return result.WithWarnings("configuration saved but traefik could not be recreated: " + res.Err().Error())
	}
	return result
}

// StoredCredentials returns the decrypted credentials saved for provider
func (m *Manager) StoredCredentials(provider string) (map[string]string, error) {
	token, ok, err := m.settings.Get(CredentialsKey(provider))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewNotFoundError("dns credentials", provider)
	}
	return encryption.DecryptMap(m.cipher, token)
}

// DNSEnvPath is where provider credentials are written for Traefik
func (m *Manager) DNSEnvPath() string {
	return filepath.Join(m.proxyDir, compose.DNSEnvFile)
}

func validateCredentials(providerName string, credentials map[string]string) (DNSProvider, error) {
	provider, ok := LookupDNSProvider(providerName)
	if !ok {
		return DNSProvider{}, domain.NewValidationError("provider",
			"unsupported DNS provider %q (supported: %s)", providerName, strings.Join(DNSProviderNames(), ", "))
	}

	for key, value := range credentials {
		if !provider.Accepts(key) {
			return DNSProvider{}, domain.NewValidationError("credentials", "%s is not used by the %s provider", key, provider.Name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return DNSProvider{}, domain.NewValidationError("credentials", "%s must be a single line", key)
		}
	}
	for _, key := range provider.Required {
		if strings.TrimSpace(credentials[key]) == "" {
			return DNSProvider{}, domain.NewValidationError("credentials", "%s is required for the %s provider", key, provider.Name)
		}
	}
	return provider, nil
}

// dnsEnvSnapshot is dns.env as it was before a change
type dnsEnvSnapshot struct {
	exists  bool
	content []byte
}

func (m *Manager) snapshotDNSEnv() (dnsEnvSnapshot, error) {
	path := m.DNSEnvPath()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return dnsEnvSnapshot{exists: true, content: data}, nil
	case errors.Is(err, os.ErrNotExist):
		return dnsEnvSnapshot{}, nil
	default:
		return dnsEnvSnapshot{}, &domain.IOError{Op: "read", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
	}
}

// restoreDNSEnv puts dns.env back the way the snapshot found it, so the
// file never references a provider the manifest does not use
func (m *Manager) restoreDNSEnv(snap dnsEnvSnapshot) {
	path := m.DNSEnvPath()
	var err error
	if !snap.exists {
		err = os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	} else {
		err = compose.WriteFile(path, snap.content, 0o600)
	}
	if err != nil {
		slog.Error("Failed to restore DNS credentials file",
			"layer", "proxy",
			"path", path,
			"error", err)
	}
}

func (m *Manager) writeDNSEnv(credentials map[string]string) error {
	var b strings.Builder
	for _, key := range slices.Sorted(maps.Keys(credentials)) {
		if credentials[key] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", key, quoteEnvValue(credentials[key]))
	}

	path := m.DNSEnvPath()
	if err := compose.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}

	// Read the file back the way compose will so quoting mistakes surface here
	parsed, err := dotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", path, err)
	}
	for key, value := range credentials {
		if value != "" && parsed[key] != value {
			return domain.NewValidationError("credentials", "%s cannot be represented in an env file", key)
		}
	}
	return nil
}

// quoteEnvValue single-quotes a value so that dollar signs and hashes are
// taken literally
func quoteEnvValue(value string) string {
	if !strings.Contains(value, "'") {
		return "'" + value + "'"
	}
	return strconv.Quote(value)
}

func (m *Manager) patchMainManifest(ctx context.Context, provider, actor string) (string, error) {
	if _, err := m.store.EnsureMain(ctx, actor); err != nil {
		return "", err
	}
	manifest, err := m.store.LoadManifest(nil)
	if err != nil {
		return "", err
	}
	traefik, err := manifest.Service(compose.TraefikService)
	if err != nil {
		return "", domain.NewValidationError("main compose file", "%v", err)
	}

	if !slices.Contains(traefik.EnvFile, compose.DNSEnvFile) {
		traefik.EnvFile = append(traefik.EnvFile, compose.DNSEnvFile)
	}
	traefik.Command = applyDNSResolverArgs(traefik.Command, provider)

	return m.store.SaveManifest(ctx, manifest, nil, actor)
}

// applyDNSResolverArgs inserts the letsencrypt-dns resolver right after the
// letsencrypt storage argument. When the resolver already exists only the
// provider argument is refreshed.
func applyDNSResolverArgs(args compose.StringList, provider string) compose.StringList {
	providerArg := compose.ArgDNSProvider + provider

	if args.IndexPrefix(compose.ArgDNSResolver) >= 0 {
		if idx := args.IndexPrefix(compose.ArgDNSProvider); idx >= 0 {
			args[idx] = providerArg
			return args
		}
		last := 0
		for i, arg := range args {
			if strings.HasPrefix(arg, compose.ArgDNSResolver) {
				last = i
			}
		}
		return slices.Insert(args, last+1, providerArg)
	}

	email := ""
	if idx := args.IndexPrefix(compose.ArgACMEEmail); idx >= 0 {
		email = strings.TrimPrefix(args[idx], compose.ArgACMEEmail)
	}
	block := []string{
		compose.ArgDNSEmail + email,
		compose.ArgDNSStorage + "/" + compose.LetsEncryptDir + "/" + compose.ACMEDNSFile,
		compose.ArgDNSChallenge,
		providerArg,
		compose.ArgDNSResolvers,
	}

	at := len(args)
	if idx := args.IndexPrefix(compose.ArgACMEStorage); idx >= 0 {
		at = idx + 1
	}
	return slices.Insert(args, at, block...)
}
