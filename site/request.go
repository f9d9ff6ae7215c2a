package site

import (
	"regexp"
	"slices"
	"strings"

	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/proxy"
)

const maxDomainLength = 253

var (
	domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]{0,63}$`)
)

// CreateSiteRequest describes a new site
type CreateSiteRequest struct {
	Name         string      `json:"name"`
	Type         string      `json:"type"`
	Domain       string      `json:"domain"`
	PHPVersion   string      `json:"php_version,omitempty"`
	Database     string      `json:"database,omitempty"`
	Redis        bool        `json:"redis,omitempty"`
	SFTP         bool        `json:"sftp,omitempty"`
	SSL          *SSLRequest `json:"ssl,omitempty"`
	DeployMethod string      `json:"deploy_method,omitempty"`
	GitHubRepo   string      `json:"github_repo,omitempty"`
	GitHubBranch string      `json:"github_branch,omitempty"`
	GitHubToken  string      `json:"github_token,omitempty"`
}

// UpdateSiteRequest carries a partial update. Nil fields are left untouched.
type UpdateSiteRequest struct {
	Name         *string `json:"name,omitempty"`
	Domain       *string `json:"domain,omitempty"`
	PHPVersion   *string `json:"php_version,omitempty"`
	Redis        *bool   `json:"redis,omitempty"`
	DeployMethod *string `json:"deploy_method,omitempty"`
	GitHubRepo   *string `json:"github_repo,omitempty"`
	GitHubBranch *string `json:"github_branch,omitempty"`
	GitHubToken  *string `json:"github_token,omitempty"`
}

// SSLRequest enables or disables TLS for a site
type SSLRequest struct {
	Enabled     bool   `json:"enabled"`
	Challenge   string `json:"challenge,omitempty"`
	DNSProvider string `json:"dns_provider,omitempty"`
}

func normalizeDomain(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

func validateDomain(s string) error {
	if s == "" {
		return domain.NewValidationError("domain", "is required")
	}
	if len(s) > maxDomainLength || !domainPattern.MatchString(s) {
		return domain.NewValidationError("domain", "%q is not a valid domain name", s)
	}
	return nil
}

func validateName(s string) error {
	if strings.TrimSpace(s) == "" {
		return domain.NewValidationError("name", "is required")
	}
	if !namePattern.MatchString(s) {
		return domain.NewValidationError("name", "%q may only contain letters, digits, spaces, dots, dashes and underscores", s)
	}
	return nil
}

func validatePHPVersion(v string) error {
	if !slices.Contains(domain.SupportedPHPVersions, v) {
		return domain.NewValidationError("php_version", "%s is not supported (choose one of %s)", v, strings.Join(domain.SupportedPHPVersions, ", "))
	}
	return nil
}

func parseDeployMethod(s string) (domain.DeployMethod, error) {
	if s == "" {
		return domain.DeployManual, nil
	}
	m := domain.DeployMethod(strings.ToLower(s))
	if !m.IsValid() {
		return "", domain.NewValidationError("deploy_method", "must be manual or github")
	}
	return m, nil
}

func parseDatabaseType(s string) (domain.DatabaseType, error) {
	if s == "" {
		return domain.DatabaseShared, nil
	}
	t := domain.DatabaseType(strings.ToLower(s))
	if !t.IsValid() {
		return "", domain.NewValidationError("database", "must be shared or dedicated")
	}
	return t, nil
}

// sslConfig validates a request against the site type. DNS challenges need
// a known provider; whether its credentials exist is checked by the caller.
func sslConfig(siteType domain.SiteType, req SSLRequest) (domain.SSLConfig, error) {
	if !req.Enabled {
		return domain.SSLConfig{}, nil
	}
	if !siteType.IsWeb() {
		return domain.SSLConfig{}, domain.NewValidationError("ssl", "%s sites are not served over HTTP", siteType)
	}

	challenge := domain.ChallengeType(strings.ToLower(req.Challenge))
	if challenge == "" {
		challenge = domain.ChallengeHTTP
	}
	if !challenge.IsValid() {
		return domain.SSLConfig{}, domain.NewValidationError("challenge", "must be http or dns")
	}

	cfg := domain.SSLConfig{Enabled: true, Challenge: challenge}
	if challenge == domain.ChallengeDNS {
		provider := strings.ToLower(strings.TrimSpace(req.DNSProvider))
		if _, ok := proxy.LookupDNSProvider(provider); !ok {
			return domain.SSLConfig{}, domain.NewValidationError("dns_provider", "unknown provider %q (choose one of %s)",
				req.DNSProvider, strings.Join(proxy.DNSProviderNames(), ", "))
		}
		cfg.DNSProvider = provider
		cfg.CredentialsRef = proxy.CredentialsKey(provider)
	}
	return cfg, nil
}

func (r CreateSiteRequest) validate() (domain.SiteType, error) {
	if err := validateName(r.Name); err != nil {
		return "", err
	}
	siteType, err := domain.ParseSiteType(r.Type)
	if err != nil {
		return "", domain.NewValidationError("type", "must be one of wordpress, php, laravel, mariadb")
	}
	if err := validateDomain(normalizeDomain(r.Domain)); err != nil {
		return "", err
	}
	if r.PHPVersion != "" {
		if err := validatePHPVersion(r.PHPVersion); err != nil {
			return "", err
		}
	}
	method, err := parseDeployMethod(r.DeployMethod)
	if err != nil {
		return "", err
	}
	if method == domain.DeployGitHub {
		if siteType == domain.SiteTypeMariaDB {
			return "", domain.NewValidationError("deploy_method", "mariadb sites have no content to deploy")
		}
		if strings.TrimSpace(r.GitHubRepo) == "" {
			return "", domain.NewValidationError("github_repo", "is required for GitHub deployment")
		}
	}
	if _, err := parseDatabaseType(r.Database); err != nil {
		return "", err
	}
	if siteType == domain.SiteTypeMariaDB && (r.Redis || r.SFTP) {
		return "", domain.NewValidationError("type", "mariadb sites cannot have redis or SFTP")
	}
	return siteType, nil
}
