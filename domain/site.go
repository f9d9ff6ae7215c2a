// Package domain provides core domain types and entities for sitedock.
package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

const (
	// SFTPBasePort is the first port handed out to SFTP sidecars
	SFTPBasePort = 2222

	// ManifestFileName is the compose file name inside every stack directory
	ManifestFileName = "docker-compose.yml"

	// ContentDirName is the per-site directory bind-mounted as the document root
	ContentDirName = "html"

	// ContainerContentRoot is where the content directory is mounted inside site containers
	ContainerContentRoot = "/var/www/html"

	// DefaultPHPVersion is used when a site request does not name one
	DefaultPHPVersion = "8.3"
)

// SupportedPHPVersions lists the PHP runtimes site images are built for
var SupportedPHPVersions = []string{"7.4", "8.0", "8.1", "8.2", "8.3", "8.4"}

// SiteType is the kind of application a site runs
type SiteType string

const (
	SiteTypeWordPress SiteType = "wordpress"
	SiteTypePHP       SiteType = "php"
	SiteTypeLaravel   SiteType = "laravel"
	SiteTypeMariaDB   SiteType = "mariadb"
)

func (t SiteType) String() string {
	return string(t)
}

func (t SiteType) IsValid() bool {
	switch t {
	case SiteTypeWordPress, SiteTypePHP, SiteTypeLaravel, SiteTypeMariaDB:
		return true
	default:
		return false
	}
}

// IsWeb reports whether the site serves HTTP and therefore gets routing labels
func (t SiteType) IsWeb() bool {
	return t.IsValid() && t != SiteTypeMariaDB
}

func ParseSiteType(s string) (SiteType, error) {
	t := SiteType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid site type: %s", s)
	}
	return t, nil
}

// ChallengeType is the ACME challenge used to prove domain ownership
type ChallengeType string

const (
	ChallengeHTTP ChallengeType = "http"
	ChallengeDNS  ChallengeType = "dns"
)

func (c ChallengeType) IsValid() bool {
	return c == ChallengeHTTP || c == ChallengeDNS
}

// DatabaseType tells whether a site uses the shared MariaDB server or its own
type DatabaseType string

const (
	DatabaseShared    DatabaseType = "shared"
	DatabaseDedicated DatabaseType = "dedicated"
)

func (d DatabaseType) IsValid() bool {
	return d == DatabaseShared || d == DatabaseDedicated
}

// DeployMethod selects how site content is delivered
type DeployMethod string

const (
	DeployManual DeployMethod = "manual"
	DeployGitHub DeployMethod = "github"
)

func (d DeployMethod) IsValid() bool {
	return d == DeployManual || d == DeployGitHub
}

type SSLConfig struct {
	Enabled     bool          `json:"enabled"`
	Challenge   ChallengeType `json:"challenge,omitempty"`
	DNSProvider string        `json:"dns_provider,omitempty"`
	// CredentialsRef names the settings key holding the encrypted DNS credentials
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// CertResolver returns the Traefik certificate resolver matching the challenge type
func (c SSLConfig) CertResolver() string {
	if c.Challenge == ChallengeDNS {
		return "letsencrypt-dns"
	}
	return "letsencrypt"
}

type DatabaseBinding struct {
	Type     DatabaseType `json:"type"`
	Host     string       `json:"host,omitempty"`
	Name     string       `json:"name,omitempty"`
	User     string       `json:"user,omitempty"`
	Port     int          `json:"port,omitempty"`
	Password string       `json:"-"`
}

type RedisBinding struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

type SFTPBinding struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	Port     *int   `json:"port,omitempty"`
}

type GitHubBinding struct {
	Repo       string     `json:"repo,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	Token      string     `json:"-"`
	LastCommit *string    `json:"last_commit,omitempty"`
	LastPullAt *time.Time `json:"last_pull_at,omitempty"`
}

// IsConfigured reports whether a repository is bound to the site
func (g GitHubBinding) IsConfigured() bool {
	return strings.TrimSpace(g.Repo) != ""
}

// RepoURL expands an "owner/name" shorthand into a GitHub HTTPS clone URL.
// Full URLs are returned untouched.
func (g GitHubBinding) RepoURL() string {
	repo := strings.TrimSpace(g.Repo)
	if strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@") || filepath.IsAbs(repo) {
		return repo
	}
	repo = strings.TrimSuffix(repo, ".git")
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

func (g GitHubBinding) LastCommitStr() string {
	if g.LastCommit == nil {
		return ""
	}
	return *g.LastCommit
}

type Site struct {
	ID            uint            `json:"id"`
	Name          string          `json:"name"`
	Type          SiteType        `json:"type"`
	Domain        string          `json:"domain"`
	SSL           SSLConfig       `json:"ssl"`
	Status        SiteStatus      `json:"status"`
	ContainerName string          `json:"container_name"`
	Database      DatabaseBinding `json:"database"`
	Redis         RedisBinding    `json:"redis"`
	SFTP          SFTPBinding     `json:"sftp"`
	GitHub        GitHubBinding   `json:"github"`
	DeployMethod  DeployMethod    `json:"deploy_method"`
	PHPVersion    string          `json:"php_version"`
	SSLIssued     bool            `json:"ssl_issued"`
	SSLIssuedAt   *time.Time      `json:"ssl_issued_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Dir is the stack directory holding the site's manifest and content root
func (s *Site) Dir(sitesDir string) (string, error) {
	if s.ContainerName == "" {
		return "", fmt.Errorf("container name is not set for site %s", s.Name)
	}
	return filepath.Join(sitesDir, s.ContainerName), nil
}

func (s *Site) ContentDir(sitesDir string) (string, error) {
	dir, err := s.Dir(sitesDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ContentDirName), nil
}

func (s *Site) ManifestPath(sitesDir string) (string, error) {
	dir, err := s.Dir(sitesDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ManifestFileName), nil
}

// DeriveContainerName builds the stable container name of a site. It is
// computed once at creation time and never recomputed, even if the domain changes.
func DeriveContainerName(siteType SiteType, domainName string) string {
	normalized := strings.ReplaceAll(slug.Make(domainName), "-", "_")
	return fmt.Sprintf("%s_%s", siteType, normalized)
}

// GetDeletedDirectoryPath calculates the path where a site directory is moved when deleted
func GetDeletedDirectoryPath(dir string) string {
	deletedDirName := fmt.Sprintf("deleted-%s", filepath.Base(dir))
	return filepath.Join(filepath.Dir(dir), deletedDirName)
}

func NewSite(name string, siteType SiteType, domainName string) Site {
	normalized := strings.ToLower(strings.TrimSpace(domainName))
	return Site{
		Name:          name,
		Type:          siteType,
		Domain:        normalized,
		Status:        SiteStatusStopped,
		ContainerName: DeriveContainerName(siteType, normalized),
		Database:      DatabaseBinding{Type: DatabaseShared},
		DeployMethod:  DeployManual,
		PHPVersion:    DefaultPHPVersion,
	}
}
