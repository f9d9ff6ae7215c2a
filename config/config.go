// Package config provides configuration loading for sitedock.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"gopkg.in/yaml.v3"
)

const (
	SitesDir    = "sites"
	ProxyDir    = "proxy"
	LogsDir     = "logs"
	TmpDir      = "tmp"
	EnvFileName = ".env"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// GetDefaultDataDir returns the default data directory following XDG Base Directory specification
func GetDefaultDataDir() string {
	return getDefaultDataDirWithEnv(&DefaultEnvProvider{})
}

func getDefaultDataDirWithEnv(env EnvProvider) string {
	xdgDataHome := env.Getenv("XDG_DATA_HOME")
	if xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "sitedock")
	}

	homeDir, _ := env.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "sitedock")
}

// Config holds configuration for all services
type Config struct {
	// Core paths
	DataDir      string
	DatabasePath string
	SitesDir     string
	ProxyDir     string
	LogsDir      string
	TmpDir       string
	VersionFile  string

	// Logging
	LogLevel     string
	ColorEnabled bool

	// Database
	DBBusyTimeout time.Duration

	// Docker
	DockerHost     string
	DockerCommand  string
	DockerBinaries []string
	ProxyNetwork   string
	CommandTimeout time.Duration

	// Proxy
	ACMEEmail    string
	TraefikImage string

	// Shared database server
	SharedDBContainer string
	SharedDBHost      string
	SharedDBPort      int

	// HTTP server
	HTTPHost string
	HTTPPort int

	// Git
	GitTimeout time.Duration

	// Operations
	DeployStaleAfter time.Duration

	// Updates
	UpdateCheckURL   string
	UpdateScript     string
	UpdateCheckTTL   time.Duration
	UpdateStaleAfter time.Duration

	// Encryption
	EncryptionKey string

	// Environment provider for testing
	env EnvProvider
}

// yamlConfig mirrors the optional YAML configuration file
type yamlConfig struct {
	DataDir       string `yaml:"data_dir"`
	DatabasePath  string `yaml:"database_path"`
	LogLevel      string `yaml:"log_level"`
	ColorEnabled  *bool  `yaml:"color_enabled"`
	EncryptionKey string `yaml:"encryption_key"`
	Database      struct {
		BusyTimeout string `yaml:"busy_timeout"`
	} `yaml:"database"`
	Docker struct {
		Host           string   `yaml:"host"`
		Command        string   `yaml:"command"`
		Binaries       []string `yaml:"binaries"`
		Network        string   `yaml:"network"`
		CommandTimeout string   `yaml:"command_timeout"`
	} `yaml:"docker"`
	Proxy struct {
		ACMEEmail    string `yaml:"acme_email"`
		TraefikImage string `yaml:"traefik_image"`
	} `yaml:"proxy"`
	SharedDB struct {
		Container string `yaml:"container"`
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
	} `yaml:"shared_db"`
	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`
	Git struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"git"`
	Deploy struct {
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"deploy"`
	Update struct {
		CheckURL   string `yaml:"check_url"`
		Script     string `yaml:"script"`
		CheckTTL   string `yaml:"check_ttl"`
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"update"`
}

// NewConfig creates a configuration from an optional YAML file, environment and defaults
func NewConfig(configPath string) (*Config, error) {
	return NewConfigWithEnv(configPath, &DefaultEnvProvider{})
}

// NewConfigWithEnv creates a configuration with a custom environment provider (for testing)
func NewConfigWithEnv(configPath string, env EnvProvider) (*Config, error) {
	return newConfig(configPath, "", env)
}

// NewConfigForCLI creates a configuration for CLI usage with optional data directory override
func NewConfigForCLI(configPath, cliDataDir string) (*Config, error) {
	return newConfig(configPath, cliDataDir, &DefaultEnvProvider{})
}

// NewConfigForCLIWithEnv creates a CLI configuration with custom environment provider (for testing)
func NewConfigForCLIWithEnv(configPath, cliDataDir string, env EnvProvider) (*Config, error) {
	return newConfig(configPath, cliDataDir, env)
}

func newConfig(configPath, cliDataDir string, env EnvProvider) (*Config, error) {
	c := &Config{env: env}

	c.setDefaults()

	if configPath != "" {
		if err := c.loadFromYamlFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	c.loadFromEnv()

	if cliDataDir != "" {
		c.DataDir = cliDataDir
	}

	c.derivePaths()

	// Fall back to the .env file in the data directory for the encryption key
	if c.EncryptionKey == "" {
		if key := c.readEncryptionKeyFromEnvFile(); key != "" {
			c.EncryptionKey = key
		}
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

// setDefaults sets sensible default values
func (c *Config) setDefaults() {
	c.DataDir = getDefaultDataDirWithEnv(c.env)
	c.LogLevel = "info"
	c.ColorEnabled = true
	c.DBBusyTimeout = 5 * time.Second
	c.DockerHost = "unix:///var/run/docker.sock"
	c.DockerCommand = "docker"
	c.DockerBinaries = []string{"docker", "/usr/bin/docker", "/usr/local/bin/docker", "/snap/bin/docker"}
	c.ProxyNetwork = "sitedock"
	c.CommandTimeout = 10 * time.Minute
	c.ACMEEmail = "admin@example.com"
	c.TraefikImage = "traefik:v3.1"
	c.SharedDBContainer = "sitedock_db"
	c.SharedDBHost = "sitedock_db"
	c.SharedDBPort = 3306
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 8080
	c.GitTimeout = 5 * time.Minute
	c.DeployStaleAfter = 30 * time.Minute
	c.UpdateCheckURL = "https://updates.sitedock.dev/latest.json"
	c.UpdateScript = "/opt/sitedock/scripts/update.sh"
	c.UpdateCheckTTL = 6 * time.Hour
	c.UpdateStaleAfter = 10 * time.Minute
}

// loadFromYamlFile overlays values present in the YAML file
func (c *Config) loadFromYamlFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&c.DataDir, yc.DataDir)
	setString(&c.DatabasePath, yc.DatabasePath)
	setString(&c.LogLevel, yc.LogLevel)
	if yc.ColorEnabled != nil {
		c.ColorEnabled = *yc.ColorEnabled
	}
	setString(&c.EncryptionKey, yc.EncryptionKey)
	setString(&c.DockerHost, yc.Docker.Host)
	setString(&c.DockerCommand, yc.Docker.Command)
	if len(yc.Docker.Binaries) > 0 {
		c.DockerBinaries = yc.Docker.Binaries
	}
	setString(&c.ProxyNetwork, yc.Docker.Network)
	setString(&c.ACMEEmail, yc.Proxy.ACMEEmail)
	setString(&c.TraefikImage, yc.Proxy.TraefikImage)
	setString(&c.SharedDBContainer, yc.SharedDB.Container)
	setString(&c.SharedDBHost, yc.SharedDB.Host)
	if yc.SharedDB.Port != 0 {
		c.SharedDBPort = yc.SharedDB.Port
	}
	setString(&c.HTTPHost, yc.HTTP.Host)
	if yc.HTTP.Port != 0 {
		c.HTTPPort = yc.HTTP.Port
	}
	setString(&c.UpdateCheckURL, yc.Update.CheckURL)
	setString(&c.UpdateScript, yc.Update.Script)

	durations := []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"database.busy_timeout", yc.Database.BusyTimeout, &c.DBBusyTimeout},
		{"docker.command_timeout", yc.Docker.CommandTimeout, &c.CommandTimeout},
		{"git.timeout", yc.Git.Timeout, &c.GitTimeout},
		{"deploy.stale_after", yc.Deploy.StaleAfter, &c.DeployStaleAfter},
		{"update.check_ttl", yc.Update.CheckTTL, &c.UpdateCheckTTL},
		{"update.stale_after", yc.Update.StaleAfter, &c.UpdateStaleAfter},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		*d.target = parsed
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if v := c.env.Getenv("SITEDOCK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := c.env.Getenv("SITEDOCK_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := c.env.Getenv("SITEDOCK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := c.env.Getenv("SITEDOCK_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	if v := c.env.Getenv("SITEDOCK_DOCKER_HOST"); v != "" {
		c.DockerHost = v
	}
	if v := c.env.Getenv("SITEDOCK_DOCKER_COMMAND"); v != "" {
		c.DockerCommand = v
	}
	if v := c.env.Getenv("SITEDOCK_DOCKER_BINARIES"); v != "" {
		c.DockerBinaries = strings.Split(v, ":")
	}
	if v := c.env.Getenv("SITEDOCK_PROXY_NETWORK"); v != "" {
		c.ProxyNetwork = v
	}
	if v := c.env.Getenv("SITEDOCK_ACME_EMAIL"); v != "" {
		c.ACMEEmail = v
	}
	if v := c.env.Getenv("SITEDOCK_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := c.env.Getenv("SITEDOCK_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := c.env.Getenv("SITEDOCK_GIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitTimeout = d
		}
	}
	if v := c.env.Getenv("SITEDOCK_DB_BUSY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DBBusyTimeout = d
		}
	}
	if v := c.env.Getenv("SITEDOCK_UPDATE_CHECK_URL"); v != "" {
		c.UpdateCheckURL = v
	}
	if v := c.env.Getenv("SITEDOCK_UPDATE_SCRIPT"); v != "" {
		c.UpdateScript = v
	}
	if v := c.env.Getenv("SITEDOCK_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
}

// readEncryptionKeyFromEnvFile attempts to read SITEDOCK_ENCRYPTION_KEY from .env file in data directory
func (c *Config) readEncryptionKeyFromEnvFile() string {
	envFile := filepath.Join(c.DataDir, EnvFileName)

	envVars, err := dotenv.Read(envFile)
	if err != nil {
		// .env file doesn't exist or can't be read, that's okay
		return ""
	}

	return envVars["SITEDOCK_ENCRYPTION_KEY"]
}

// derivePaths calculates dependent paths from the base DataDir
func (c *Config) derivePaths() {
	c.SitesDir = filepath.Join(c.DataDir, SitesDir)
	c.ProxyDir = filepath.Join(c.DataDir, ProxyDir)
	c.LogsDir = filepath.Join(c.DataDir, LogsDir)
	c.TmpDir = filepath.Join(c.DataDir, TmpDir)
	c.VersionFile = filepath.Join(c.DataDir, "VERSION")

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "sitedock.db")
	}
}

// validate ensures configuration values are valid
func (c *Config) validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warning": true, "error": true, "silent": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warning, error or silent)", c.LogLevel)
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort)
	}

	positive := map[string]time.Duration{
		"git timeout":           c.GitTimeout,
		"database busy timeout": c.DBBusyTimeout,
		"command timeout":       c.CommandTimeout,
		"deploy stale after":    c.DeployStaleAfter,
		"update check ttl":      c.UpdateCheckTTL,
		"update stale after":    c.UpdateStaleAfter,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %v", name, d)
		}
	}

	if c.DockerCommand == "" {
		return fmt.Errorf("docker command cannot be empty")
	}

	if c.ProxyNetwork == "" {
		return fmt.Errorf("proxy network cannot be empty")
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf(
			"encryption key is required - set SITEDOCK_ENCRYPTION_KEY environment variable or ensure .env file exists in data directory (%s)",
			c.DataDir,
		)
	}

	return nil
}

// EnsureDirs creates the directory layout under DataDir
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.SitesDir, c.ProxyDir, c.LogsDir, c.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// MainManifestPath is the on-disk location of the proxy stack manifest
func (c *Config) MainManifestPath() string {
	return filepath.Join(c.ProxyDir, "docker-compose.yml")
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}
