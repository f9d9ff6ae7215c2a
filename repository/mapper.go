// Package repository provides the data access layer for sites, compose
// descriptors, operations, settings and the audit trail.
package repository

import (
	"fmt"
	"log/slog"

	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
)

type SiteMapper struct {
	encryption encryption.Cipher
}

func NewSiteMapper(cipher encryption.Cipher) *SiteMapper {
	return &SiteMapper{encryption: cipher}
}

// ToDomain converts a row into a site with secrets decrypted in memory.
// A secret that cannot be decrypted is left empty and logged; the site
// itself must stay readable, e.g. after an encryption key rotation.
func (m *SiteMapper) ToDomain(s *db.SiteModel) *domain.Site {
	status, err := domain.ParseSiteStatus(s.Status)
	if err != nil {
		status = domain.SiteStatusUnknown
	}

	return &domain.Site{
		ID:     s.ID,
		Name:   s.Name,
		Type:   domain.SiteType(s.Type),
		Domain: s.Domain,
		SSL: domain.SSLConfig{
			Enabled:        s.SSLEnabled,
			Challenge:      domain.ChallengeType(s.SSLChallenge),
			DNSProvider:    s.SSLDNSProvider,
			CredentialsRef: s.SSLCredentialsRef,
		},
		Status:        status,
		ContainerName: s.ContainerName,
		Database: domain.DatabaseBinding{
			Type:     domain.DatabaseType(s.DBType),
			Host:     s.DBHost,
			Name:     s.DBName,
			User:     s.DBUser,
			Port:     s.DBPort,
			Password: m.decrypt(s, "db_password", s.DBPassword),
		},
		Redis: domain.RedisBinding{
			Enabled: s.RedisEnabled,
			Host:    s.RedisHost,
			Port:    s.RedisPort,
		},
		SFTP: domain.SFTPBinding{
			Enabled:  s.SFTPEnabled,
			Username: s.SFTPUsername,
			Password: m.decrypt(s, "sftp_password", s.SFTPPassword),
			Port:     s.SFTPPort,
		},
		GitHub: domain.GitHubBinding{
			Repo:       s.GitHubRepo,
			Branch:     s.GitHubBranch,
			Token:      m.decrypt(s, "github_token", s.GitHubToken),
			LastCommit: s.LastCommit,
			LastPullAt: s.LastPullAt,
		},
		DeployMethod: domain.DeployMethod(s.DeployMethod),
		PHPVersion:   s.PHPVersion,
		SSLIssued:    s.SSLIssued,
		SSLIssuedAt:  s.SSLIssuedAt,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (m *SiteMapper) decrypt(s *db.SiteModel, field string, token *string) string {
	if token == nil || *token == "" || m.encryption == nil {
		return ""
	}
	plain, err := m.encryption.Decrypt(*token)
	if err != nil {
		slog.Error("Failed to decrypt site secret",
			"layer", "repository",
			"site_id", s.ID,
			"site_domain", s.Domain,
			"field", field,
			"error", err)
		return ""
	}
	return plain
}

// ToModel converts a site into a row, encrypting every secret
func (m *SiteMapper) ToModel(s *domain.Site) (*db.SiteModel, error) {
	model := &db.SiteModel{
		ID:                s.ID,
		Name:              s.Name,
		Type:              s.Type.String(),
		Domain:            s.Domain,
		Status:            s.Status.String(),
		ContainerName:     s.ContainerName,
		SSLEnabled:        s.SSL.Enabled,
		SSLChallenge:      string(s.SSL.Challenge),
		SSLDNSProvider:    s.SSL.DNSProvider,
		SSLCredentialsRef: s.SSL.CredentialsRef,
		SSLIssued:         s.SSLIssued,
		SSLIssuedAt:       s.SSLIssuedAt,
		DBType:            string(s.Database.Type),
		DBHost:            s.Database.Host,
		DBName:            s.Database.Name,
		DBUser:            s.Database.User,
		DBPort:            s.Database.Port,
		RedisEnabled:      s.Redis.Enabled,
		RedisHost:         s.Redis.Host,
		RedisPort:         s.Redis.Port,
		SFTPEnabled:       s.SFTP.Enabled,
		SFTPUsername:      s.SFTP.Username,
		SFTPPort:          s.SFTP.Port,
		GitHubRepo:        s.GitHub.Repo,
		GitHubBranch:      s.GitHub.Branch,
		LastCommit:        s.GitHub.LastCommit,
		LastPullAt:        s.GitHub.LastPullAt,
		DeployMethod:      string(s.DeployMethod),
		PHPVersion:        s.PHPVersion,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}

	secrets := []struct {
		name   string
		value  string
		target **string
	}{
		{"database password", s.Database.Password, &model.DBPassword},
		{"sftp password", s.SFTP.Password, &model.SFTPPassword},
		{"github token", s.GitHub.Token, &model.GitHubToken},
	}
	for _, secret := range secrets {
		if secret.value == "" {
			continue
		}
		if m.encryption == nil {
			return nil, fmt.Errorf("cannot store %s without an encryption service", secret.name)
		}
		token, err := m.encryption.Encrypt(secret.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", secret.name, err)
		}
		*secret.target = &token
	}

	return model, nil
}

type ComposeConfigMapper struct{}

func (m *ComposeConfigMapper) ToDomain(c *db.ComposeConfigModel) *domain.ComposeConfig {
	configType, err := domain.ParseConfigType(c.ConfigType)
	if err != nil {
		configType = domain.ConfigTypeFor(c.SiteID)
	}
	return &domain.ComposeConfig{
		ID:         c.ID,
		ConfigType: configType,
		SiteID:     c.SiteID,
		Content:    c.Content,
		UpdatedBy:  c.UpdatedBy,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func (m *ComposeConfigMapper) ToModel(c *domain.ComposeConfig) *db.ComposeConfigModel {
	return &db.ComposeConfigModel{
		ID:         c.ID,
		ConfigType: c.ConfigType.String(),
		SiteID:     c.SiteID,
		Content:    c.Content,
		UpdatedBy:  c.UpdatedBy,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

type OperationMapper struct{}

func (m *OperationMapper) ToDomain(o *db.OperationModel) *domain.Operation {
	status, err := domain.ParseOperationStatus(o.Status)
	if err != nil {
		status = domain.OperationStatusUnknown
	}
	return &domain.Operation{
		ID:         o.ID,
		Kind:       domain.OperationKind(o.Kind),
		LockKey:    o.LockKey,
		SiteID:     o.SiteID,
		InProgress: o.InProgress,
		Status:     status,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
		LogPath:    o.LogPath,
		PID:        o.PID,
		Result:     o.Result,
		Message:    o.Message,
		Actor:      o.Actor,
	}
}

func (m *OperationMapper) ToModel(o *domain.Operation) *db.OperationModel {
	return &db.OperationModel{
		ID:         o.ID,
		Kind:       o.Kind.String(),
		LockKey:    o.LockKey,
		SiteID:     o.SiteID,
		InProgress: o.InProgress,
		Status:     o.Status.String(),
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
		LogPath:    o.LogPath,
		PID:        o.PID,
		Result:     o.Result,
		Message:    o.Message,
		Actor:      o.Actor,
	}
}
