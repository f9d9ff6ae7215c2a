// Package db provides database models and utilities for sitedock.
package db

import (
	"time"

	"github.com/google/uuid"
)

// MigrationModel records an applied manual migration
type MigrationModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null;uniqueIndex"`
	AppliedAt time.Time
}

func (MigrationModel) TableName() string {
	return "migrations"
}

type SiteModel struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Name          string `gorm:"not null;check:name <> ''"`
	Type          string `gorm:"not null;check:type <> ''"`
	Domain        string `gorm:"not null;uniqueIndex;check:domain <> ''"`
	Status        string `gorm:"not null;check:status <> ''"`
	ContainerName string `gorm:"not null;uniqueIndex;check:container_name <> ''"` // derived once at creation, never rewritten

	SSLEnabled        bool   `gorm:"not null"`
	SSLChallenge      string `gorm:"type:varchar(10)"`
	SSLDNSProvider    string `gorm:"type:varchar(50)"`
	SSLCredentialsRef string
	SSLIssued         bool `gorm:"not null"`
	SSLIssuedAt       *time.Time

	DBType     string  `gorm:"not null;default:shared"`
	DBHost     string
	DBName     string
	DBUser     string
	DBPort     int
	DBPassword *string `gorm:"type:text"` // Encrypted

	RedisEnabled bool `gorm:"not null"`
	RedisHost    string
	RedisPort    int

	SFTPEnabled  bool `gorm:"not null"`
	SFTPUsername string
	SFTPPassword *string `gorm:"type:text"` // Encrypted
	SFTPPort     *int    `gorm:"uniqueIndex;check:sftp_port IS NULL OR sftp_port >= 2222"`

	GitHubRepo   string
	GitHubBranch string
	GitHubToken  *string `gorm:"type:text"` // Encrypted
	LastCommit   *string
	LastPullAt   *time.Time

	DeployMethod string `gorm:"not null;default:manual"`
	PHPVersion   string

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (SiteModel) TableName() string {
	return "sites"
}

// ComposeConfigModel stores the authoritative manifest of a stack. The main
// stack row has a NULL site id; its uniqueness is enforced by a partial index.
type ComposeConfigModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ConfigType string `gorm:"not null;uniqueIndex:idx_compose_configs_type_site;check:config_type IN ('main','site')"`
	SiteID     *uint  `gorm:"uniqueIndex:idx_compose_configs_type_site"`
	Content    string `gorm:"type:text;not null"`
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ComposeConfigModel) TableName() string {
	return "compose_configs"
}

// OperationModel persists guarded long-running operations
type OperationModel struct {
	ID         uuid.UUID `gorm:"type:char(36);primaryKey"`
	Kind       string    `gorm:"not null;check:kind <> ''"`
	LockKey    string    `gorm:"not null;index"`
	SiteID     *uint     `gorm:"index"`
	InProgress bool      `gorm:"not null"`
	Status     string    `gorm:"not null;check:status <> ''"` // running, succeeded, failed, abandoned
	StartedAt  time.Time `gorm:"not null"`
	FinishedAt *time.Time
	LogPath    string
	PID        int
	Result     string
	Message    string `gorm:"type:text"`
	Actor      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (OperationModel) TableName() string {
	return "operations"
}

type SettingModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (SettingModel) TableName() string {
	return "settings"
}

type AuditEntryModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Actor     string    `gorm:"not null"`
	Action    string    `gorm:"not null;index"`
	SiteID    *uint     `gorm:"index"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (AuditEntryModel) TableName() string {
	return "audit_entries"
}
