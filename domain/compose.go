package domain

import (
	"fmt"
	"time"
)

// ConfigType distinguishes the main proxy stack from per-site stacks
type ConfigType string

const (
	ConfigTypeMain ConfigType = "main"
	ConfigTypeSite ConfigType = "site"
)

func (c ConfigType) String() string {
	return string(c)
}

func ParseConfigType(s string) (ConfigType, error) {
	switch ConfigType(s) {
	case ConfigTypeMain, ConfigTypeSite:
		return ConfigType(s), nil
	default:
		return "", fmt.Errorf("invalid config type: %s", s)
	}
}

// ConfigTypeFor returns the config type addressed by an optional site id
func ConfigTypeFor(siteID *uint) ConfigType {
	if siteID == nil {
		return ConfigTypeMain
	}
	return ConfigTypeSite
}

// ComposeConfig is a versioned orchestration manifest. The row is
// authoritative; the file on disk is a rendering of it.
type ComposeConfig struct {
	ID         uint       `json:"id"`
	ConfigType ConfigType `json:"config_type"`
	SiteID     *uint      `json:"site_id,omitempty"`
	Content    string     `json:"content"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
