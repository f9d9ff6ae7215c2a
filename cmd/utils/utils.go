// Package utils provides utility functions for CLI commands in sitedock.
package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/domain"
)

// AppFunc returns the application initialized for the running command
type AppFunc func() *app.App

// CLIActor identifies operations started from the command line
var CLIActor = domain.Actor{Name: "cli", Admin: true}

// ParseSiteID parses a positional site ID argument
func ParseSiteID(arg string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(arg), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid site ID '%s': must be a positive integer", arg)
	}
	return uint(id), nil
}

// ParseKeyValues turns KEY=VALUE arguments into a map
func ParseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid value '%s': expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

// RequireConfirmation fails destructive commands that were not confirmed with --yes
func RequireConfirmation(confirmed bool, action string) error {
	if confirmed {
		return nil
	}
	return fmt.Errorf("%s is destructive, repeat with --yes to confirm", action)
}
