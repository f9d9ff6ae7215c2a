// Package output provides functions to print messages with optional color formatting
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sitedock/sitedock/domain"
	"github.com/spf13/cobra"
)

const (
	Plain   = color.FgWhite
	Success = color.FgGreen
	Warning = color.FgYellow
	Error   = color.FgRed
)

const timeFormat = "2006-01-02 15:04:05"

var maybeColorize func(kind color.Attribute, tmpl string, a ...any) string

// InitColors sets up color functions based on environment
func InitColors(isColorDisabled bool) {
	if color.NoColor || isColorDisabled {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return fmt.Sprintf(tmpl, a...)
		}
	} else {
		maybeColorize = func(kind color.Attribute, tmpl string, a ...any) string {
			return color.New(kind).SprintfFunc()(tmpl, a...)
		}
	}
}

// Colorize formats a message with color (if enabled)
func Colorize(kind color.Attribute, tmpl string, a ...any) string {
	if maybeColorize == nil || kind == Plain {
		return fmt.Sprintf(tmpl, a...)
	}
	return maybeColorize(kind, tmpl, a...)
}

func fprint(cmd *cobra.Command, kind color.Attribute, tmpl string, a ...any) error {
	w := cmd.OutOrStdout()
	if kind == Error || kind == Warning {
		w = cmd.ErrOrStderr()
	}
	_, err := fmt.Fprintln(w, Colorize(kind, tmpl, a...))
	return err
}

func FprintPlain(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Plain, tmpl, a...)
}

func FprintSuccess(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Success, tmpl, a...)
}

func FprintWarning(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Warning, tmpl, a...)
}

func FprintError(cmd *cobra.Command, tmpl string, a ...any) error {
	return fprint(cmd, Error, tmpl, a...)
}

// ErrResultFailed is returned by commands whose result was already reported
var ErrResultFailed = errors.New("operation failed")

// FprintResult reports a service result: the message in green, warnings in
// yellow, the error in red. A failed result yields ErrResultFailed.
func FprintResult(cmd *cobra.Command, result domain.Result) error {
	if !result.Success {
		if err := FprintError(cmd, "Error: %s", result.Error); err != nil {
			return err
		}
		return ErrResultFailed
	}
	if result.Message != "" {
		if err := FprintSuccess(cmd, "%s", result.Message); err != nil {
			return err
		}
	}
	for _, warning := range result.Warnings {
		if err := FprintWarning(cmd, "Warning: %s", warning); err != nil {
			return err
		}
	}
	return nil
}

// FprintJSON prints v as indented JSON
func FprintJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func PrintTable(header []string, data [][]string) (string, error) {
	buf := strings.Builder{}

	table := tablewriter.NewTable(
		&buf,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines: tw.Lines{
					ShowHeaderLine: tw.Off,
				},
				Separators: tw.Separators{
					BetweenColumns: tw.Off,
				},
			},
		})),
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{PerColumn: []tw.Align{tw.AlignRight, tw.AlignLeft}},
			},
		}))

	if len(header) > 0 {
		table.Header(header)
	}

	if err := table.Bulk(data); err != nil {
		return "", fmt.Errorf("bulk adding data to table: %w", err)
	}

	if err := table.Render(); err != nil {
		return "", fmt.Errorf("rendering table: %w", err)
	}

	return buf.String(), nil
}

// StatusColor picks the color a site status is shown in
func StatusColor(status domain.SiteStatus) color.Attribute {
	switch status {
	case domain.SiteStatusRunning:
		return Success
	case domain.SiteStatusStarting:
		return Warning
	case domain.SiteStatusStopped:
		return Error
	default:
		return Plain
	}
}

func PrintSiteDetails(site *domain.Site) (string, error) {
	data := [][]string{
		{"ID", strconv.FormatUint(uint64(site.ID), 10)},
		{"Name", site.Name},
		{"Type", site.Type.String()},
		{"Domain", site.Domain},
		{"Container", site.ContainerName},
		{"Status", Colorize(StatusColor(site.Status), "%s", site.Status)},
		{"SSL", sslSummary(site)},
	}

	if site.Type.IsWeb() {
		data = append(data, []string{"PHP", site.PHPVersion})
	}
	if site.Database.Name != "" || site.Type == domain.SiteTypeMariaDB {
		data = append(data, []string{"Database", fmt.Sprintf("%s %s@%s:%d/%s",
			site.Database.Type, site.Database.User, site.Database.Host, site.Database.Port, site.Database.Name)})
	}
	if site.Redis.Enabled {
		data = append(data, []string{"Redis", fmt.Sprintf("%s:%d", site.Redis.Host, site.Redis.Port)})
	}
	if site.SFTP.Enabled && site.SFTP.Port != nil {
		data = append(data, []string{"SFTP", fmt.Sprintf("%s@%s:%d", site.SFTP.Username, site.Domain, *site.SFTP.Port)})
	}

	data = append(data, []string{"Deploy", string(site.DeployMethod)})
	if site.DeployMethod == domain.DeployGitHub {
		data = append(data,
			[]string{"Repository", site.GitHub.Repo},
			[]string{"Branch", site.GitHub.Branch},
			[]string{"Last Commit", site.GitHub.LastCommitStr()},
		)
	}
	data = append(data,
		[]string{"Created At", site.CreatedAt.Format(timeFormat)},
		[]string{"Updated At", site.UpdatedAt.Format(timeFormat)},
	)

	table, err := PrintTable([]string{}, data)
	if err != nil {
		return "", fmt.Errorf("printing site details table: %w", err)
	}
	return table, nil
}

func PrintSiteList(sites []*domain.Site) (string, error) {
	if len(sites) == 0 {
		return "No sites found.\n", nil
	}

	header := []string{"ID", "Name", "Type", "Domain", "Status", "SSL", "Deploy", "Created At"}
	var data [][]string
	for _, site := range sites {
		data = append(data, []string{
			strconv.FormatUint(uint64(site.ID), 10),
			site.Name,
			site.Type.String(),
			site.Domain,
			Colorize(StatusColor(site.Status), "%s", site.Status),
			sslSummary(site),
			string(site.DeployMethod),
			site.CreatedAt.Format(timeFormat),
		})
	}

	table, err := PrintTable(header, data)
	if err != nil {
		return "", fmt.Errorf("printing site list table: %w", err)
	}
	return table, nil
}

func sslSummary(site *domain.Site) string {
	if !site.SSL.Enabled {
		return "off"
	}
	summary := string(site.SSL.Challenge)
	if site.SSL.DNSProvider != "" {
		summary += " (" + site.SSL.DNSProvider + ")"
	}
	if site.SSLIssued {
		summary += ", issued"
	}
	return summary
}

// CLI flag for disabling color output

// NoColor is a flag that can be used to disable colored output in the CLI.
var NoColor = &noColorFlag{set: false}

type noColorFlag struct {
	set bool
}

func (f *noColorFlag) Set(value string) error {
	f.set = true
	return nil
}

func (f *noColorFlag) String() string {
	if f.set {
		return "true"
	}
	return "false"
}

func (f *noColorFlag) Type() string {
	return "bool"
}

// IsSet returns true if the --no-color flag was explicitly set
func (f *noColorFlag) IsSet() bool {
	return f.set
}

// IsBoolFlag tells pflag this is a boolean flag (no argument required)
func (f *noColorFlag) IsBoolFlag() bool {
	return true
}
