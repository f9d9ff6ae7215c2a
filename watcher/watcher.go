// Package watcher runs the periodic maintenance sweep triggered by cron.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitedock/sitedock/deploy"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/repository"
	"github.com/sitedock/sitedock/updater"
)

type SiteLister interface {
	List(filter repository.SiteFilter) ([]*domain.Site, error)
}

type StatusRefresher interface {
	RefreshAllStatuses(ctx context.Context) domain.Result
}

type RemoteComparer interface {
	CompareRemote(ctx context.Context, siteID uint) domain.Result
}

type UpdateChecker interface {
	Check(ctx context.Context, force bool) domain.Result
	Status(ctx context.Context) domain.Result
}

// Report summarizes one sweep
type Report struct {
	StartedAt       time.Time                 `json:"started_at"`
	Duration        time.Duration             `json:"duration"`
	Statuses        map[domain.SiteStatus]int `json:"statuses,omitempty"`
	SitesChecked    int                       `json:"sites_checked"`
	SitesBehind     []string                  `json:"sites_behind,omitempty"`
	UpdateAvailable bool                      `json:"update_available"`
	LatestVersion   string                    `json:"latest_version,omitempty"`
	Errors          []string                  `json:"errors,omitempty"`
}

type Watcher struct {
	sites    SiteLister
	statuses StatusRefresher
	remotes  RemoteComparer
	updates  UpdateChecker
}

// NewWatcher builds a sweep runner. A nil updates checker skips the update step.
func NewWatcher(sites SiteLister, statuses StatusRefresher, remotes RemoteComparer, updates UpdateChecker) *Watcher {
	return &Watcher{
		sites:    sites,
		statuses: statuses,
		remotes:  remotes,
		updates:  updates,
	}
}

// RunOnce performs a single sweep. Every step runs even when an earlier one
// failed; failures are collected in the report.
func (w *Watcher) RunOnce(ctx context.Context) domain.Result {
	report := &Report{StartedAt: time.Now()}
	slog.Info("Sweep starting", "layer", "watcher")

	w.refreshStatuses(ctx, report)
	w.checkRemotes(ctx, report)
	w.checkUpdates(ctx, report)

	report.Duration = time.Since(report.StartedAt)
	slog.Info("Sweep completed",
		"layer", "watcher",
		"sites_checked", report.SitesChecked,
		"sites_behind", len(report.SitesBehind),
		"update_available", report.UpdateAvailable,
		"errors", len(report.Errors),
		"duration", report.Duration)

	message := fmt.Sprintf("sweep completed: %d GitHub sites checked, %d behind", report.SitesChecked, len(report.SitesBehind))
	return domain.Success(message, report).WithWarnings(report.Errors...)
}

func (w *Watcher) refreshStatuses(ctx context.Context, report *Report) {
	res := w.statuses.RefreshAllStatuses(ctx)
	if !res.Success {
		report.fail("status refresh", res.Error)
		return
	}
	if counts, ok := res.Data.(map[domain.SiteStatus]int); ok {
		report.Statuses = counts
	}
}

func (w *Watcher) checkRemotes(ctx context.Context, report *Report) {
	sites, err := w.sites.List(repository.SiteFilter{DeployMethod: domain.DeployGitHub})
	if err != nil {
		report.fail("list sites", err.Error())
		return
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			report.fail("drift check", ctx.Err().Error())
			return
		}
		if !site.GitHub.IsConfigured() {
			continue
		}
		// Sites that were never deployed have no checkout to compare
		if site.GitHub.LastCommit == nil {
			slog.Debug("Skipping drift check, site never deployed", "site_id", site.ID, "site_name", site.Name)
			continue
		}

		report.SitesChecked++
		res := w.remotes.CompareRemote(ctx, site.ID)
		if !res.Success {
			report.fail("drift check "+site.Name, res.Error)
			continue
		}
		cmp, ok := res.Data.(deploy.RemoteComparison)
		if !ok || !cmp.HasUpdates {
			continue
		}
		slog.Info("Site is behind its remote branch",
			"layer", "watcher",
			"site_id", site.ID,
			"site_name", site.Name,
			"local_commit", cmp.LocalCommit,
			"remote_commit", cmp.RemoteCommit)
		report.SitesBehind = append(report.SitesBehind, site.Name)
	}
}

func (w *Watcher) checkUpdates(ctx context.Context, report *Report) {
	if w.updates == nil {
		return
	}

	// Finalises a detached update run that finished since the last sweep
	if res := w.updates.Status(ctx); !res.Success {
		report.fail("update status", res.Error)
	}

	res := w.updates.Check(ctx, false)
	if !res.Success {
		report.fail("update check", res.Error)
		return
	}
	if check, ok := res.Data.(*updater.CheckResult); ok {
		report.UpdateAvailable = check.UpdateAvailable
		report.LatestVersion = check.LatestVersion
	}
}

func (r *Report) fail(step, message string) {
	slog.Warn("Sweep step failed", "layer", "watcher", "step", step, "error", message)
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", step, message))
}
