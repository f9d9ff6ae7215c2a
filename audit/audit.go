// Package audit records who changed what on which site.
package audit

import (
	"log/slog"

	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/repository"
)

// Actions recorded in the trail
const (
	ActionSiteCreate   = "site.create"
	ActionSiteUpdate   = "site.update"
	ActionSiteDelete   = "site.delete"
	ActionSiteStart    = "site.start"
	ActionSiteStop     = "site.stop"
	ActionSiteRestart  = "site.restart"
	ActionSiteSSL      = "site.ssl"
	ActionSiteSFTP     = "site.sftp"
	ActionSiteRepair   = "site.reconcile"
	ActionDeploy       = "deploy.run"
	ActionForceDeploy  = "deploy.force"
	ActionProxyDNS     = "proxy.dns"
	ActionProxyEmail   = "proxy.email"
	ActionSystemUpdate = "update.run"
)

// Recorder appends entries to the audit trail. Recording never fails the
// operation that triggered it.
type Recorder interface {
	Record(actor domain.Actor, action string, siteID *uint, detail string)
}

// DBRecorder writes entries to the audit_entries table and mirrors them to the log
type DBRecorder struct {
	repo repository.AuditRepository
}

var _ Recorder = (*DBRecorder)(nil)

func NewRecorder(repo repository.AuditRepository) *DBRecorder {
	return &DBRecorder{repo: repo}
}

func (r *DBRecorder) Record(actor domain.Actor, action string, siteID *uint, detail string) {
	attrs := []any{"actor", actor.String(), "action", action, "detail", detail}
	if siteID != nil {
		attrs = append(attrs, "site_id", *siteID)
	}
	slog.Info("Audit", attrs...)

	entry := &repository.AuditEntry{
		Actor:  actor.String(),
		Action: action,
		SiteID: siteID,
		Detail: detail,
	}
	if err := r.repo.Append(entry); err != nil {
		slog.Warn("Failed to append audit entry",
			"layer", "audit",
			"action", action,
			"error", err)
	}
}

// Nop discards every entry
type Nop struct{}

func (Nop) Record(domain.Actor, string, *uint, string) {}
