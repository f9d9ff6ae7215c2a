package site

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/proxy"
)

// ReconcileReport describes how far a site's external state has drifted
// from its record
type ReconcileReport struct {
	SiteID         uint     `json:"site_id"`
	InSync         bool     `json:"in_sync"`
	Drift          []string `json:"drift,omitempty"`
	ExpectedLabels []string `json:"expected_labels"`
	ActualLabels   []string `json:"actual_labels,omitempty"`
	Repaired       bool     `json:"repaired"`
}

// Reconcile compares the stored descriptor with the labels the site should
// carry and the rendered file with the stored descriptor. With repair set,
// the stack is rebuilt from the record and brought up again.
func (s *Service) Reconcile(ctx context.Context, actor domain.Actor, id uint, repair bool) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}

	report, err := s.inspectDrift(site)
	if err != nil {
		return domain.Failure(err)
	}
	if report.InSync {
		return domain.Success(fmt.Sprintf("%s is in sync", site.Name), report)
	}
	if !repair {
		return domain.Success(fmt.Sprintf("%s has drifted: %s", site.Name, strings.Join(report.Drift, "; ")), report)
	}

	warnings, err := s.apply(ctx, site, actor)
	if err != nil {
		return domain.Failure(err).WithData(report)
	}
	report.Repaired = true
	s.audit.Record(actor, audit.ActionSiteRepair, &site.ID, strings.Join(report.Drift, "; "))
	return domain.Success(fmt.Sprintf("%s repaired", site.Name), report).WithWarnings(warnings...)
}

func (s *Service) inspectDrift(site *domain.Site) (*ReconcileReport, error) {
	report := &ReconcileReport{
		SiteID:         site.ID,
		ExpectedLabels: proxy.GenerateRoutingLabels(site),
	}

	cfg, err := s.store.Get(&site.ID)
	switch {
	case domain.ErrorKind(err) == domain.KindNotFound:
		report.Drift = append(report.Drift, "stored compose config is missing")
		return report, nil
	case err != nil:
		return nil, err
	}

	m, err := compose.Parse(cfg.Content)
	if err != nil {
		report.Drift = append(report.Drift, fmt.Sprintf("stored compose config is invalid: %v", err))
		return report, nil
	}
	labels, ok := m.ServiceLabels(site.ContainerName)
	switch {
	case !ok:
		report.Drift = append(report.Drift, fmt.Sprintf("no service runs container %s", site.ContainerName))
	case !slices.Equal([]string(labels), report.ExpectedLabels):
		report.ActualLabels = labels
		report.Drift = append(report.Drift, "routing labels differ from the site record")
	default:
		report.ActualLabels = labels
	}

	path, err := site.ManifestPath(s.opts.SitesDir)
	if err != nil {
		return nil, err
	}
	onDisk, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		report.Drift = append(report.Drift, "compose file is missing on disk")
	case err != nil:
		return nil, &domain.IOError{Op: "read", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
	case string(onDisk) != cfg.Content:
		report.Drift = append(report.Drift, "compose file on disk differs from the stored config")
	}

	report.InSync = len(report.Drift) == 0
	return report, nil
}

// driftWarnings reports drift as warnings, used right after a mutation
func (s *Service) driftWarnings(site *domain.Site) []string {
	report, err := s.inspectDrift(site)
	if err != nil {
		return []string{fmt.Sprintf("drift check failed: %v", err)}
	}
	return report.Drift
}
