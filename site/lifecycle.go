package site

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/repository"
)

// Start re-renders the stack from its stored descriptor and brings it up
func (s *Service) Start(ctx context.Context, actor domain.Actor, id uint) domain.Result {
	return s.lifecycle(ctx, actor, id, "start", audit.ActionSiteStart, func(path string) docker.CommandResult {
		return s.driver.Up(ctx, path)
	})
}

func (s *Service) Stop(ctx context.Context, actor domain.Actor, id uint) domain.Result {
	return s.lifecycle(ctx, actor, id, "stop", audit.ActionSiteStop, func(path string) docker.CommandResult {
		return s.driver.Down(ctx, path, false)
	})
}

func (s *Service) Restart(ctx context.Context, actor domain.Actor, id uint) domain.Result {
	return s.lifecycle(ctx, actor, id, "restart", audit.ActionSiteRestart, func(path string) docker.CommandResult {
		return s.driver.Restart(ctx, path)
	})
}

func (s *Service) lifecycle(
	ctx context.Context,
	actor domain.Actor,
	id uint,
	verb, action string,
	run func(manifestPath string) docker.CommandResult,
) domain.Result {
	start := s.now()
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}

	path, err := s.store.Render(&site.ID)
	if err != nil {
		result := domain.Failure(err)
		s.observe("site."+verb, result, start)
		return result
	}

	res := run(path)
	site.Status = s.refresh(ctx, site)
	if !res.Success {
		slog.Error("Service operation failed",
			"layer", "site",
			"operation", verb,
			"site_id", site.ID,
			"error", res.Err())
		result := domain.Failure(res.Err()).WithData(site)
		s.observe("site."+verb, result, start)
		return result
	}

	s.audit.Record(actor, action, &site.ID, site.Status.String())
	result := domain.Success(fmt.Sprintf("%s: %s, now %s", site.Name, verb, site.Status), site)
	s.observe("site."+verb, result, start)
	return result
}

// RefreshStatus inspects the main container and caches the observed status
func (s *Service) RefreshStatus(ctx context.Context, id uint) domain.Result {
	site, err := s.sites.FindByID(id)
	if err != nil {
		return domain.Failure(err)
	}
	site.Status = s.refresh(ctx, site)
	return domain.Success(site.Status.String(), site)
}

// RefreshAllStatuses refreshes every site and publishes the status counts
func (s *Service) RefreshAllStatuses(ctx context.Context) domain.Result {
	sites, err := s.sites.List(repository.SiteFilter{})
	if err != nil {
		return domain.Failure(err)
	}

	counts := make(map[domain.SiteStatus]int)
	for _, site := range sites {
		if ctx.Err() != nil {
			return domain.Failure(ctx.Err())
		}
		counts[s.refresh(ctx, site)]++
	}
	s.metrics.SetSiteCounts(counts)
	return domain.Success(fmt.Sprintf("refreshed %d sites", len(sites)), counts)
}

// refresh stores the runtime status when it differs from the cached one.
// Persistence failures are logged; the observed status is still returned.
func (s *Service) refresh(ctx context.Context, site *domain.Site) domain.SiteStatus {
	status := s.driver.InspectStatus(ctx, site.ContainerName)
	if status == site.Status {
		return status
	}
	if err := s.sites.UpdateStatus(site.ID, status); err != nil {
		slog.Warn("Failed to cache site status",
			"layer", "site",
			"site_id", site.ID,
			"status", status,
			"error", err)
		return status
	}
	slog.Debug("Site status changed", "site_id", site.ID, "from", site.Status, "to", status)
	return status
}
