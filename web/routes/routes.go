// Package routes provides HTTP route registration for the web server.
package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/repository"
	"github.com/sitedock/sitedock/site"
	"github.com/sitedock/sitedock/web/handlers"
)

type SiteService interface {
	List(filter repository.SiteFilter) domain.Result
	Get(id uint) domain.Result
	Create(ctx context.Context, actor domain.Actor, req site.CreateSiteRequest) domain.Result
	Update(ctx context.Context, actor domain.Actor, id uint, req site.UpdateSiteRequest) domain.Result
	Delete(ctx context.Context, actor domain.Actor, id uint, removeVolumes bool) domain.Result
	Start(ctx context.Context, actor domain.Actor, id uint) domain.Result
	Stop(ctx context.Context, actor domain.Actor, id uint) domain.Result
	Restart(ctx context.Context, actor domain.Actor, id uint) domain.Result
	Reconcile(ctx context.Context, actor domain.Actor, id uint, repair bool) domain.Result
	SetSSL(ctx context.Context, actor domain.Actor, id uint, req site.SSLRequest) domain.Result
	SetSFTP(ctx context.Context, actor domain.Actor, id uint, enabled bool) domain.Result
	Labels(id uint) domain.Result
}

type DeployService interface {
	Deploy(ctx context.Context, actor domain.Actor, siteID uint) domain.Result
	ForceDeploy(ctx context.Context, actor domain.Actor, siteID uint) domain.Result
	CompareRemote(ctx context.Context, siteID uint) domain.Result
	Status(siteID uint) domain.Result
}

type ProxyService interface {
	ConfigureDNS(ctx context.Context, actor domain.Actor, provider string, credentials map[string]string) domain.Result
	SetACMEEmail(ctx context.Context, actor domain.Actor, email string) domain.Result
}

type UpdateService interface {
	Status(ctx context.Context) domain.Result
	Check(ctx context.Context, force bool) domain.Result
	Trigger(ctx context.Context, actor domain.Actor) domain.Result
}

// Services are the handlers' backends. Health may be nil.
type Services struct {
	Sites   SiteService
	Deploys DeployService
	Proxy   ProxyService
	Updates UpdateService
	Metrics *metrics.Metrics
	Health  func(ctx context.Context) error
}

// NewRouter builds the complete API router
func NewRouter(s Services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(handlers.RequestMetrics(s.Metrics))
	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		RegisterSiteRoutes(r, s.Sites, s.Deploys)
		RegisterProxyRoutes(r, s.Proxy)
		RegisterUpdateRoutes(r, s.Updates)
	})
	RegisterUtilityRoutes(r, s.Metrics, s.Health)
	return r
}

type sftpRequest struct {
	Enabled *bool `json:"enabled"`
}

type dnsRequest struct {
	Provider    string            `json:"provider"`
	Credentials map[string]string `json:"credentials"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// RegisterSiteRoutes registers site management and deployment routes
func RegisterSiteRoutes(r chi.Router, sites SiteService, deploys DeployService) {
	r.Route("/sites", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			filter, err := siteFilter(r)
			if err != nil {
				handlers.WriteError(w, "list_sites", err)
				return
			}
			handlers.WriteResult(w, "list_sites", sites.List(filter))
		})
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var req site.CreateSiteRequest
			if err := handlers.DecodeJSON(r, &req); err != nil {
				handlers.WriteError(w, "create_site", err)
				return
			}
			result := sites.Create(r.Context(), handlers.ActorFromRequest(r), req)
			handlers.WriteResultWithStatus(w, "create_site", http.StatusCreated, result)
		})

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handlers.HandleSiteAction("get_site", func(r *http.Request, _ domain.Actor, id uint) domain.Result {
				return sites.Get(id)
			}))
			r.Patch("/", handlers.HandleSiteAction("update_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				var req site.UpdateSiteRequest
				if err := handlers.DecodeJSON(r, &req); err != nil {
					return domain.Failure(err)
				}
				return sites.Update(r.Context(), actor, id, req)
			}))
			r.Delete("/", handlers.HandleSiteAction("delete_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				removeVolumes, err := handlers.QueryBool(r, "remove_volumes")
				if err != nil {
					return domain.Failure(err)
				}
				return sites.Delete(r.Context(), actor, id, removeVolumes)
			}))

			r.Post("/start", handlers.HandleSiteAction("start_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				return sites.Start(r.Context(), actor, id)
			}))
			r.Post("/stop", handlers.HandleSiteAction("stop_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				return sites.Stop(r.Context(), actor, id)
			}))
			r.Post("/restart", handlers.HandleSiteAction("restart_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				return sites.Restart(r.Context(), actor, id)
			}))
			r.Post("/reconcile", handlers.HandleSiteAction("reconcile_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				repair, err := handlers.QueryBool(r, "repair")
				if err != nil {
					return domain.Failure(err)
				}
				return sites.Reconcile(r.Context(), actor, id, repair)
			}))

			r.Put("/ssl", handlers.HandleSiteAction("set_ssl", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				var req site.SSLRequest
				if err := handlers.DecodeJSON(r, &req); err != nil {
					return domain.Failure(err)
				}
				return sites.SetSSL(r.Context(), actor, id, req)
			}))
			r.Put("/sftp", handlers.HandleSiteAction("set_sftp", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				var req sftpRequest
				if err := handlers.DecodeJSON(r, &req); err != nil {
					return domain.Failure(err)
				}
				if req.Enabled == nil {
					return domain.Failure(domain.NewValidationError("enabled", "is required"))
				}
				return sites.SetSFTP(r.Context(), actor, id, *req.Enabled)
			}))
			r.Get("/labels", handlers.HandleSiteAction("site_labels", func(r *http.Request, _ domain.Actor, id uint) domain.Result {
				return sites.Labels(id)
			}))

			r.Get("/deploy", handlers.HandleSiteAction("deploy_status", func(r *http.Request, _ domain.Actor, id uint) domain.Result {
				return deploys.Status(id)
			}))
			r.Post("/deploy", handlers.HandleSiteAction("deploy_site", func(r *http.Request, actor domain.Actor, id uint) domain.Result {
				return runDeploy(r, deploys, actor, id)
			}))
			r.Get("/deploy/check", handlers.HandleSiteAction("deploy_check", func(r *http.Request, _ domain.Actor, id uint) domain.Result {
				return deploys.CompareRemote(r.Context(), id)
			}))
		})
	})
}

// runDeploy dispatches to a regular or a force deploy. Force deploy discards
// local state and must be confirmed explicitly.
func runDeploy(r *http.Request, deploys DeployService, actor domain.Actor, id uint) domain.Result {
	force, err := handlers.QueryBool(r, "force")
	if err != nil {
		return domain.Failure(err)
	}
	if !force {
		return deploys.Deploy(r.Context(), actor, id)
	}
	confirmed, err := handlers.QueryBool(r, "confirm")
	if err != nil {
		return domain.Failure(err)
	}
	if !confirmed {
		return domain.Failure(domain.NewValidationError("confirm", "force deploy discards local changes, repeat with confirm=true"))
	}
	return deploys.ForceDeploy(r.Context(), actor, id)
}

func siteFilter(r *http.Request) (repository.SiteFilter, error) {
	query := r.URL.Query()
	var filter repository.SiteFilter

	if raw := query.Get("type"); raw != "" {
		t, err := domain.ParseSiteType(raw)
		if err != nil {
			return filter, domain.NewValidationError("type", "%v", err)
		}
		filter.Type = t
	}
	if raw := query.Get("status"); raw != "" {
		status, err := domain.ParseSiteStatus(raw)
		if err != nil {
			return filter, domain.NewValidationError("status", "%v", err)
		}
		filter.Status = &status
	}
	if raw := query.Get("deploy_method"); raw != "" {
		method := domain.DeployMethod(raw)
		if !method.IsValid() {
			return filter, domain.NewValidationError("deploy_method", "invalid deploy method %q", raw)
		}
		filter.DeployMethod = method
	}
	return filter, nil
}

// RegisterProxyRoutes registers reverse proxy configuration routes
func RegisterProxyRoutes(r chi.Router, proxy ProxyService) {
	r.Route("/proxy", func(r chi.Router) {
		r.Put("/dns", func(w http.ResponseWriter, r *http.Request) {
			var req dnsRequest
			if err := handlers.DecodeJSON(r, &req); err != nil {
				handlers.WriteError(w, "configure_dns", err)
				return
			}
			handlers.WriteResult(w, "configure_dns",
				proxy.ConfigureDNS(r.Context(), handlers.ActorFromRequest(r), req.Provider, req.Credentials))
		})
		r.Put("/email", func(w http.ResponseWriter, r *http.Request) {
			var req emailRequest
			if err := handlers.DecodeJSON(r, &req); err != nil {
				handlers.WriteError(w, "set_acme_email", err)
				return
			}
			handlers.WriteResult(w, "set_acme_email",
				proxy.SetACMEEmail(r.Context(), handlers.ActorFromRequest(r), req.Email))
		})
	})
}

// RegisterUpdateRoutes registers self-update routes
func RegisterUpdateRoutes(r chi.Router, updates UpdateService) {
	r.Route("/update", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			handlers.WriteResult(w, "update_status", updates.Status(r.Context()))
		})
		r.Post("/check", func(w http.ResponseWriter, r *http.Request) {
			handlers.WriteResult(w, "update_check", updates.Check(r.Context(), true))
		})
		r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			result := updates.Trigger(r.Context(), handlers.ActorFromRequest(r))
			handlers.WriteResultWithStatus(w, "update_run", http.StatusAccepted, result)
		})
	})
}

// RegisterUtilityRoutes registers health and metrics endpoints
func RegisterUtilityRoutes(r chi.Router, m *metrics.Metrics, health func(ctx context.Context) error) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				handlers.LogOperationError("health_check", "routes", err)
				handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
}
