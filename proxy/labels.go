// Package proxy generates Traefik routing configuration for sites and
// manages the global certificate resolver setup of the main stack.
package proxy

import (
	"fmt"

	"github.com/sitedock/sitedock/domain"
)

// GenerateRoutingLabels returns the Traefik labels of a site's main
// container. The output depends only on the site's type, domain, container
// name and SSL settings, and is identical for identical input.
func GenerateRoutingLabels(site *domain.Site) []string {
	if !site.Type.IsWeb() {
		return []string{"traefik.enable=false"}
	}

	router := site.ContainerName
	rule := fmt.Sprintf("Host(`%s`)", site.Domain)

	labels := []string{
		"traefik.enable=true",
		fmt.Sprintf("traefik.http.routers.%s.rule=%s", router, rule),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints=web", router),
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port=80", router),
	}
	if !site.SSL.Enabled {
		return labels
	}

	secure := router + "-secure"
	redirect := router + "-redirect"
	return append(labels,
		fmt.Sprintf("traefik.http.routers.%s.rule=%s", secure, rule),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints=websecure", secure),
		fmt.Sprintf("traefik.http.routers.%s.tls=true", secure),
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver=%s", secure, site.SSL.CertResolver()),
		fmt.Sprintf("traefik.http.routers.%s.middlewares=%s", router, redirect),
		fmt.Sprintf("traefik.http.middlewares.%s.redirectscheme.scheme=https", redirect),
	)
}
