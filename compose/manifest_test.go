package compose

import (
	"strings"
	"testing"

	"github.com/sitedock/sitedock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `name: demo
x-shared: &shared
  restart: always
services:
  web:
    image: nginx:1.27
    container_name: demo_web
    environment:
      APP_ENV: production
      EMPTY:
    labels:
      - traefik.enable=true
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost"]
    networks:
      proxy:
        aliases: [web]
networks:
  proxy:
    external: true
    name: sitedock
volumes:
  data:
`

func TestParse_ListAndMapSpellings(t *testing.T) {
	m, err := Parse(sampleManifest)
	require.NoError(t, err)

	web, err := m.Service("web")
	require.NoError(t, err)
	assert.Equal(t, StringList{"APP_ENV=production", "EMPTY"}, web.Environment)
	assert.Equal(t, StringList{"traefik.enable=true"}, web.Labels)
	assert.Contains(t, web.Extra, "healthcheck")
	assert.Contains(t, m.Extra, "x-shared")
	assert.True(t, m.Networks["proxy"].External)

	value, ok := web.Environment.Get("APP_ENV")
	assert.True(t, ok)
	assert.Equal(t, "production", value)
}

func TestManifest_RoundTrip(t *testing.T) {
	m, err := Parse(sampleManifest)
	require.NoError(t, err)

	out, err := m.Marshal()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, m, again)

	// Second marshal is byte-identical
	out2, err := again.Marshal()
	require.NoError(t, err)
	assert.Equal(t, out, out2)

	assert.Contains(t, out, "healthcheck:")
	assert.Contains(t, out, "aliases:")
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse("services: [")
	assert.Error(t, err)

	_, err = Parse("version: '3'\n")
	assert.ErrorContains(t, err, "no services defined")
}

func TestStringList_SetAndIndexPrefix(t *testing.T) {
	l := StringList{"A=1", "B=2"}
	l = l.Set("B", "3")
	l = l.Set("C", "4")
	assert.Equal(t, StringList{"A=1", "B=3", "C=4"}, l)
	assert.Equal(t, 1, l.IndexPrefix("B="))
	assert.Equal(t, -1, l.IndexPrefix("Z="))
}

func TestStringList_ScalarCommand(t *testing.T) {
	m, err := Parse("services:\n  app:\n    image: x\n    command: php artisan serve\n")
	require.NoError(t, err)
	assert.Equal(t, StringList{"php artisan serve"}, m.Services["app"].Command)
}

func testSite() *domain.Site {
	site := domain.NewSite("Shop", domain.SiteTypeLaravel, "shop.example.com")
	site.ID = 5
	site.Database = domain.DatabaseBinding{
		Type:     domain.DatabaseDedicated,
		Host:     "laravel_shop_example_com_db",
		Name:     "shop",
		User:     "shop",
		Port:     3306,
		Password: "dbpass",
	}
	site.Redis = domain.RedisBinding{Enabled: true, Host: "laravel_shop_example_com_redis", Port: 6379}
	port := 2223
	site.SFTP = domain.SFTPBinding{Enabled: true, Username: "shop", Password: "sftppass", Port: &port}
	return &site
}

func TestBuildSiteManifest(t *testing.T) {
	site := testSite()
	labels := []string{"traefik.enable=true"}

	m, err := BuildSiteManifest(site, SiteOptions{Network: "sitedock", Labels: labels})
	require.NoError(t, err)

	app, err := m.Service(AppService)
	require.NoError(t, err)
	assert.Equal(t, "laravel_shop_example_com", app.ContainerName)
	assert.Equal(t, "php:8.3-apache", app.Image)
	assert.Equal(t, StringList{"traefik.enable=true"}, app.Labels)
	assert.Equal(t, []string{"./html:/var/www/html"}, app.Volumes)
	assert.Equal(t, []string{DatabaseService, RedisService}, app.DependsOn)

	host, _ := app.Environment.Get("DB_HOST")
	assert.Equal(t, "laravel_shop_example_com_db", host)
	appURL, _ := app.Environment.Get("APP_URL")
	assert.Equal(t, "http://shop.example.com", appURL)

	dbSvc, err := m.Service(DatabaseService)
	require.NoError(t, err)
	assert.Equal(t, "laravel_shop_example_com_db", dbSvc.ContainerName)

	sftp, err := m.Service(SFTPService)
	require.NoError(t, err)
	assert.Equal(t, []string{"2223:22"}, sftp.Ports)

	assert.True(t, m.Networks["sitedock"].External)

	// Labels passed in are copied, not aliased
	labels[0] = "mutated"
	assert.Equal(t, "traefik.enable=true", app.Labels[0])
}

func TestBuildSiteManifest_Deterministic(t *testing.T) {
	site := testSite()
	opts := SiteOptions{Network: "sitedock", Labels: []string{"a=b"}}

	m1, err := BuildSiteManifest(site, opts)
	require.NoError(t, err)
	m2, err := BuildSiteManifest(site, opts)
	require.NoError(t, err)

	out1, err := m1.Marshal()
	require.NoError(t, err)
	out2, err := m2.Marshal()
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestBuildSiteManifest_SFTPWithoutPort(t *testing.T) {
	site := testSite()
	site.SFTP.Port = nil

	_, err := BuildSiteManifest(site, SiteOptions{Network: "sitedock"})
	assert.Error(t, err)
}

func TestBuildSiteManifest_MariaDB(t *testing.T) {
	site := domain.NewSite("data", domain.SiteTypeMariaDB, "db.example.com")
	site.Database = domain.DatabaseBinding{Type: domain.DatabaseDedicated, Name: "data", User: "data", Password: "p"}

	m, err := BuildSiteManifest(&site, SiteOptions{Network: "sitedock", Labels: []string{"traefik.enable=false"}})
	require.NoError(t, err)

	assert.Len(t, m.Services, 1)
	app := m.Services[AppService]
	assert.Equal(t, "mariadb:11", app.Image)
	assert.Contains(t, m.Volumes, "db_data")
	assert.Empty(t, app.Ports)
}

func TestDefaultMainManifest(t *testing.T) {
	m := DefaultMainManifest(MainOptions{Network: "sitedock", ACMEEmail: "ops@example.com", SharedDBContainer: "sitedock_db"})

	traefik, err := m.Service(TraefikService)
	require.NoError(t, err)
	assert.Equal(t, "traefik:v3.1", traefik.Image)

	idx := traefik.Command.IndexPrefix(ArgACMEEmail)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, ArgACMEEmail+"ops@example.com", traefik.Command[idx])
	assert.GreaterOrEqual(t, traefik.Command.IndexPrefix(ArgACMEStorage), 0)

	out, err := m.Marshal()
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "${SITEDOCK_DB_ROOT_PASSWORD}"))
}
