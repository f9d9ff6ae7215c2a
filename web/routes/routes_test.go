package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/testing/testapp"
	"github.com/sitedock/sitedock/web/handlers"
)

type apiResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	ErrorKind string          `json:"error_kind"`
	Warnings  []string        `json:"warnings"`
	Data      json.RawMessage `json:"data"`
}

type apiFixture struct {
	server *httptest.Server
	app    *app.App
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	a, _ := testapp.New(t)

	server := httptest.NewServer(NewRouter(Services{
		Sites:   a.Sites,
		Deploys: a.Deploys,
		Proxy:   a.Proxy,
		Updates: a.Updater,
		Metrics: a.Metrics,
	}))
	t.Cleanup(server.Close)
	return &apiFixture{server: server, app: a}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, apiResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.ActorHeader, "tester")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *apiFixture) createSite(t *testing.T, domainName string) uint {
	t.Helper()
	status, res := f.do(t, http.MethodPost, "/api/sites",
		fmt.Sprintf(`{"name":"Site","type":"php","domain":%q}`, domainName))
	require.Equal(t, http.StatusCreated, status, res.Error)

	var created struct {
		Site struct {
			ID uint `json:"id"`
		} `json:"site"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &created))
	require.NotZero(t, created.Site.ID)
	return created.Site.ID
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz_Unavailable(t *testing.T) {
	server := httptest.NewServer(NewRouter(Services{
		Health: func(context.Context) error { return fmt.Errorf("database is locked") },
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSiteCRUD(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSite(t, "blog.example.com")

	status, res := f.do(t, http.MethodGet, "/api/sites", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), "blog.example.com")

	status, res = f.do(t, http.MethodGet, fmt.Sprintf("/api/sites/%d", id), "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), `"container_name":"php_blog_example_com"`)

	status, res = f.do(t, http.MethodPatch, fmt.Sprintf("/api/sites/%d", id), `{"domain":"news.example.com"}`)
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.Contains(t, string(res.Data), "news.example.com")

	status, res = f.do(t, http.MethodDelete, fmt.Sprintf("/api/sites/%d", id), "")
	require.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.do(t, http.MethodGet, fmt.Sprintf("/api/sites/%d", id), "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", res.ErrorKind)
}

func TestSiteList_Filter(t *testing.T) {
	f := newAPIFixture(t)
	f.createSite(t, "blog.example.com")

	status, res := f.do(t, http.MethodGet, "/api/sites?type=wordpress", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(res.Data))

	status, res = f.do(t, http.MethodGet, "/api/sites?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", res.ErrorKind)
}

func TestCreateSite_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid domain", `{"name":"Site","type":"php","domain":"localhost"}`},
		{"unknown type", `{"name":"Site","type":"nodejs","domain":"a.example.com"}`},
		{"unknown field", `{"name":"Site","type":"php","domain":"a.example.com","colour":"red"}`},
		{"malformed json", `{"name":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := f.do(t, http.MethodPost, "/api/sites", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.False(t, res.Success)
			assert.Equal(t, "validation", res.ErrorKind)
		})
	}
}

func TestCreateSite_DuplicateDomain(t *testing.T) {
	f := newAPIFixture(t)
	f.createSite(t, "blog.example.com")

	status, res := f.do(t, http.MethodPost, "/api/sites", `{"name":"Other","type":"php","domain":"blog.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, res.Error, "domain")
}

func TestInvalidSiteID(t *testing.T) {
	f := newAPIFixture(t)

	status, res := f.do(t, http.MethodGet, "/api/sites/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", res.ErrorKind)
}

func TestSiteActions(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSite(t, "blog.example.com")
	base := fmt.Sprintf("/api/sites/%d", id)

	for _, action := range []string{"start", "stop", "restart"} {
		status, res := f.do(t, http.MethodPost, base+"/"+action, "")
		assert.Equal(t, http.StatusOK, status, action+": "+res.Error)
	}

	status, res := f.do(t, http.MethodPost, base+"/reconcile", "")
	assert.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.do(t, http.MethodGet, base+"/labels", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), "traefik.enable=true")

	status, res = f.do(t, http.MethodPut, base+"/ssl", `{"enabled":true,"challenge":"http"}`)
	assert.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.do(t, http.MethodGet, base+"/labels", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(res.Data), "certresolver=letsencrypt")
}

func TestSetSFTP(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSite(t, "blog.example.com")
	path := fmt.Sprintf("/api/sites/%d/sftp", id)

	status, res := f.do(t, http.MethodPut, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, res.Error, "enabled")

	status, res = f.do(t, http.MethodPut, path, `{"enabled":true}`)
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.Contains(t, string(res.Data), `"port":2222`)
}

func TestDeployRoutes(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSite(t, "blog.example.com")
	base := fmt.Sprintf("/api/sites/%d/deploy", id)

	status, res := f.do(t, http.MethodPost, base+"?force=true", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, res.Error, "confirm=true")

	// Manual sites cannot be deployed from git
	status, res = f.do(t, http.MethodPost, base, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", res.ErrorKind)

	status, res = f.do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "never deployed", res.Message)

	status, _ = f.do(t, http.MethodGet, base+"/check", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProxyRoutes(t *testing.T) {
	f := newAPIFixture(t)

	status, res := f.do(t, http.MethodPut, "/api/proxy/email", `{"email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", res.ErrorKind)

	status, res = f.do(t, http.MethodPut, "/api/proxy/email", `{"email":"ops@example.com"}`)
	assert.Equal(t, http.StatusOK, status, res.Error)

	status, res = f.do(t, http.MethodPut, "/api/proxy/dns", `{"provider":"nowhere","credentials":{}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", res.ErrorKind)

	status, res = f.do(t, http.MethodPut, "/api/proxy/dns", `{"provider":"cloudflare","credentials":{"CF_DNS_API_TOKEN":"secret"}}`)
	assert.Equal(t, http.StatusOK, status, res.Error)
}

func TestUpdateRoutes(t *testing.T) {
	f := newAPIFixture(t)

	status, res := f.do(t, http.MethodGet, "/api/update", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "idle", res.Message)

	status, res = f.do(t, http.MethodPost, "/api/update/run", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, res.Success)
}

func TestUnknownRoute(t *testing.T) {
	f := newAPIFixture(t)

	status, res := f.do(t, http.MethodGet, "/api/nowhere", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", res.ErrorKind)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodGet, "/api/sites", "")

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `sitedock_http_requests_total{method="GET",route="/api/sites`)
}
