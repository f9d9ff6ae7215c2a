package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sitedock/sitedock/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New()

	m.ObserveOperation("deploy", nil, time.Second)
	m.ObserveOperation("deploy", nil, 2*time.Second)
	m.ObserveOperation("deploy", &domain.StateConflictError{Operation: "deploy"}, 0)
	m.ObserveOperation("deploy", errors.New("boom"), 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("deploy", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deploy", "state_conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("deploy", "internal")))
}

func TestObserveResult(t *testing.T) {
	m := New()

	m.ObserveResult("site.create", domain.Success("created", nil), time.Second)
	m.ObserveResult("site.create", domain.Failure(domain.NewValidationError("domain", "taken")), 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("site.create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("site.create", "validation")))
}

func TestSetSiteCounts(t *testing.T) {
	m := New()

	m.SetSiteCounts(map[domain.SiteStatus]int{domain.SiteStatusRunning: 3, domain.SiteStatusStopped: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sites.WithLabelValues("running")))

	m.SetSiteCounts(map[domain.SiteStatus]int{domain.SiteStatusStopped: 4})
	assert.Equal(t, 1, testutil.CollectAndCount(m.sites))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("deploy", nil, time.Second)
	m.ObserveResult("deploy", domain.Result{}, time.Second)
	m.ObserveRequest("GET", "/api/sites", 200, time.Millisecond)
	m.SetSiteCounts(nil)
	m.MarkDeployed("php_a", time.Now())
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/api/sites", 200, 10*time.Millisecond)
	m.MarkDeployed("php_a_example_com", time.Unix(1700000000, 0))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sitedock_http_requests_total{method="GET",route="/api/sites",status="200"} 1`)
	assert.Contains(t, body, `sitedock_last_deploy_timestamp_seconds{site="php_a_example_com"} 1.7e+09`)
}
