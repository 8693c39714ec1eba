package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics()

	m.RecordRun("artifact", time.Second)
	m.RecordRun("failure", 0)
	m.AddQuotaUnits(40)
	m.AddQuotaUnits(-3)
	m.IncQuotaRejections()
	m.RecordSessionCheck(true)
	m.RecordSessionCheck(false)
	m.SetSandboxLive(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("artifact")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.QuotaUnits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionChecks.WithLabelValues("invalid")))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRuns)
	assert.Equal(t, int64(40), snap.UnitsCharged)
	assert.Equal(t, int64(1), snap.LiveInstances)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("artifact", time.Second)
		m.AddQuotaUnits(1)
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.SetSandboxLive(2)
		_ = m.Snapshot()
	})
}

func TestIndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = NewMetrics()
		_ = NewMetrics()
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/workspaces/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspaces/ws_abc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/workspaces/:id", "404")))
	assert.Equal(t, int64(1), m.Snapshot().TotalErrors)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "simlab_http_requests_total")
}
