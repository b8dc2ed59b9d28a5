package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		101: "1xx",
		200: "2xx",
		204: "2xx",
		302: "3xx",
		404: "4xx",
		429: "4xx",
		503: "5xx",
		0:   "5xx",
		999: "5xx",
	}
	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), "statusClass(%d)", code)
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestHandler_ExposesSubsystemSeries(t *testing.T) {
	ScreeningsTotal.WithLabelValues("warn").Inc()
	ActiveWebSocketClients.Set(0)

	body := scrape(t)
	assert.Contains(t, body, `chatshield_screening_messages_total{action="warn"}`)
	assert.Contains(t, body, "chatshield_realtime_clients 0")
}

func TestSetPatternSet_KeepsOnlyActiveVersion(t *testing.T) {
	SetPatternSet("v1", 3)
	SetPatternSet("v2", 5)

	ch := make(chan prometheus.Metric, 4)
	PatternSetInfo.Collect(ch)
	close(ch)

	var versions []string
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == "version" {
				versions = append(versions, lp.GetValue())
			}
		}
		assert.Equal(t, 5.0, pb.GetGauge().GetValue())
	}
	assert.Equal(t, []string{"v2"}, versions)
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/users/:userId/risk", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/v1/users/u-123/risk", "/nowhere/u-456"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	var pb dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "/v1/users/:userId/risk", "2xx").Write(&pb))
	assert.GreaterOrEqual(t, pb.GetCounter().GetValue(), 1.0)

	pb.Reset()
	require.NoError(t, HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx").Write(&pb))
	assert.GreaterOrEqual(t, pb.GetCounter().GetValue(), 1.0)

	body := scrape(t)
	assert.False(t, strings.Contains(body, "u-123") || strings.Contains(body, "u-456"), "raw path leaked into labels")
}

type fakePool struct{ stats redis.PoolStats }

func (f *fakePool) PoolStats() *redis.PoolStats { return &f.stats }

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestRegisterRedis(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := &fakePool{stats: redis.PoolStats{Hits: 7, Misses: 2, Timeouts: 1, TotalConns: 5, IdleConns: 3, StaleConns: 1}}
	require.NoError(t, RegisterRedis(reg, pool))
	require.NoError(t, RegisterRedis(reg, pool), "second registration is ignored")

	families := gather(t, reg)
	require.Contains(t, families, "chatshield_redis_pool_hits_total")
	assert.Equal(t, 7.0, families["chatshield_redis_pool_hits_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["chatshield_redis_pool_timeouts_total"].GetMetric()[0].GetCounter().GetValue())

	conns := map[string]float64{}
	for _, m := range families["chatshield_redis_pool_connections"].GetMetric() {
		conns[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]float64{"idle": 3, "in_use": 2, "stale": 1}, conns)
}

func TestRegisterDB(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost:1/none?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterDB(reg, db))
	require.NoError(t, RegisterDB(reg, db))

	families := gather(t, reg)
	require.Contains(t, families, "go_sql_open_connections")
	label := families["go_sql_open_connections"].GetMetric()[0].GetLabel()[0]
	assert.Equal(t, "db_name", label.GetName())
	assert.Equal(t, "chatshield", label.GetValue())
}
