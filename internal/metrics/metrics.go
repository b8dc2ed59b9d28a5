// Package metrics exports chatshield's Prometheus series.
//
// Series are grouped by subsystem: http, screening, patterns, risk, store,
// rollup and realtime. Connection pools are exported through collectors
// registered at startup with RegisterDB and RegisterRedis.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const namespace = "chatshield"

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

var (
	// HTTPRequestsTotal counts requests by method, route pattern and status class.
	HTTPRequestsTotal = counterVec("http", "requests_total",
		"HTTP requests by method, route pattern and status class.", "method", "route", "status")

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "route"})

	// ScreeningsTotal counts screened messages by resulting action.
	ScreeningsTotal = counterVec("screening", "messages_total",
		"Screened messages by action (allow, warn, review, block).", "action")

	// ScreeningsDegradedTotal counts verdicts answered with the fail-closed status.
	ScreeningsDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "screening",
		Name:      "degraded_total",
		Help:      "Screenings answered fail-closed because the score store was unavailable.",
	})

	// PatternMatchesTotal counts pattern matches by category.
	PatternMatchesTotal = counterVec("patterns", "matches_total",
		"Pattern matches by category.", "category")

	// PatternSetReloadsTotal counts pattern set reloads by result (ok, error).
	PatternSetReloadsTotal = counterVec("patterns", "reloads_total",
		"Pattern set reloads by result.", "result")

	// PatternSetInfo carries the active version as a label and its pattern
	// count as the value.
	PatternSetInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "patterns",
		Name:      "set_info",
		Help:      "Active pattern set; value is the number of patterns.",
	}, []string{"version"})

	// RiskStatusTransitionsTotal counts status changes produced by accumulation.
	RiskStatusTransitionsTotal = counterVec("risk", "status_transitions_total",
		"Risk status transitions.", "from", "to")

	// StoreRetriesTotal counts store operations retried after a transient failure.
	StoreRetriesTotal = counterVec("store", "retries_total",
		"Store operations retried after a transient failure.", "store")

	// StoreFailuresTotal counts store operations that gave up.
	StoreFailuresTotal = counterVec("store", "failures_total",
		"Store operations that failed after all retries or with the circuit open.", "store")

	// RollupRunsTotal counts window runs by granularity and result.
	RollupRunsTotal = counterVec("rollup", "runs_total",
		"Rollup window runs by granularity and result.", "granularity", "result")

	// RollupDuration observes the time to compute and store one window.
	RollupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rollup",
		Name:      "duration_seconds",
		Help:      "Time to compute and store one rollup window.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 7),
	}, []string{"granularity"})

	// RollupEventsWrittenTotal counts events persisted to the event log.
	RollupEventsWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollup",
		Name:      "events_written_total",
		Help:      "Events appended to the rollup event log.",
	})

	// RollupEventsDroppedTotal counts events lost before reaching the log.
	RollupEventsDroppedTotal = counterVec("rollup", "events_dropped_total",
		"Events dropped before reaching the event log, by reason (invalid, queue_full, flush_failed).", "reason")

	// ActiveWebSocketClients tracks connected moderation feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "realtime",
		Name:      "clients",
		Help:      "Connected moderation feed clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScreeningsTotal,
		ScreeningsDegradedTotal,
		PatternMatchesTotal,
		PatternSetReloadsTotal,
		PatternSetInfo,
		RiskStatusTransitionsTotal,
		StoreRetriesTotal,
		StoreFailuresTotal,
		RollupRunsTotal,
		RollupDuration,
		RollupEventsWrittenTotal,
		RollupEventsDroppedTotal,
		ActiveWebSocketClients,
	)
}

// SetPatternSet replaces the pattern set info gauge so only the active
// version is exported.
func SetPatternSet(version string, patterns int) {
	PatternSetInfo.Reset()
	PatternSetInfo.WithLabelValues(version).Set(float64(patterns))
}

// RegisterDB exports db's pool statistics as go_sql_* series labelled
// db_name="chatshield". Only one pool per process is exported; a later
// registration is ignored.
func RegisterDB(reg prometheus.Registerer, db *sql.DB) error {
	return register(reg, collectors.NewDBStatsCollector(db, namespace))
}

// PoolStatser is implemented by go-redis clients.
type PoolStatser interface {
	PoolStats() *redis.PoolStats
}

// RegisterRedis exports a go-redis client's pool statistics. As with
// RegisterDB the first client registered wins.
func RegisterRedis(reg prometheus.Registerer, client PoolStatser) error {
	return register(reg, newRedisPoolCollector(client))
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}
	return nil
}

type redisPoolCollector struct {
	client   PoolStatser
	hits     *prometheus.Desc
	misses   *prometheus.Desc
	timeouts *prometheus.Desc
	conns    *prometheus.Desc
}

func newRedisPoolCollector(client PoolStatser) *redisPoolCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "redis_pool", name), help, labels, nil)
	}
	return &redisPoolCollector{
		client:   client,
		hits:     desc("hits_total", "Times a free connection was found in the pool."),
		misses:   desc("misses_total", "Times a free connection was not found in the pool."),
		timeouts: desc("timeouts_total", "Times a wait for a connection timed out."),
		conns:    desc("connections", "Pool connections by state.", "state"),
	}
}

func (c *redisPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.conns
}

func (c *redisPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.client.PoolStats()
	if s == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.IdleConns), "idle")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, max(float64(s.TotalConns)-float64(s.IdleConns), 0), "in_use")
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.StaleConns), "stale")
}

// Middleware records request count and latency under the matched route
// pattern. Unmatched requests are labelled "unmatched" so raw paths never
// become label values.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx" and anything outside 100-599 to "5xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
