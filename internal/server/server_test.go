package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatshield/internal/config"
	"github.com/mbd888/chatshield/internal/health"
	"github.com/mbd888/chatshield/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminSecret = "test-admin-secret"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		AdminSecret:          testAdminSecret,
		RateLimitRPS:         1000,
		CORSOrigins:          []string{"https://mod.example.com"},
		MaxMessageChars:      config.DefaultMaxMessageChars,
		RiskWarnAt:           config.DefaultRiskWarnAt,
		RiskRestrictAt:       config.DefaultRiskRestrictAt,
		RiskBlockAt:          config.DefaultRiskBlockAt,
		RiskDecayPerDay:      config.DefaultRiskDecayPerDay,
		RiskFailClosedStatus: config.DefaultRiskFailClosedStatus,
		StoreRetryAttempts:   config.DefaultStoreRetryAttempts,
		StoreRetryBaseDelay:  time.Millisecond,
		RollupInterval:       time.Hour,
		RollupLookback:       config.DefaultRollupLookback,
		RollupParallelism:    config.DefaultRollupParallelism,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithShutdownDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func serve(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, health.Healthy, resp.Status)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "patterns", resp.Checks[0].Name)
	assert.Equal(t, "2026.10-default", resp.Checks[0].Detail)
	assert.Equal(t, "risk_store", resp.Checks[1].Name)
	assert.Equal(t, "memory circuit closed", resp.Checks[1].Detail)
	assert.False(t, resp.Checks[1].Critical)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := serve(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatshield_patterns_set_info")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/screen",
		"GET:/v1/patterns",
		"GET:/v1/users/:userId/risk",
		"GET:/v1/users/:userId/signals",
		"POST:/v1/admin/patterns/reload",
		"POST:/v1/admin/events",
		"GET:/v1/admin/rollups",
		"POST:/v1/admin/rollups/run",
		"POST:/v1/admin/rollups/verify",
		"GET:/v1/admin/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Message gate through the full middleware stack
// ---------------------------------------------------------------------------

func TestScreenThenRisk(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "POST", "/v1/screen", `{"messageId":"m1","userId":"u1","text":"Please send me money"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var screened struct {
		Verdict struct {
			Action string `json:"action"`
			Status string `json:"status"`
			Score  int    `json:"score"`
		} `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &screened))
	assert.Equal(t, "warn", screened.Verdict.Action)
	assert.Equal(t, "WARNED", screened.Verdict.Status)
	assert.Equal(t, 30, screened.Verdict.Score)

	w = serve(s, "GET", "/v1/users/u1/risk", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"score":30`)

	w = serve(s, "GET", "/v1/users/u1/signals", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/health/live", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = serve(s, "GET", "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/patterns", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = serve(s, "OPTIONS", "/v1/admin/rollups", "", map[string]string{"Origin": "https://mod.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://mod.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, "GET", "/v1/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(s, "GET", "/v1/admin/stats", "", map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(s, "GET", "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(s, "GET", "/v1/admin/stats", "", map[string]string{"X-Admin-Secret": testAdminSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"realtime"`)
}

func TestAdminEventsAndRollups(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": testAdminSecret}

	start := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)
	body := `{"events":[{"kind":"purchase","category":"coins","amount":499,"occurredAt":"` +
		start.Add(time.Minute).Format(time.RFC3339) + `"}]}`
	w := serve(s, "POST", "/v1/admin/events", body, admin)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = serve(s, "POST", "/v1/admin/rollups/run",
		`{"granularity":"hourly","start":"`+start.Format(time.RFC3339)+`"}`, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"computed"`)
	assert.Contains(t, w.Body.String(), `"sum":499`)

	w = serve(s, "GET", "/v1/admin/rollups?granularity=hourly", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunAndShutdown(t *testing.T) {
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithShutdownDelay(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, s.eventWriter.Running, time.Second, 5*time.Millisecond)

	// Screened messages reach the event log once the writer flushes on shutdown.
	w := serve(s, "POST", "/v1/screen", `{"messageId":"m1","userId":"u1","text":"hello there"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
	assert.False(t, s.eventWriter.Running())
	assert.False(t, s.rollupTimer.Running())
}

func TestNewRejectsBadFailClosedStatus(t *testing.T) {
	cfg := testConfig()
	cfg.RiskFailClosedStatus = "MAYBE"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestNewRejectsMissingPatternFile(t *testing.T) {
	cfg := testConfig()
	cfg.PatternsFile = "/nonexistent/patterns.yaml"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}
