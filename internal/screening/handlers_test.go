package screening

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/risk"
)

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(svc)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Screen(t *testing.T) {
	r := setupRouter(newMemoryHarness(t).svc)

	w := doJSON(r, http.MethodPost, "/v1/screen", Message{MessageID: "m1", UserID: "u1", Text: "send me money"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Verdict Verdict `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ActionWarn, resp.Verdict.Action)
	assert.Equal(t, risk.StatusWarned, resp.Verdict.Status)
	assert.Equal(t, 30, resp.Verdict.Severity)
	require.Len(t, resp.Verdict.Matches, 1)
	assert.Equal(t, patterns.CategoryFinancialPressure, resp.Verdict.Matches[0].Category)
}

func TestHandler_ScreenCleanMessageHasEmptyMatches(t *testing.T) {
	r := setupRouter(newMemoryHarness(t).svc)

	w := doJSON(r, http.MethodPost, "/v1/screen", Message{MessageID: "m1", UserID: "u1", Text: ""})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"matches":[]`)
	assert.Contains(t, w.Body.String(), `"action":"allow"`)
}

func TestHandler_ScreenRejectsBadRequests(t *testing.T) {
	r := setupRouter(newMemoryHarness(t, WithMaxChars(5)).svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/screen", strings.NewReader(`{"text":`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = doJSON(r, http.MethodPost, "/v1/screen", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), `"field":"messageId"`)

	w = doJSON(r, http.MethodPost, "/v1/screen", Message{MessageID: "m1", UserID: "u1", Text: "too long"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), `"field":"text"`)
}

func TestHandler_ScreenDegradedStillAnswers(t *testing.T) {
	r := setupRouter(newHarness(t, downScoreStore{}, risk.NewMemorySignalStore()).svc)

	w := doJSON(r, http.MethodPost, "/v1/screen", Message{MessageID: "m1", UserID: "u1", Text: "hello"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded":true`)
	assert.Contains(t, w.Body.String(), `"action":"review"`)

	// Read endpoints report the outage instead of guessing.
	w = doJSON(r, http.MethodGet, "/v1/users/u1/risk", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_GetRiskAndSignals(t *testing.T) {
	h := newMemoryHarness(t)
	r := setupRouter(h.svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Screen(ctx, Message{MessageID: "m" + string(rune('a'+i)), UserID: "u1", Text: "add me on whatsapp"})
		require.NoError(t, err)
	}

	w := doJSON(r, http.MethodGet, "/v1/users/u1/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"score":45`)
	assert.Contains(t, w.Body.String(), `"action":"warn"`)

	w = doJSON(r, http.MethodGet, "/v1/users/u1/signals?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Signals    []risk.RiskSignal `json:"signals"`
		Count      int               `json:"count"`
		HasMore    bool              `json:"hasMore"`
		NextCursor string            `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "mc", resp.Signals[0].MessageID)
	require.True(t, resp.HasMore)

	w = doJSON(r, http.MethodGet, "/v1/users/u1/signals?limit=2&cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp.NextCursor = ""
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "ma", resp.Signals[0].MessageID)
	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.NextCursor)

	w = doJSON(r, http.MethodGet, "/v1/users/u1/signals?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/users/nobody/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"NORMAL"`)

	w = doJSON(r, http.MethodGet, "/v1/users/bad%20id/risk", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetPatterns(t *testing.T) {
	r := setupRouter(newMemoryHarness(t).svc)

	w := doJSON(r, http.MethodGet, "/v1/patterns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"2026.10-default"`)
	assert.Contains(t, w.Body.String(), "FINANCIAL_PRESSURE")
}

const reloadYAML = `version: "v1"
patterns:
  - id: p1
    category: HARASSMENT
    keywords: ["go away forever"]
    weight: 20
`

func TestHandler_ReloadPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reloadYAML), 0o600))

	registry, err := patterns.NewRegistry(path, logging.Discard())
	require.NoError(t, err)
	acc, err := risk.NewAccumulator(risk.NewMemoryScoreStore(), risk.DefaultPolicy())
	require.NoError(t, err)
	svc := NewService(registry, acc, risk.NewMemorySignalStore(), WithClock(func() time.Time { return testNow }))
	r := setupRouter(svc)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(reloadYAML, `"v1"`, `"v2"`, 1)), 0o600))
	w := doJSON(r, http.MethodPost, "/v1/admin/patterns/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"version":"v2"`)

	require.NoError(t, os.WriteFile(path, []byte("version: v3\npatterns: []\n"), 0o600))
	w = doJSON(r, http.MethodPost, "/v1/admin/patterns/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "v2", svc.PatternSet().Version(), "a bad file keeps the active set")
}
