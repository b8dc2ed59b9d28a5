package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writePatternFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const testPatterns = `version: "test-1"
patterns:
  - id: fin-send-money
    category: FINANCIAL_PRESSURE
    keywords: ["send me money"]
    weight: 30
  - id: off-platform
    category: OFF_PLATFORM_CONTACT
    keywords: ["whatsapp"]
    weight: 20
`

func TestPatternsValidate(t *testing.T) {
	out, err := execute(t, "patterns", "validate", writePatternFile(t, testPatterns))
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    test-1")
	assert.Contains(t, out, "Patterns:   2")
	assert.Contains(t, out, "FINANCIAL_PRESSURE")
}

func TestPatternsValidate_BuiltIn(t *testing.T) {
	out, err := execute(t, "patterns", "validate", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "2026.10-default")
}

func TestPatternsValidate_Invalid(t *testing.T) {
	bad := writePatternFile(t, `version: "bad"
patterns:
  - id: x
    category: NOT_A_CATEGORY
    keywords: ["y"]
    weight: 10
`)
	_, err := execute(t, "patterns", "validate", bad)
	assert.Error(t, err)

	_, err = execute(t, "patterns", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPatternsScan(t *testing.T) {
	path := writePatternFile(t, testPatterns)

	out, err := execute(t, "patterns", "scan", path, "Add me on WhatsApp and send me money")
	require.NoError(t, err)
	assert.Contains(t, out, "Severity 30")
	assert.Contains(t, out, "fin-send-money")
	assert.Contains(t, out, "off-platform")

	out, err = execute(t, "patterns", "scan", path, "nice to meet you")
	require.NoError(t, err)
	assert.Contains(t, out, "No matches")
}

func TestPatternsScan_JSON(t *testing.T) {
	out, err := execute(t, "patterns", "scan", "--json", writePatternFile(t, testPatterns), "hello")
	require.NoError(t, err)

	var got struct {
		Version  string            `json:"version"`
		Severity int               `json:"severity"`
		Matches  []json.RawMessage `json:"matches"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "test-1", got.Version)
	assert.Equal(t, 0, got.Severity)
	assert.NotNil(t, got.Matches)
	assert.Empty(t, got.Matches)
}

func TestPatternsScan_ArgCount(t *testing.T) {
	_, err := execute(t, "patterns", "scan", "-")
	assert.Error(t, err)
}

func TestBackfillRange(t *testing.T) {
	now := time.Date(2026, 10, 2, 5, 30, 0, 0, time.UTC)

	g, from, to, err := backfillRange(&rollupFlags{granularity: "daily", from: "2026-10-01T00:00:00Z"}, now)
	require.NoError(t, err)
	assert.Equal(t, "daily", string(g))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, now, to)

	_, _, _, err = backfillRange(&rollupFlags{granularity: "weekly", from: "2026-10-01T00:00:00Z"}, now)
	assert.Error(t, err)
	_, _, _, err = backfillRange(&rollupFlags{granularity: "hourly", from: "yesterday"}, now)
	assert.Error(t, err)
	_, _, _, err = backfillRange(&rollupFlags{granularity: "hourly", from: "2026-10-01T00:00:00Z", to: "soon"}, now)
	assert.Error(t, err)
}

func TestRollupBackfill_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "rollup", "backfill", "--from", "2026-10-01T00:00:00Z")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	_, err = execute(t, "rollup", "backfill")
	assert.Error(t, err, "--from is required")
}

func TestRollupVerify_RejectsUnalignedStart(t *testing.T) {
	_, err := execute(t, "rollup", "verify", "--granularity", "hourly", "--start", "2026-10-01T00:30:00Z")
	assert.Error(t, err)
}
